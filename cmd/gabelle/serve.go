package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/gabelle/internal/admission"
	"github.com/alecgard/gabelle/internal/api"
	"github.com/alecgard/gabelle/internal/auth"
	"github.com/alecgard/gabelle/internal/billing"
	"github.com/alecgard/gabelle/internal/config"
	"github.com/alecgard/gabelle/internal/credit"
	"github.com/alecgard/gabelle/internal/gateway"
	"github.com/alecgard/gabelle/internal/metrics"
	"github.com/alecgard/gabelle/internal/org"
	"github.com/alecgard/gabelle/internal/ratelimit"
	"github.com/alecgard/gabelle/internal/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Gabelle credit accounting server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		st := pool.Stat()
		return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
	})

	orgStore := org.NewStore(pool)
	creditStore := credit.NewStore(pool)
	usageStore := usage.NewStore(pool)

	creditSvc := credit.NewService(creditStore, credit.NewStaticCatalog(configPlans(cfg)))

	queue := admission.NewDeductQueue(creditSvc, cfg.DeductQueue.RetryInterval, cfg.DeductQueue.MaxAttempts)
	queue.SetMetrics(m)
	go queue.Start(ctx)

	guard := admission.NewGuard(creditSvc, queue)
	guard.SetMetrics(m)

	checkout := billing.NewCheckoutClient(cfg.Stripe.SecretKey, cfg.Stripe.Currency, configPacks(cfg), creditSvc)

	reporter := billing.NewReporter(cfg.Stripe.SecretKey, creditStore, orgStore, cfg.Stripe.ReportInterval)
	go reporter.Start(ctx)

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	authService := auth.NewService(org.NewAuthAdapter(orgStore))
	authService.SetMetrics(m)

	router := api.NewRouter(api.RouterDeps{
		Orgs:                orgStore,
		Credits:             creditSvc,
		CreditStore:         creditStore,
		Usage:               usageStore,
		Auth:                authService,
		Limiter:             limiter,
		Guard:               guard,
		Checkout:            checkout,
		Metrics:             m,
		Tools:               configTools(cfg),
		GatewayTimeout:      cfg.Gateway.Timeout,
		GatewayMaxSize:      cfg.Gateway.MaxRequestSize,
		AdminKey:            cfg.Admin.APIKey,
		StripeWebhookSecret: cfg.Stripe.WebhookSecret,
		AllowedOrigins:      cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Drain HTTP first so in-flight responses can still enqueue their
	// deductions. Stop blocks until the final drain has run, which keeps
	// the deferred pool.Close from racing queued work.
	err = srv.Shutdown(shutdownCtx)
	queue.Stop()
	reporter.Stop()
	return err
}

func configPlans(cfg *config.Config) []credit.Plan {
	plans := make([]credit.Plan, 0, len(cfg.Plans))
	for _, p := range cfg.Plans {
		plans = append(plans, credit.Plan{
			ID:              p.ID,
			Name:            p.Name,
			IncludedCredits: p.IncludedCredits,
			StripePriceID:   p.StripePriceID,
		})
	}
	return plans
}

func configPacks(cfg *config.Config) []billing.CreditPack {
	packs := make([]billing.CreditPack, 0, len(cfg.Packs))
	for _, p := range cfg.Packs {
		packs = append(packs, billing.CreditPack{
			ID:         p.ID,
			Name:       p.Name,
			Credits:    p.Credits,
			PriceCents: p.PriceCents,
		})
	}
	return packs
}

func configTools(cfg *config.Config) []gateway.Tool {
	tools := make([]gateway.Tool, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools = append(tools, gateway.Tool{
			Slug:      t.Slug,
			Endpoint:  t.Endpoint,
			Cost:      t.Cost,
			CostPerKB: t.CostPerKB,
		})
	}
	return tools
}
