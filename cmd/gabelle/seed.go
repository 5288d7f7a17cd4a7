package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/gabelle/internal/auth"
	"github.com/alecgard/gabelle/internal/config"
	"github.com/alecgard/gabelle/internal/credit"
	"github.com/alecgard/gabelle/internal/org"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo organization with granted plan credits",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	orgStore := org.NewStore(pool)
	creditSvc := credit.NewService(credit.NewStore(pool), credit.NewStaticCatalog(configPlans(cfg)))

	// Check if seed has already run.
	existing, _, err := orgStore.List(ctx, org.ListParams{Limit: 1})
	if err != nil {
		return fmt.Errorf("checking existing organizations: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	planID := "pro"
	if len(cfg.Plans) > 0 {
		planID = cfg.Plans[0].ID
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	o, err := orgStore.Create(ctx, org.CreateInput{
		Name:         "demo-org",
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
		PlanID:       planID,
		RateLimit:    120,
	})
	if err != nil {
		return fmt.Errorf("creating demo organization: %w", err)
	}

	start := time.Now().UTC()
	bal, err := creditSvc.GrantSubscriptionCredits(ctx, credit.GrantInput{
		OrganizationID: o.ID,
		PlanID:         planID,
		PeriodStart:    start,
		PeriodEnd:      start.AddDate(0, 1, 0),
	})
	if err != nil {
		return fmt.Errorf("granting demo credits: %w", err)
	}

	slog.Info("created demo organization", "id", o.ID, "name", o.Name, "included", bal.Included)
	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Organization: %s (%s)\n", o.Name, o.ID)
	fmt.Printf("Plan:         %s (%d credits)\n", planID, bal.Included)
	fmt.Printf("API Key:      %s\n", plaintext)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' http://localhost:8080/api/v1/credits/balance\n", plaintext)

	return nil
}
