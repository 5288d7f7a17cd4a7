package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/gabelle/internal/admission"
)

// Tool describes a metered upstream endpoint declared in configuration.
type Tool struct {
	Slug      string
	Endpoint  string
	Cost      int64 // flat credits per call
	CostPerKB int64 // credits per request KB; overrides Cost when set
}

// CostFunc derives the tool's admission cost function. Per-KB pricing
// charges by request body size with a one-call minimum of the flat cost.
func (t Tool) CostFunc() admission.CostFunc {
	if t.CostPerKB <= 0 {
		return admission.FlatCost(t.Cost)
	}
	return func(r *http.Request) int64 {
		size := r.ContentLength
		if size < 0 {
			size = 0
		}
		cost := (size + 1023) / 1024 * t.CostPerKB
		if cost < t.Cost {
			cost = t.Cost
		}
		return cost
	}
}

// MetricsRecorder is an optional interface for recording gateway-level metrics.
type MetricsRecorder interface {
	IncGatewayRequests(toolSlug, method string, statusCode int)
	ObserveUpstreamDuration(toolSlug string, seconds float64)
	IncUpstreamError(errorType, toolSlug string)
}

// Handler forwards metered requests to a tool's upstream endpoint. Each
// forwarded request gets a generated job id, stamped on the response as
// X-Job-ID so the admission guard can tag the resulting ledger entry.
type Handler struct {
	tool           Tool
	client         *http.Client
	maxRequestSize int64
	metrics        MetricsRecorder
}

// NewHandler creates a gateway handler for one tool.
func NewHandler(tool Tool, timeout time.Duration, maxRequestSize int64) *Handler {
	return &Handler{
		tool:           tool,
		client:         &http.Client{Timeout: timeout},
		maxRequestSize: maxRequestSize,
	}
}

// SetMetrics sets the optional metrics recorder.
func (h *Handler) SetMetrics(m MetricsRecorder) {
	h.metrics = m
}

// ServeHTTP forwards the request upstream.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := uuid.NewString()
	w.Header().Set("X-Job-ID", jobID)

	// Build the upstream path by stripping everything through the
	// /tools/{slug} segment, wherever the route is mounted.
	marker := "/tools/" + h.tool.Slug
	upstreamPath := r.URL.Path
	if i := strings.Index(upstreamPath, marker); i >= 0 {
		upstreamPath = upstreamPath[i+len(marker):]
	}
	if upstreamPath == "" {
		upstreamPath = "/"
	}
	targetURL := strings.TrimRight(h.tool.Endpoint, "/") + upstreamPath
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Body != nil {
		body = io.LimitReader(r.Body, h.maxRequestSize+1)
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "gateway_error", "failed to build upstream request")
		return
	}

	// Forward headers, excluding the platform API key and hop headers.
	skipHeaders := map[string]bool{
		"Authorization": true,
		"Host":          true,
		"Connection":    true,
	}
	for key, values := range r.Header {
		if skipHeaders[key] {
			continue
		}
		for _, v := range values {
			outReq.Header.Add(key, v)
		}
	}
	outReq.Header.Set("X-Job-ID", jobID)

	start := time.Now()
	resp, err := h.client.Do(outReq)
	latency := time.Since(start)

	if h.metrics != nil {
		h.metrics.ObserveUpstreamDuration(h.tool.Slug, latency.Seconds())
	}

	if err != nil {
		if h.metrics != nil {
			h.metrics.IncGatewayRequests(h.tool.Slug, r.Method, http.StatusBadGateway)
			h.metrics.IncUpstreamError(classifyUpstreamError(err), h.tool.Slug)
		}
		writeError(w, http.StatusBadGateway, "gateway_error", "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if h.metrics != nil {
		h.metrics.IncGatewayRequests(h.tool.Slug, r.Method, resp.StatusCode)
	}

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// classifyUpstreamError categorizes an upstream HTTP client error.
func classifyUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	return "other"
}

type gatewayError struct {
	Error gatewayErrorBody `json:"error"`
}

type gatewayErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(gatewayError{
		Error: gatewayErrorBody{
			Code:    code,
			Message: message,
		},
	})
}

// Validate checks a tool declaration for obvious misconfiguration.
func (t Tool) Validate() error {
	if t.Slug == "" {
		return fmt.Errorf("tool slug is required")
	}
	if t.Endpoint == "" {
		return fmt.Errorf("tool %q: endpoint is required", t.Slug)
	}
	if t.Cost < 0 || t.CostPerKB < 0 {
		return fmt.Errorf("tool %q: costs must be non-negative", t.Slug)
	}
	return nil
}
