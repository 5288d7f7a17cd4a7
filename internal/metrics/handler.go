package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics endpoint.
type Summary struct {
	Mode       string        `json:"mode"`
	Gateway    httpSummary   `json:"gateway"`
	Management httpSummary   `json:"management"`
	Upstream   upstreamInfo  `json:"upstream"`
	RateLimit  rateLimitInfo `json:"rateLimit"`
	Admission  admissionInfo `json:"admission"`
	Queue      queueInfo     `json:"queue"`
	Auth       authInfo      `json:"auth"`
	DB         dbInfo        `json:"db"`
	Server     serverInfo    `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type upstreamInfo struct {
	TotalRequests float64 `json:"totalRequests"`
	P50Duration   float64 `json:"p50Duration"`
	P95Duration   float64 `json:"p95Duration"`
	Errors        float64 `json:"errors"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type admissionInfo struct {
	Allowed        float64 `json:"allowed"`
	OverageAllowed float64 `json:"overageAllowed"`
	Rejections     float64 `json:"rejections"`
}

type queueInfo struct {
	Enqueued float64 `json:"enqueued"`
	Retried  float64 `json:"retried"`
	Dropped  float64 `json:"dropped"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	startTime := gaugeValue(fam["gabelle_server_start_time_seconds"])
	summary := Summary{
		Mode:       "live",
		Gateway:    summarizeHTTP(fam, "gateway"),
		Management: summarizeHTTP(fam, "management"),
		Upstream: upstreamInfo{
			TotalRequests: sumCounter(fam["gabelle_gateway_requests_total"]),
			P50Duration:   histogramPercentile(fam["gabelle_gateway_upstream_duration_seconds"], 0.50, "", ""),
			P95Duration:   histogramPercentile(fam["gabelle_gateway_upstream_duration_seconds"], 0.95, "", ""),
			Errors:        sumCounter(fam["gabelle_gateway_upstream_errors_total"]),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["gabelle_ratelimit_rejections_total"]),
		},
		Admission: admissionInfo{
			Allowed:        sumCounter(fam["gabelle_admission_allowed_total"]),
			OverageAllowed: sumCounterWithLabel(fam["gabelle_admission_allowed_total"], "overage", "true"),
			Rejections:     sumCounter(fam["gabelle_admission_rejections_total"]),
		},
		Queue: queueInfo{
			Enqueued: sumCounter(fam["gabelle_deduct_enqueued_total"]),
			Retried:  sumCounter(fam["gabelle_deduct_retried_total"]),
			Dropped:  sumCounter(fam["gabelle_deduct_dropped_total"]),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["gabelle_auth_failures_total"]),
			Successes: sumCounter(fam["gabelle_auth_successes_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["gabelle_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["gabelle_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["gabelle_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     startTime,
			UptimeSeconds: float64(time.Now().Unix()) - startTime,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

func summarizeHTTP(fam map[string]*dto.MetricFamily, kind string) httpSummary {
	return httpSummary{
		TotalRequests: sumCounterWithLabel(fam["gabelle_http_requests_total"], "kind", kind),
		ErrorRate:     computeErrorRateWithLabel(fam["gabelle_http_requests_total"], "kind", kind),
		P50Latency:    histogramPercentile(fam["gabelle_http_request_duration_seconds"], 0.50, "kind", kind),
		P95Latency:    histogramPercentile(fam["gabelle_http_request_duration_seconds"], 0.95, "kind", kind),
		P99Latency:    histogramPercentile(fam["gabelle_http_request_duration_seconds"], 0.99, "kind", kind),
	}
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func hasLabel(m *dto.Metric, name, value string) bool {
	if name == "" {
		return true
	}
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func computeErrorRateWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation. An empty labelName aggregates the whole family.
func histogramPercentile(f *dto.MetricFamily, q float64, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			// Linear interpolation within this bucket.
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// If we didn't find it, return the last finite bucket upper bound.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
