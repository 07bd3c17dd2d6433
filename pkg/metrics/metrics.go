package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentos_requests_total",
			Help: "Total number of API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentos_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Flow-control metrics
	QuotaDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentos_quota_denials_total",
			Help: "Total number of quota denials by quota type",
		},
		[]string{"type"},
	)

	RateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentos_rate_limit_denials_total",
			Help: "Total number of rate limit denials by limiter kind",
		},
		[]string{"kind"},
	)

	AuthFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentos_auth_failures_total",
			Help: "Total number of failed authentication attempts",
		},
	)

	// Embedding pipeline metrics
	EmbedJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentos_embed_jobs_total",
			Help: "Total number of embedding job outcomes",
		},
		[]string{"outcome"},
	)

	EmbedDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentos_embed_duration_seconds",
			Help:    "Embedding call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dump cache metrics
	DumpCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentos_dump_cache_total",
			Help: "Dump cache lookups by result",
		},
		[]string{"result"},
	)

	// Idempotency metrics
	IdempotencyReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentos_idempotency_replays_total",
			Help: "Total number of write responses replayed from the idempotency cache",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(QuotaDenials)
	prometheus.MustRegister(RateLimitDenials)
	prometheus.MustRegister(AuthFailures)
	prometheus.MustRegister(EmbedJobsTotal)
	prometheus.MustRegister(EmbedDuration)
	prometheus.MustRegister(DumpCacheTotal)
	prometheus.MustRegister(IdempotencyReplays)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
