// Package metrics exposes the pipeline's Prometheus collectors. All helper
// methods are safe to call on a nil *Registry so services can run without
// metrics wired in.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kbassist"

// DefaultBuckets are the default histogram buckets (in seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Registry owns a private prometheus.Registry and the collectors used by
// the chat, retrieval and ingestion paths.
type Registry struct {
	reg *prometheus.Registry

	chatRequests   *prometheus.CounterVec
	chatRejected   *prometheus.CounterVec
	intents        *prometheus.CounterVec
	ragFallbacks   *prometheus.CounterVec
	embedCalls     *prometheus.CounterVec
	embedFallbacks prometheus.Counter
	storeLatency   *prometheus.HistogramVec
	storeErrors    *prometheus.CounterVec
	upserted       *prometheus.CounterVec
	sessions       prometheus.Gauge
	breakerState   *prometheus.GaugeVec
	freshnessRuns  *prometheus.CounterVec
}

// New creates a Registry with Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.chatRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "chat_requests_total",
		Help: "Chat requests answered, by strategy.",
	}, []string{"strategy"})
	r.chatRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "chat_rejected_total",
		Help: "Chat requests rejected before answering, by reason.",
	}, []string{"reason"})
	r.intents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "intent_classified_total",
		Help: "Classified queries by intent.",
	}, []string{"intent"})
	r.ragFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "retrieval_fallback_total",
		Help: "Vector retrievals that fell back to keyword search, by reason.",
	}, []string{"reason"})
	r.embedCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "embed_calls_total",
		Help: "Embedding provider calls by provider and outcome.",
	}, []string{"provider", "outcome"})
	r.embedFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "embed_hash_fallback_total",
		Help: "Items embedded with the deterministic hash fallback.",
	})
	r.storeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "vector_store_duration_seconds",
		Help: "Vector store operation latency.", Buckets: DefaultBuckets,
	}, []string{"op"})
	r.storeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "vector_store_errors_total",
		Help: "Vector store operations that failed after retries.",
	}, []string{"op"})
	r.upserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "vector_points_total",
		Help: "Points offered for upsert, by outcome (stored, skipped).",
	}, []string{"outcome"})
	r.sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "memory_sessions",
		Help: "Live conversation sessions.",
	})
	r.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
	}, []string{"name"})
	r.freshnessRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "freshness_runs_total",
		Help: "Freshness maintenance runs by action taken.",
	}, []string{"action"})

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.chatRequests, r.chatRejected, r.intents, r.ragFallbacks,
		r.embedCalls, r.embedFallbacks, r.storeLatency, r.storeErrors,
		r.upserted, r.sessions, r.breakerState, r.freshnessRuns,
	)
	return r
}

// Prometheus returns the underlying registry for custom collectors.
func (r *Registry) Prometheus() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// Handler returns an http.Handler that serves the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) ChatRequest(strategy string) {
	if r != nil {
		r.chatRequests.WithLabelValues(strategy).Inc()
	}
}

func (r *Registry) ChatRejected(reason string) {
	if r != nil {
		r.chatRejected.WithLabelValues(reason).Inc()
	}
}

func (r *Registry) Intent(intent string) {
	if r != nil {
		r.intents.WithLabelValues(intent).Inc()
	}
}

func (r *Registry) RetrievalFallback(reason string) {
	if r != nil {
		r.ragFallbacks.WithLabelValues(reason).Inc()
	}
}

// EmbedCall records one provider call; outcome is ok, rate_limited, loading or error.
func (r *Registry) EmbedCall(provider, outcome string) {
	if r != nil {
		r.embedCalls.WithLabelValues(provider, outcome).Inc()
	}
}

func (r *Registry) EmbedFallback() {
	if r != nil {
		r.embedFallbacks.Inc()
	}
}

// StoreOp records the latency of a vector store operation started at start.
func (r *Registry) StoreOp(op string, start time.Time, err error) {
	if r == nil {
		return
	}
	r.storeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		r.storeErrors.WithLabelValues(op).Inc()
	}
}

func (r *Registry) Upserted(stored, skipped int) {
	if r == nil {
		return
	}
	r.upserted.WithLabelValues("stored").Add(float64(stored))
	r.upserted.WithLabelValues("skipped").Add(float64(skipped))
}

func (r *Registry) Sessions(n int) {
	if r != nil {
		r.sessions.Set(float64(n))
	}
}

func (r *Registry) BreakerState(name string, state int) {
	if r != nil {
		r.breakerState.WithLabelValues(name).Set(float64(state))
	}
}

func (r *Registry) FreshnessRun(action string) {
	if r != nil {
		r.freshnessRuns.WithLabelValues(action).Inc()
	}
}
