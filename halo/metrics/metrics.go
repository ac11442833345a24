package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the indexer's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	postsCreated        *prometheus.CounterVec
	postsRejected       *prometheus.CounterVec
	moderationDecisions *prometheus.CounterVec
	rateLimited         prometheus.Counter
	batchesSealed       prometheus.Counter
	batchesAnchored     prometheus.Counter
	anchorFailures      prometheus.Counter
	batchQueueDepth     prometheus.Gauge
	charterRefresh      *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		postsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halo_posts_created_total",
			Help: "Total number of posts stored",
		}, []string{"post_type", "live_flag"}),
		postsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halo_posts_rejected_total",
			Help: "Total number of rejected post submissions by reason",
		}, []string{"reason"}),
		moderationDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halo_moderation_decisions_total",
			Help: "Total number of moderation decisions by action",
		}, []string{"action"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_rate_limited_total",
			Help: "Total number of requests denied by the rate limiter",
		}),
		batchesSealed: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_batches_sealed_total",
			Help: "Total number of sealed anchoring batches",
		}),
		batchesAnchored: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_batches_anchored_total",
			Help: "Total number of batches anchored on chain",
		}),
		anchorFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_batch_anchor_failures_total",
			Help: "Total number of failed anchoring attempts",
		}),
		batchQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "halo_batch_queue_depth",
			Help: "Posts waiting to be added to a batch",
		}),
		charterRefresh: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halo_charter_refresh_total",
			Help: "Charter refresh attempts by result",
		}, []string{"result"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "halo_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) PostCreated(postType, liveFlag string) {
	if m == nil {
		return
	}
	m.postsCreated.WithLabelValues(postType, liveFlag).Inc()
}

func (m *Metrics) PostRejected(reason string) {
	if m == nil {
		return
	}
	m.postsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ModerationDecision(action string) {
	if m == nil {
		return
	}
	m.moderationDecisions.WithLabelValues(action).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) BatchSealed() {
	if m == nil {
		return
	}
	m.batchesSealed.Inc()
}

func (m *Metrics) BatchAnchored() {
	if m == nil {
		return
	}
	m.batchesAnchored.Inc()
}

func (m *Metrics) AnchorFailure() {
	if m == nil {
		return
	}
	m.anchorFailures.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.batchQueueDepth.Set(float64(n))
}

func (m *Metrics) CharterRefresh(result string) {
	if m == nil {
		return
	}
	m.charterRefresh.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRequest(route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, status).Observe(seconds)
}
