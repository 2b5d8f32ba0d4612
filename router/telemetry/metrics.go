package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/inference-sim/tier-router/router"
)

// MetricsSink exports events as prometheus metrics.
type MetricsSink struct {
	events         *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	usedBytes      prometheus.Gauge
	decisionTime   prometheus.Histogram
	loadTime       *prometheus.HistogramVec
	estimatedCost  prometheus.Histogram
	fallbackCounts prometheus.Counter
}

// NewMetricsSink registers the tier-router metrics on reg.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	f := promauto.With(reg)
	return &MetricsSink{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tier_router_events_total",
			Help: "Router and loader events by kind",
		}, []string{"kind"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tier_router_decisions_total",
			Help: "Routing decisions by model, mode and tier",
		}, []string{"model", "mode", "tier"}),
		usedBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "tier_router_memory_used_bytes",
			Help: "Bytes held by resident model instances",
		}),
		decisionTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tier_router_route_duration_seconds",
			Help:    "Time from query arrival to a pinned lease",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		loadTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tier_router_load_duration_seconds",
			Help:    "Physical load duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{"kind"}),
		estimatedCost: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tier_router_estimated_cost_cents",
			Help:    "Estimated cost of routed queries",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		fallbackCounts: f.NewCounter(prometheus.CounterOpts{
			Name: "tier_router_classification_fallbacks_total",
			Help: "Decisions made on a fallback classification",
		}),
	}
}

// Emit implements router.EventSink.
func (m *MetricsSink) Emit(ev router.Event) {
	m.events.WithLabelValues(ev.Kind.String()).Inc()
	switch ev.Kind {
	case router.EventDecision:
		if d := ev.Decision; d != nil {
			m.decisions.WithLabelValues(d.ModelID, string(d.Mode), strconv.Itoa(d.TierRank)).Inc()
			m.estimatedCost.Observe(d.EstimatedCost)
			if d.ClassificationFallback {
				m.fallbackCounts.Inc()
			}
		}
		m.decisionTime.Observe(ev.Latency.Seconds())
	case router.EventLoad, router.EventPreload, router.EventSwap:
		m.loadTime.WithLabelValues(ev.Kind.String()).Observe(ev.Latency.Seconds())
		m.usedBytes.Set(float64(ev.UsedBytes))
	case router.EventEvict, router.EventCacheHit, router.EventLoadFailed:
		m.usedBytes.Set(float64(ev.UsedBytes))
	case router.EventRejected:
	}
}
