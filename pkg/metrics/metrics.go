// Package metrics exposes Prometheus metrics for the channel engine and
// federation, plus the health endpoints.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"grid/pkg/event"
)

// Outcome labels
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeInvalid = "invalid"
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
)

// Metrics tracks server-wide metrics
type Metrics struct {
	// Engine metrics
	EventsProcessed *prometheus.CounterVec
	ChannelsTracked prometheus.Gauge
	StreamPosition  prometheus.Gauge

	// Federation metrics
	BackfillFetches *prometheus.CounterVec
	PushAttempts    *prometheus.CounterVec
	PushLatency     prometheus.Histogram
	InboundEvents   *prometheus.CounterVec
	PeerFailures    *prometheus.CounterVec
	PeersTotal      prometheus.Gauge
	PeersAvailable  prometheus.Gauge

	// Health metrics
	HealthScore     prometheus.Gauge
	LastHealthCheck prometheus.Gauge
}

// New creates and registers the metrics. A nil registry uses the default
// registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_events_processed_total",
			Help: "Events processed by outcome",
		}, []string{"outcome"}),
		ChannelsTracked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grid_channels_tracked",
			Help: "Number of channels tracked by this server",
		}),
		StreamPosition: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grid_stream_position",
			Help: "Current position of the local event stream",
		}),

		BackfillFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_backfill_fetches_total",
			Help: "Backfill fetches by outcome",
		}, []string{"outcome"}),
		PushAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_federation_push_total",
			Help: "Federation pushes by outcome",
		}, []string{"outcome"}),
		PushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "grid_federation_push_latency_seconds",
			Help:    "Federation push latency",
			Buckets: prometheus.DefBuckets,
		}),
		InboundEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_federation_inbound_events_total",
			Help: "Events received from peers by outcome",
		}, []string{"outcome"}),
		PeerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_federation_peer_failures_total",
			Help: "Failed requests per peer domain",
		}, []string{"domain"}),
		PeersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grid_federation_peers_total",
			Help: "Number of configured peers",
		}),
		PeersAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grid_federation_peers_available",
			Help: "Number of peers outside their backoff window",
		}),

		HealthScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grid_health_score",
			Help: "Overall health score (0-100)",
		}),
		LastHealthCheck: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grid_last_health_check_timestamp",
			Help: "Timestamp of last health check",
		}),
	}
}

// EventProcessed counts a processing verdict
func (m *Metrics) EventProcessed(_ string, auth event.Authorization) {
	m.EventsProcessed.WithLabelValues(outcomeOf(auth)).Inc()
}

// EventFetched counts a backfill fetch
func (m *Metrics) EventFetched(_ string, ok bool) {
	m.BackfillFetches.WithLabelValues(okLabel(ok)).Inc()
}

// PushFinished records one push to a peer
func (m *Metrics) PushFinished(_ string, err error, elapsed time.Duration) {
	m.PushLatency.Observe(elapsed.Seconds())
	m.PushAttempts.WithLabelValues(okLabel(err == nil)).Inc()
}

// PeerFailed counts a failed request to a peer
func (m *Metrics) PeerFailed(domain string) {
	m.PeerFailures.WithLabelValues(domain).Inc()
}

// InboundEvent counts a verdict on an event pushed by a peer
func (m *Metrics) InboundEvent(auth event.Authorization) {
	m.InboundEvents.WithLabelValues(outcomeOf(auth)).Inc()
}

func outcomeOf(auth event.Authorization) string {
	switch {
	case !auth.Valid:
		return OutcomeInvalid
	case !auth.Authorized:
		return OutcomeDenied
	default:
		return OutcomeAllowed
	}
}

func okLabel(ok bool) string {
	if ok {
		return OutcomeOK
	}
	return OutcomeFailed
}
