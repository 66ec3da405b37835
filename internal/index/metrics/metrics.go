package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the index module. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	// Update outcomes: "accepted", "pending", "rejected", "error"
	Updates *prometheus.CounterVec

	// Update items by action and what happened to them: "applied", "pending", "noop"
	Items *prometheus.CounterVec

	// Verification decisions: "confirmed", "denied", "expired", "not_found"
	Verifications *prometheus.CounterVec

	// Notification deliveries by outcome
	Notifications *prometheus.CounterVec

	SearchLatency prometheus.Histogram
	SearchResults prometheus.Histogram

	// Authorization gate decisions: "approved", "denied", "unreachable", "missing"
	Authorizations *prometheus.CounterVec
	// Approvals served from the cache
	AuthorizationCacheHits prometheus.Counter
}

// New registers the index metrics on the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Updates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keyindex_updates_total",
			Help: "Update requests by result",
		}, []string{"result"}),

		Items: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keyindex_update_items_total",
			Help: "Update items by action and disposition",
		}, []string{"action", "disposition"}),

		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keyindex_verifications_total",
			Help: "Confirm and deny attempts by outcome",
		}, []string{"outcome"}),

		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keyindex_notifications_total",
			Help: "Verification notifications by outcome",
		}, []string{"outcome"}),

		SearchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "keyindex_search_duration_seconds",
			Help:    "Duration of search evaluation including store lookups",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		SearchResults: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "keyindex_search_identities",
			Help:    "Identities returned per search",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
		}),

		Authorizations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keyindex_authorization_decisions_total",
			Help: "Authorization gate decisions",
		}, []string{"decision"}),

		AuthorizationCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "keyindex_authorization_cache_hits_total",
			Help: "Approvals answered from the cache without calling accounting",
		}),
	}
}

func (m *Metrics) IncrementUpdate(result string) {
	if m != nil {
		m.Updates.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncrementItem(action, disposition string) {
	if m != nil {
		m.Items.WithLabelValues(action, disposition).Inc()
	}
}

func (m *Metrics) IncrementVerification(outcome string) {
	if m != nil {
		m.Verifications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncrementNotification(outcome string) {
	if m != nil {
		m.Notifications.WithLabelValues(outcome).Inc()
	}
}

// ObserveSearch records one search evaluation and how many identities it returned.
func (m *Metrics) ObserveSearch(d time.Duration, identities int) {
	if m != nil {
		m.SearchLatency.Observe(d.Seconds())
		m.SearchResults.Observe(float64(identities))
	}
}

func (m *Metrics) IncrementAuthorization(decision string) {
	if m != nil {
		m.Authorizations.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) IncrementAuthorizationCacheHit() {
	if m != nil {
		m.AuthorizationCacheHits.Inc()
	}
}
