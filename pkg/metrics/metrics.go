package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Consumer outcomes
const (
	OutcomeAcked        = "acked"
	OutcomeRequeued     = "requeued"
	OutcomeDeadLettered = "dead_lettered"
)

var (
	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialsync_events_published_total",
			Help: "Total number of events handed to the broker by routing key",
		},
		[]string{"routing_key"},
	)

	EventsPublishFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialsync_events_publish_failed_total",
			Help: "Total number of publish attempts that returned an error",
		},
		[]string{"routing_key"},
	)

	EventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialsync_events_consumed_total",
			Help: "Total number of deliveries by routing key and outcome",
		},
		[]string{"routing_key", "outcome"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "socialsync_handler_duration_seconds",
			Help:    "Event handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"routing_key"},
	)

	// Cache metrics
	CacheInvalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialsync_cache_invalidations_total",
			Help: "Total number of invalidation passes by namespace",
		},
		[]string{"namespace"},
	)

	CacheInvalidationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialsync_cache_invalidation_errors_total",
			Help: "Total number of failed cache deletes during invalidation",
		},
		[]string{"namespace"},
	)

	// Media metrics
	MediaDeletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialsync_media_deletions_total",
			Help: "Total number of media reconciliation attempts by result",
		},
		[]string{"result"},
	)

	// Outbox metrics
	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "socialsync_outbox_pending",
			Help: "Number of outbox rows waiting to be republished",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsPublishFailed)
	prometheus.MustRegister(EventsConsumed)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(CacheInvalidations)
	prometheus.MustRegister(CacheInvalidationErrors)
	prometheus.MustRegister(MediaDeletions)
	prometheus.MustRegister(OutboxPending)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation and records it into a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds.
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
