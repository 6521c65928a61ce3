package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_timer_seconds", Help: "test"})
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(h)

	assert.GreaterOrEqual(t, timer.Duration(), 5*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(h))
}

func TestCountersAreLabelled(t *testing.T) {
	before := testutil.ToFloat64(EventsConsumed.WithLabelValues("post.created", OutcomeAcked))
	EventsConsumed.WithLabelValues("post.created", OutcomeAcked).Inc()
	after := testutil.ToFloat64(EventsConsumed.WithLabelValues("post.created", OutcomeAcked))
	assert.Equal(t, before+1, after)
}
