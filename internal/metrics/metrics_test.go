// ABOUTME: Tests for the Prometheus collector.
// ABOUTME: Checks counters through testutil, nil safety and the exposition handler.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.RecordDispatch("ping", "waiting")
	c.RecordDispatch("ping", "waiting")
	c.RecordResolved("waiting", 120*time.Millisecond)
	c.RecordTimeout("background")
	c.RecordDiscarded("late")
	c.RecordScheduledFire("dropped")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsDispatched.WithLabelValues("ping", "waiting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsResolved.WithLabelValues("waiting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTimedOut.WithLabelValues("background")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resultsDiscarded.WithLabelValues("late")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scheduledFires.WithLabelValues("dropped")))
}

func TestCollectorGauges(t *testing.T) {
	c := NewCollector()
	c.SetAgentsConnected(3)
	c.SetJobsPending(2)
	c.SetScheduleTriggers(5)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.agentsConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsPending))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.scheduleTriggers))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordDispatch("ping", "waiting")
	c.RecordResolved("waiting", time.Second)
	c.SetAgentsConnected(1)
	assert.Nil(t, c.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordDispatch("dns", "background")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `probeops_jobs_dispatched_total{job_type="dns",mode="background"} 1`)
}

func TestTwoCollectorsDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector()
		NewCollector()
	})
}
