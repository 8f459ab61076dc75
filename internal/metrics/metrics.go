// ABOUTME: Prometheus collectors for dispatch, correlation, scheduling and agent presence.
// ABOUTME: Each Collector owns its registry so several gateways can coexist in one process.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "probeops"

// Collector holds the gateway's Prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	jobsDispatched   *prometheus.CounterVec
	jobsResolved     *prometheus.CounterVec
	jobsTimedOut     *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec
	resultsDiscarded *prometheus.CounterVec
	scheduledFires   *prometheus.CounterVec
	jobLatency       prometheus.Histogram

	agentsConnected  prometheus.Gauge
	jobsPending      prometheus.Gauge
	scheduleTriggers prometheus.Gauge
}

// NewCollector creates a Collector with a private registry that also carries
// the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs sent to an agent, by job type and mode",
		}, []string{"job_type", "mode"}),
		jobsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_resolved_total",
			Help:      "Jobs settled by an agent result, by mode",
		}, []string{"mode"}),
		jobsTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_timed_out_total",
			Help:      "Jobs removed by the timeout supervisor, by mode",
		}, []string{"mode"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Dispatch attempts that failed before a result, by reason",
		}, []string{"reason"}),
		resultsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_discarded_total",
			Help:      "Agent results with no pending job, by classification",
		}, []string{"reason"}),
		scheduledFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_fires_total",
			Help:      "Scheduled probe firings, by outcome",
		}, []string{"outcome"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Time from dispatch to result",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60},
		}),
		agentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_connected",
			Help:      "Agents currently holding a connection",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Entries in the pending-job table",
		}),
		scheduleTriggers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedule_triggers",
			Help:      "Registered scheduled probe triggers",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobsDispatched,
		c.jobsResolved,
		c.jobsTimedOut,
		c.dispatchFailures,
		c.resultsDiscarded,
		c.scheduledFires,
		c.jobLatency,
		c.agentsConnected,
		c.jobsPending,
		c.scheduleTriggers,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordDispatch counts a job sent to an agent.
func (c *Collector) RecordDispatch(jobType, mode string) {
	if c == nil {
		return
	}
	c.jobsDispatched.WithLabelValues(jobType, mode).Inc()
}

// RecordResolved counts a settled job and observes its latency.
func (c *Collector) RecordResolved(mode string, latency time.Duration) {
	if c == nil {
		return
	}
	c.jobsResolved.WithLabelValues(mode).Inc()
	c.jobLatency.Observe(latency.Seconds())
}

// RecordTimeout counts a job removed by the timeout supervisor.
func (c *Collector) RecordTimeout(mode string) {
	if c == nil {
		return
	}
	c.jobsTimedOut.WithLabelValues(mode).Inc()
}

// RecordDispatchFailure counts a dispatch that failed before sending or while sending.
func (c *Collector) RecordDispatchFailure(reason string) {
	if c == nil {
		return
	}
	c.dispatchFailures.WithLabelValues(reason).Inc()
}

// RecordDiscarded counts a result that matched no pending job.
func (c *Collector) RecordDiscarded(reason string) {
	if c == nil {
		return
	}
	c.resultsDiscarded.WithLabelValues(reason).Inc()
}

// RecordScheduledFire counts a scheduler firing by outcome.
func (c *Collector) RecordScheduledFire(outcome string) {
	if c == nil {
		return
	}
	c.scheduledFires.WithLabelValues(outcome).Inc()
}

// SetAgentsConnected sets the connected-agent gauge.
func (c *Collector) SetAgentsConnected(n int) {
	if c == nil {
		return
	}
	c.agentsConnected.Set(float64(n))
}

// SetJobsPending sets the pending-table gauge.
func (c *Collector) SetJobsPending(n int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(n))
}

// SetScheduleTriggers sets the trigger-count gauge.
func (c *Collector) SetScheduleTriggers(n int) {
	if c == nil {
		return
	}
	c.scheduleTriggers.Set(float64(n))
}
