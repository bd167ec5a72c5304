// Package metrics exposes a Prometheus collector for the operation
// scheduler: submission counters by priority, completion counters broken
// out by terminal state, latency distribution, and live queue depth.
//
// HTTP endpoint: exposed at /metrics, scraped by Prometheus. Default port
// is set by the caller via StartServer.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hollowforge/opqueue/pkg/operation"
)

// Collector implements internal/handler.Metrics and internal/config's
// wiring point for prometheus.
type Collector struct {
	submittedNormal prometheus.Counter
	submittedHigh   prometheus.Counter

	completedSuccess  prometheus.Counter
	completedFailed   prometheus.Counter
	completedTimedOut prometheus.Counter
	cancelled         prometheus.Counter

	latency prometheus.Histogram

	queueDepthNormal prometheus.Gauge
	queueDepthHigh   prometheus.Gauge
}

// NewCollector creates and registers a metrics collector. A process should
// create exactly one; creating a second one against the same registry
// panics on duplicate registration.
func NewCollector() *Collector {
	c := &Collector{
		submittedNormal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opqueue_operations_submitted_total",
			Help: "Total number of operations submitted at normal priority.",
		}),
		submittedHigh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opqueue_operations_submitted_high_priority_total",
			Help: "Total number of operations submitted at high priority.",
		}),
		completedSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opqueue_operations_succeeded_total",
			Help: "Total number of operations that completed successfully.",
		}),
		completedFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opqueue_operations_failed_total",
			Help: "Total number of operations that completed with a failure status.",
		}),
		completedTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opqueue_operations_timed_out_total",
			Help: "Total number of operations abandoned after exceeding their timeout.",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opqueue_operations_cancelled_total",
			Help: "Total number of operations cancelled, individually or via a bulk cancel.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "opqueue_operation_duration_seconds",
			Help:    "Wall-clock duration from dequeue to terminal status.",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepthNormal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opqueue_queue_depth_normal",
			Help: "Current number of queued normal-priority operations.",
		}),
		queueDepthHigh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opqueue_queue_depth_high",
			Help: "Current number of queued high-priority operations.",
		}),
	}

	prometheus.MustRegister(
		c.submittedNormal,
		c.submittedHigh,
		c.completedSuccess,
		c.completedFailed,
		c.completedTimedOut,
		c.cancelled,
		c.latency,
		c.queueDepthNormal,
		c.queueDepthHigh,
	)

	return c
}

// RecordSubmitted records a new submission at the given priority.
func (c *Collector) RecordSubmitted(highPriority bool) {
	if highPriority {
		c.submittedHigh.Inc()
		return
	}
	c.submittedNormal.Inc()
}

// RecordCompleted records a terminal status and its latency. Cancelled
// operations are not double-counted here; RecordCancelled covers them.
func (c *Collector) RecordCompleted(state operation.Status, latency time.Duration) {
	c.latency.Observe(latency.Seconds())
	switch state {
	case operation.Success:
		c.completedSuccess.Inc()
	case operation.Failed:
		c.completedFailed.Inc()
	case operation.TimedOut:
		c.completedTimedOut.Inc()
	}
}

// RecordCancelled records one cancelled operation, whether it was queued or
// in flight.
func (c *Collector) RecordCancelled() {
	c.cancelled.Inc()
}

// SetQueueDepth updates the live queue depth gauges.
func (c *Collector) SetQueueDepth(normal, high int) {
	c.queueDepthNormal.Set(float64(normal))
	c.queueDepthHigh.Set(float64(high))
}

// StartServer serves /metrics on the given port. It blocks; run it in its
// own goroutine.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
}
