// Package metrics holds the Prometheus collectors exported by the key management service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "kms"

	LabelOperation = "operation"
	LabelResult    = "result"
	LabelStatus    = "status"
	LabelSeverity  = "severity"
	LabelEventType = "event_type"
	LabelJob       = "job"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Collector groups every KMS collector behind a dedicated registry so tests
// can build as many as they like without clashing on the default registerer.
type Collector struct {
	registry *prometheus.Registry

	keyOperations    *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	rotationSweeps   *prometheus.CounterVec
	rotatedKeys      *prometheus.CounterVec
	securityEvents   *prometheus.CounterVec
	keysByStatus     *prometheus.GaugeVec
	activeAlerts     *prometheus.GaugeVec
	auditWriteErrors prometheus.Counter
	jobRuns          *prometheus.CounterVec
}

// New builds and registers the collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		keyOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_operations_total",
			Help:      "Key operations by operation and result.",
		}, []string{LabelOperation, LabelResult}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of key operations.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{LabelOperation}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Key cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Key cache misses.",
		}),
		rotationSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotation_sweeps_total",
			Help:      "Rotation sweeps by result.",
		}, []string{LabelResult}),
		rotatedKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotated_keys_total",
			Help:      "Keys processed by rotation sweeps.",
		}, []string{LabelResult}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events by type.",
		}, []string{LabelEventType}),
		keysByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys",
			Help:      "Stored keys by status.",
		}, []string{LabelStatus}),
		activeAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Unresolved alerts by severity.",
		}, []string{LabelSeverity}),
		auditWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_errors_total",
			Help:      "Audit entries that could not be persisted.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by job and result.",
		}, []string{LabelJob, LabelResult}),
	}

	c.registry.MustRegister(
		c.keyOperations,
		c.operationLatency,
		c.cacheHits,
		c.cacheMisses,
		c.rotationSweeps,
		c.rotatedKeys,
		c.securityEvents,
		c.keysByStatus,
		c.activeAlerts,
		c.auditWriteErrors,
		c.jobRuns,
	)
	return c
}

// Registry exposes the underlying registry (used by tests and the HTTP handler).
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveOperation counts one key operation and records its latency.
// A nil collector is a no-op so components can run without metrics.
func (c *Collector) ObserveOperation(operation string, start time.Time, err error) {
	if c == nil {
		return
	}
	c.keyOperations.WithLabelValues(operation, result(err)).Inc()
	c.operationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (c *Collector) CacheHit() {
	if c != nil {
		c.cacheHits.Inc()
	}
}

func (c *Collector) CacheMiss() {
	if c != nil {
		c.cacheMisses.Inc()
	}
}

// RotationSweep records one sweep and its per-key outcome.
func (c *Collector) RotationSweep(rotated, failed int) {
	if c == nil {
		return
	}
	result := ResultSuccess
	if failed > 0 {
		result = ResultFailure
	}
	c.rotationSweeps.WithLabelValues(result).Inc()
	c.rotatedKeys.WithLabelValues(ResultSuccess).Add(float64(rotated))
	c.rotatedKeys.WithLabelValues(ResultFailure).Add(float64(failed))
}

func (c *Collector) SecurityEvent(eventType string) {
	if c != nil {
		c.securityEvents.WithLabelValues(eventType).Inc()
	}
}

func (c *Collector) AuditWriteError() {
	if c != nil {
		c.auditWriteErrors.Inc()
	}
}

// SetKeysByStatus replaces the key gauges with the latest counts.
func (c *Collector) SetKeysByStatus(counts map[string]int64) {
	if c == nil {
		return
	}
	for status, n := range counts {
		c.keysByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetActiveAlerts replaces the alert gauges with the latest counts.
func (c *Collector) SetActiveAlerts(bySeverity map[string]int) {
	if c == nil {
		return
	}
	c.activeAlerts.Reset()
	for severity, n := range bySeverity {
		c.activeAlerts.WithLabelValues(severity).Set(float64(n))
	}
}

// JobRun counts one run of a scheduled job.
func (c *Collector) JobRun(job string, err error) {
	if c == nil {
		return
	}
	c.jobRuns.WithLabelValues(job, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
