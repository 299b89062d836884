package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector with Prometheus metrics.
type PrometheusCollector struct {
	stageDuration    *prometheus.HistogramVec
	linksCreated     prometheus.Counter
	watchersArmed    *prometheus.CounterVec
	teardownDuration *prometheus.HistogramVec
	dbDuration       *prometheus.HistogramVec
	unlockRetries    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a collector with its own registry.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "stagehand"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of staging operations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	pc.linksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_links_created_total",
			Help:      "Total number of directory links created while staging",
		},
	)

	pc.watchersArmed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchers_armed_total",
			Help:      "Total number of cleanup watchers spawned",
		},
		[]string{"kind", "status"},
	)

	pc.teardownDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "teardown_duration_seconds",
			Help:      "Duration of resource teardown",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "status"},
	)

	pc.dbDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "database_operation_duration_seconds",
			Help:      "Duration of database create and delete operations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"engine", "operation", "status"},
	)

	pc.unlockRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_retries_total",
			Help:      "Total number of busy resources unlocked and retried",
		},
		[]string{"resource"},
	)

	pc.registry.MustRegister(
		pc.stageDuration,
		pc.linksCreated,
		pc.watchersArmed,
		pc.teardownDuration,
		pc.dbDuration,
		pc.unlockRetries,
	)

	return pc
}

func (pc *PrometheusCollector) StageCompleted(duration time.Duration, links int, err error) {
	pc.stageDuration.WithLabelValues(status(err)).Observe(duration.Seconds())
	pc.linksCreated.Add(float64(links))
}

func (pc *PrometheusCollector) WatcherArmed(kind string, err error) {
	pc.watchersArmed.WithLabelValues(kind, status(err)).Inc()
}

func (pc *PrometheusCollector) TeardownCompleted(kind string, duration time.Duration, err error) {
	pc.teardownDuration.WithLabelValues(kind, status(err)).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) DatabaseOperation(engine, op string, duration time.Duration, err error) {
	pc.dbDuration.WithLabelValues(engine, op, status(err)).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) UnlockRetried(resource string) {
	pc.unlockRetries.WithLabelValues(resource).Inc()
}

// Registry returns the registry holding the collector's metrics.
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// WriteTextfile writes the current metrics in the text exposition format,
// for pickup by a node exporter textfile collector. Short-lived commands use
// this instead of serving an endpoint.
func (pc *PrometheusCollector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, pc.registry)
}
