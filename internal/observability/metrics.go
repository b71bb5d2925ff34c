package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danmuck/convergectl/internal/resource"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convergectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"host", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "convergectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"host", "method", "path", "status"},
	)
	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convergectl",
			Subsystem: "run",
			Name:      "total",
			Help:      "Convergence runs by result.",
		},
		[]string{"host", "result", "dry_run"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "convergectl",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Convergence run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"host"},
	)
	lastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "convergectl",
			Subsystem: "run",
			Name:      "last_finished_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		},
		[]string{"host"},
	)
	resourceActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convergectl",
			Subsystem: "resource",
			Name:      "actions_total",
			Help:      "Resource actions by kind and outcome.",
		},
		[]string{"kind", "action", "outcome"},
	)
	resourceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "convergectl",
			Subsystem: "resource",
			Name:      "action_duration_seconds",
			Help:      "Resource action duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convergectl",
			Subsystem: "resource",
			Name:      "notifications_total",
			Help:      "Notifications fired by timing.",
		},
		[]string{"timing"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			runs, runDuration, lastRun,
			resourceActions, resourceDuration, notifications,
		)
	})
}

func RecordHTTPRequest(host, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(host, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(host, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRun counts a finished run.
func RecordRun(r resource.Report) {
	RegisterMetrics()
	result := "ok"
	if !r.Succeeded() {
		result = "failed"
	}
	runs.WithLabelValues(r.Host, result, strconv.FormatBool(r.DryRun)).Inc()
	runDuration.WithLabelValues(r.Host).Observe(r.Finished.Sub(r.Started).Seconds())
	lastRun.WithLabelValues(r.Host).Set(float64(r.Finished.Unix()))
}

// Convergence feeds engine callbacks into the resource metrics.
type Convergence struct{}

var _ resource.Observer = Convergence{}

func (Convergence) ResourceConverged(kind string, action resource.Action, outcome resource.Outcome, elapsed time.Duration) {
	RegisterMetrics()
	resourceActions.WithLabelValues(kind, string(action), string(outcome)).Inc()
	resourceDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (Convergence) NotificationFired(timing resource.Timing) {
	RegisterMetrics()
	notifications.WithLabelValues(string(timing)).Inc()
}
