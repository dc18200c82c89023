package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	controlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "machinectl",
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Total control requests by action and result code.",
		},
		[]string{"action", "code"},
	)
	controlDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "machinectl",
			Subsystem: "control",
			Name:      "request_duration_seconds",
			Help:      "Control request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action", "code"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "machinectl",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "machinectl",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "machinectl",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of sessions tracked by the registry.",
		},
	)
	machineStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "machinectl",
			Subsystem: "sessions",
			Name:      "machine_stops_total",
			Help:      "Machine stop calls issued by the shutdown drain.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(controlRequests, controlDuration, httpRequests, httpDuration, activeSessions, machineStops)
	})
}

func RecordControlRequest(action, code string, duration time.Duration) {
	RegisterMetrics()
	controlRequests.WithLabelValues(action, code).Inc()
	controlDuration.WithLabelValues(action, code).Observe(duration.Seconds())
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func SetActiveSessions(n int) {
	RegisterMetrics()
	activeSessions.Set(float64(n))
}

func RecordMachineStop(success bool) {
	RegisterMetrics()
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	machineStops.WithLabelValues(outcome).Inc()
}
