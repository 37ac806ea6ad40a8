package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bluesync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bluesync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	linkChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bluesync",
			Subsystem: "link",
			Name:      "chunks_total",
			Help:      "Transport chunks by direction.",
		},
		[]string{"direction"},
	)
	linkBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bluesync",
			Subsystem: "link",
			Name:      "bytes_total",
			Help:      "Transport bytes by direction.",
		},
		[]string{"direction"},
	)
	writeAborts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bluesync",
			Subsystem: "link",
			Name:      "write_aborts_total",
			Help:      "Outbound writes abandoned after a timeout or transport error.",
		},
		[]string{"reason"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bluesync",
			Subsystem: "frame",
			Name:      "errors_total",
			Help:      "Inbound frames rejected by kind.",
		},
		[]string{"kind"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bluesync",
			Subsystem: "handshake",
			Name:      "total",
			Help:      "Completed handshakes by role and result.",
		},
		[]string{"role", "result"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bluesync",
			Subsystem: "handshake",
			Name:      "duration_seconds",
			Help:      "Time from link open to READY.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
		},
		[]string{"role"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bluesync",
			Subsystem: "request",
			Name:      "total",
			Help:      "Correlated requests by outcome.",
		},
		[]string{"command", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bluesync",
			Subsystem: "request",
			Name:      "duration_seconds",
			Help:      "Request round trip in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command", "outcome"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bluesync",
			Subsystem: "request",
			Name:      "pending",
			Help:      "Requests awaiting a response.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			linkChunks, linkBytes, writeAborts,
			frameErrors,
			handshakes, handshakeDuration,
			requests, requestDuration, pendingRequests,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordChunk(direction string, n int) {
	RegisterMetrics()
	linkChunks.WithLabelValues(direction).Inc()
	linkBytes.WithLabelValues(direction).Add(float64(n))
}

func RecordWriteAbort(timeout bool) {
	RegisterMetrics()
	reason := "error"
	if timeout {
		reason = "timeout"
	}
	writeAborts.WithLabelValues(reason).Inc()
}

func RecordFrameError(kind string) {
	RegisterMetrics()
	frameErrors.WithLabelValues(kind).Inc()
}

func RecordHandshake(role string, success bool, duration time.Duration) {
	RegisterMetrics()
	result := "failure"
	if success {
		result = "success"
		handshakeDuration.WithLabelValues(role).Observe(duration.Seconds())
	}
	handshakes.WithLabelValues(role, result).Inc()
}

func RecordRequest(command, outcome string, duration time.Duration) {
	RegisterMetrics()
	requests.WithLabelValues(command, outcome).Inc()
	requestDuration.WithLabelValues(command, outcome).Observe(duration.Seconds())
}

func AddPendingRequests(delta int) {
	RegisterMetrics()
	pendingRequests.Add(float64(delta))
}
