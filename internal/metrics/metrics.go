// Package metrics exposes Prometheus collectors for the node service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Statuses is the fixed set of values the node status gauge is labeled with.
var Statuses = []string{"UNKNOWN", "IDLE", "BUSY", "ERROR"}

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	nodeStatus                 *prometheus.GaugeVec
	admissionWaitSeconds       *prometheus.HistogramVec
	admissionRejectionsTotal   *prometheus.CounterVec
	deviceConnectsTotal        *prometheus.CounterVec
	archiveUploadsTotal        *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors against the default
// registry. It is safe to call this function multiple times; the Observe
// helpers call it lazily.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.05, 0.25, 1, 5, 30, 120, 600, 1800},
			},
			[]string{"method", "route"},
		)

		nodeStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "labnode_status",
				Help: "Current node status; the active status is 1, all others 0.",
			},
			[]string{"node", "status"},
		)

		admissionWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "labnode_admission_wait_seconds",
				Help:    "Time an action waited for the execution slot.",
				Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 15, 60, 300},
			},
			[]string{"node"},
		)

		admissionRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labnode_admission_rejections_total",
				Help: "Actions rejected before admission, labeled by reason.",
			},
			[]string{"node", "reason"},
		)

		deviceConnectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labnode_device_connects_total",
				Help: "Device connect attempts, labeled by outcome.",
			},
			[]string{"node", "outcome"},
		)

		archiveUploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labnode_archive_uploads_total",
				Help: "Artifact archive uploads, labeled by artifact kind and outcome.",
			},
			[]string{"node", "kind", "outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetStatus marks status as the node's active status.
func SetStatus(node, status string) {
	Init()
	for _, s := range Statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		nodeStatus.WithLabelValues(node, s).Set(v)
	}
}

// ObserveAdmissionWait records how long an action waited for the slot.
func ObserveAdmissionWait(node string, d time.Duration) {
	Init()
	admissionWaitSeconds.WithLabelValues(node).Observe(d.Seconds())
}

// ObserveRejection counts an action rejected before admission.
func ObserveRejection(node, reason string) {
	Init()
	admissionRejectionsTotal.WithLabelValues(node, reason).Inc()
}

// ObserveConnect counts a device connect attempt.
func ObserveConnect(node string, ok bool) {
	Init()
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	deviceConnectsTotal.WithLabelValues(node, outcome).Inc()
}

// ObserveArchive counts an artifact archive upload.
func ObserveArchive(node, kind string, ok bool) {
	Init()
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	archiveUploadsTotal.WithLabelValues(node, kind, outcome).Inc()
}
