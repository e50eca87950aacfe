package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcreg",
			Name:      "requests_total",
			Help:      "Total number of registry API requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svcreg",
			Name:      "request_duration_seconds",
			Help:      "Latency of registry API requests.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcreg",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight registry API requests.",
		},
		[]string{"op"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcreg",
			Name:      "heartbeats_total",
			Help:      "Session renewals by result (ok, transient, gone).",
		},
		[]string{"result"},
	)

	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcreg",
			Name:      "feed_polls_total",
			Help:      "Event feed polls by result (ok, error).",
		},
		[]string{"result"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcreg",
			Name:      "feed_notifications_total",
			Help:      "Notifications dispatched by the feed poller, by notification type.",
		},
		[]string{"type"},
	)

	RegistrationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcreg",
			Name:      "registration_attempts_total",
			Help:      "Service registration attempts by result (ok, conflict, error).",
		},
		[]string{"result"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcreg",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "svcreg",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight,
		HeartbeatsTotal, PollsTotal, NotificationsTotal, RegistrationAttempts,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Client request instrumentation ----

// TrackRequest records an outbound request under the provided "op" label.
// Call the returned func with the response status, or 0 when the request
// never got a response.
//
//	done := telemetry.TrackRequest("sessions.heartbeat")
//	resp, err := client.Do(req)
//	done(status)
func TrackRequest(op string) func(status int) {
	start := time.Now()
	InFlight.WithLabelValues(op).Inc()

	return func(status int) {
		InFlight.WithLabelValues(op).Dec()
		RequestsTotal.WithLabelValues(op, statusClass(status)).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
