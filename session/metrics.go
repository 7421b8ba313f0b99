package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "openhab_cloud"
	metricsSubsystem = "tunnel"
)

var (
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "sessions_active",
		Help:      "Number of tunnel sessions in READY state on this node",
	})
	sessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "sessions_closed_total",
		Help:      "Closed tunnel sessions by reason",
	}, []string{"reason"})
	handshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "handshake_failures_total",
		Help:      "Rejected tunnel handshakes by cause",
	}, []string{"cause"})
	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "frames_received_total",
		Help:      "Frames received from sites by type",
	}, []string{"type"})
	framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "frames_dropped_total",
		Help:      "Frames dropped without processing by cause",
	}, []string{"cause"})
	takeovers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "takeovers_total",
		Help:      "Sessions terminated because their connection lock changed owner",
	})
	requestsTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "requests_timed_out_total",
		Help:      "In-flight requests failed by the stale sweeper",
	})
	notificationsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "notifications_received_total",
		Help:      "Notification frames received from sites",
	})
)

func init() {
	prometheus.MustRegister(
		sessionsActive,
		sessionsClosed,
		handshakeFailures,
		framesReceived,
		framesDropped,
		takeovers,
		requestsTimedOut,
		notificationsReceived,
	)
}
