package notification

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "openhab_cloud"
	metricsSubsystem = "notification"
)

var (
	notificationsPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "persisted_total",
		Help:      "Notifications accepted and written to the directory",
	})
	payloadsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "payloads_rejected_total",
		Help:      "Notification payloads rejected for exceeding the size limit",
	})
	pushesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "pushes_sent_total",
		Help:      "Push deliveries accepted by the provider",
	})
	pushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "push_failures_total",
		Help:      "Push deliveries rejected by the provider",
	})
)

func init() {
	prometheus.MustRegister(
		notificationsPersisted,
		payloadsRejected,
		pushesSent,
		pushFailures,
	)
}
