package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "openhab_cloud"
	metricsSubsystem = "proxy"
)

var (
	concurrentRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "concurrent_requests",
		Help:      "Client requests currently in flight over tunnels on this node",
	})
	requestsForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "requests_forwarded_total",
		Help:      "Client requests forwarded over a tunnel",
	})
	requestsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "requests_cancelled_total",
		Help:      "Requests cancelled because the client disconnected",
	})
	responseByStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "responses_total",
		Help:      "Responses relayed from sites by status class",
	}, []string{"status"})
	peerForwards = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "peer_forwards_total",
		Help:      "Requests proxied to the peer node owning the site's tunnel",
	})
	websocketsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "websockets_opened_total",
		Help:      "WebSocket upgrade requests forwarded over tunnels",
	})
	websocketsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "websockets_closed_total",
		Help:      "Tunneled WebSockets torn down",
	})
)

func init() {
	prometheus.MustRegister(
		concurrentRequests,
		requestsForwarded,
		requestsCancelled,
		responseByStatus,
		peerForwards,
		websocketsOpened,
		websocketsClosed,
	)
}
