package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	chatMessagesSentTotal *prometheus.CounterVec
	chatSessionsActive    prometheus.Gauge
	chatFeedEventsTotal   *prometheus.CounterVec

	notificationsPublishedTotal *prometheus.CounterVec
	notificationFanoutTotal     *prometheus.CounterVec
	sseClientsActive            prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		chatMessagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages persisted, by message type.",
		}, []string{"message_type"})

		chatSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Websocket chat sessions currently attached.",
		})

		chatFeedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_feed_events_total",
			Help: "Messages offered to bound feeds, by source and outcome.",
		}, []string{"source", "outcome"})

		notificationsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Notifications pushed to stream subscribers, by type.",
		}, []string{"type"})

		notificationFanoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_fanout_total",
			Help: "Per-recipient notification fan-out results.",
		}, []string{"result"})

		sseClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sse_clients_active",
			Help: "Open notification event streams.",
		})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			chatMessagesSentTotal,
			chatSessionsActive,
			chatFeedEventsTotal,
			notificationsPublishedTotal,
			notificationFanoutTotal,
			sseClientsActive,
		)
	})
}

// APIRequests exposes the request counter.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the request latency histogram.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the error response counter.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

func ChatMessagesSentTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSentTotal
}

func ChatSessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatSessionsActive
}

// ChatFeedEvents counts feed merges; outcome is one of added, duplicate, stale, error.
func ChatFeedEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return chatFeedEventsTotal
}

func NotificationsPublishedTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsPublishedTotal
}

// NotificationFanout counts fan-out results: delivered, retried, failed.
func NotificationFanout() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationFanoutTotal
}

func SSEClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return sseClientsActive
}
