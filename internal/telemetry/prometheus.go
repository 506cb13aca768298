package telemetry

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chatbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	subscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chatbridge",
			Subsystem: "transport",
			Name:      "subscribers",
			Help:      "Open subscriber connections.",
		},
		[]string{"transport"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames moved over subscriber connections.",
		},
		[]string{"transport", "direction", "type"},
	)
	droppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "transport",
			Name:      "dropped_events_total",
			Help:      "Events a subscriber missed because its queue was full.",
		},
		[]string{"transport"},
	)
)

// RegisterMetrics registers the collectors with the default registry once
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, subscribers, frames, droppedEvents)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func SubscriberOpened(transport string) {
	RegisterMetrics()
	subscribers.WithLabelValues(transport).Inc()
}

func SubscriberClosed(transport string) {
	RegisterMetrics()
	subscribers.WithLabelValues(transport).Dec()
}

// RecordFrame counts one frame; direction is "in" or "out".
func RecordFrame(transport, direction, frameType string) {
	RegisterMetrics()
	frames.WithLabelValues(transport, direction, frameType).Inc()
}

func RecordDroppedEvent(transport string) {
	RegisterMetrics()
	droppedEvents.WithLabelValues(transport).Inc()
}
