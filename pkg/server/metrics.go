package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the server's Prometheus collectors. Every Metrics owns
// its registry so multiple servers can coexist in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	broadcastsSent   prometheus.Counter
	activeClients    prometheus.Gauge
	activeChannels   prometheus.Gauge
	poolQueueDepth   prometheus.Gauge
}

// NewMetrics creates the collector set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_messages_received_total",
			Help: "Requests received, by packet kind",
		}, []string{"type"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_messages_sent_total",
			Help: "Responses and notifications sent, by packet kind",
		}, []string{"type"}),
		broadcastsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_broadcast_packets_total",
			Help: "Packets fanned out to channel members",
		}),
		activeClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_clients",
			Help: "Currently registered clients across both transports",
		}),
		activeChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_channels",
			Help: "Currently registered channels",
		}),
		poolQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_pool_queue_depth",
			Help: "Tasks waiting in the shared worker pool",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this collector set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordMessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMessageSent(kind string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordBroadcast(packets int) {
	if m == nil {
		return
	}
	m.broadcastsSent.Add(float64(packets))
}

func (m *Metrics) RecordActiveClients(n int) {
	if m == nil {
		return
	}
	m.activeClients.Set(float64(n))
}

func (m *Metrics) RecordActiveChannels(n int) {
	if m == nil {
		return
	}
	m.activeChannels.Set(float64(n))
}

func (m *Metrics) RecordPoolQueueDepth(n int) {
	if m == nil {
		return
	}
	m.poolQueueDepth.Set(float64(n))
}
