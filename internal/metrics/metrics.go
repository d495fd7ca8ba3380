// Package metrics registers the prometheus collectors exposed on the admin
// listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the process collectors on a dedicated registry.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	RequestsTotal       *prometheus.CounterVec
	PushesDelivered     prometheus.Counter
	PushesFailed        prometheus.Counter
	MessagesStored      prometheus.Counter
	BytesUploaded       prometheus.Counter
}

// New creates the registry and all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_accepted_total",
			Help: "TCP connections accepted since start.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Currently open client connections.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Requests processed, by request type.",
		}, []string{"type"}),
		PushesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_pushes_delivered_total",
			Help: "Server-initiated frames delivered to live sessions.",
		}),
		PushesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_pushes_failed_total",
			Help: "Server-initiated frames that failed to deliver.",
		}),
		MessagesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_stored_total",
			Help: "Messages committed to the store.",
		}),
		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_upload_bytes_total",
			Help: "Raw media bytes received across upload chunks.",
		}),
	}
}
