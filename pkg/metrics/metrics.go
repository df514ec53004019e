package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)
)

// Command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_command_duration_seconds",
			Help:    "Duration of protocol commands in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"protocol", "command"},
	)
)

// Delivery metrics
var (
	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_messages_delivered_total",
			Help: "Total number of messages accepted for delivery",
		},
		[]string{"status"},
	)

	DeliveryRecipients = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_delivery_recipients",
			Help:    "Number of recipients per delivered message",
			Buckets: []float64{1, 2, 5, 10, 20, 30},
		},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_delivery_duration_seconds",
			Help:    "Duration of store deliveries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_message_size_bytes",
			Help:    "Size of accepted messages in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
)
