package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal   *prometheus.CounterVec
	connectionsActive  *prometheus.GaugeVec
	tlsConnectionTotal *prometheus.CounterVec

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Delivery metrics
	messagesDeliveredTotal *prometheus.CounterVec
	deliveriesFailedTotal  *prometheus.CounterVec

	// Message metrics
	messagesRetrievedTotal *prometheus.CounterVec
	messagesDeletedTotal   *prometheus.CounterVec
	messagesSizeBytes      prometheus.Histogram
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frimerki_connections_total",
			Help: "Total number of connections opened.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "frimerki_connections_active",
			Help: "Number of currently active connections.",
		}, []string{"protocol"}),
		tlsConnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frimerki_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}, []string{"protocol"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frimerki_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"protocol", "domain", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frimerki_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"protocol", "command"}),

		messagesDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frimerki_messages_delivered_total",
			Help: "Total number of messages delivered to local mailboxes.",
		}, []string{"domain"}),
		deliveriesFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frimerki_deliveries_failed_total",
			Help: "Total number of failed local deliveries.",
		}, []string{"domain"}),

		messagesRetrievedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frimerki_messages_retrieved_total",
			Help: "Total number of messages retrieved.",
		}, []string{"protocol", "user_domain"}),
		messagesDeletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frimerki_messages_deleted_total",
			Help: "Total number of messages marked for deletion.",
		}, []string{"protocol", "user_domain"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "frimerki_messages_size_bytes",
			Help:    "Size of retrieved and delivered messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),
	}

	// Register all metrics
	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.messagesDeliveredTotal,
		c.deliveriesFailedTotal,
		c.messagesRetrievedTotal,
		c.messagesDeletedTotal,
		c.messagesSizeBytes,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished(protocol string) {
	c.tlsConnectionTotal.WithLabelValues(protocol).Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(protocol, authDomain string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(protocol, authDomain, result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(protocol, command string) {
	c.commandsTotal.WithLabelValues(protocol, command).Inc()
}

// MessageDelivered increments the delivery counter and observes message size.
func (c *PrometheusCollector) MessageDelivered(recipientDomain string, sizeBytes int64) {
	c.messagesDeliveredTotal.WithLabelValues(recipientDomain).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// DeliveryFailed increments the failed delivery counter.
func (c *PrometheusCollector) DeliveryFailed(recipientDomain string) {
	c.deliveriesFailedTotal.WithLabelValues(recipientDomain).Inc()
}

// MessageRetrieved increments the message retrieved counter and observes message size.
func (c *PrometheusCollector) MessageRetrieved(protocol, userDomain string, sizeBytes int64) {
	c.messagesRetrievedTotal.WithLabelValues(protocol, userDomain).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageDeleted increments the message deleted counter.
func (c *PrometheusCollector) MessageDeleted(protocol, userDomain string) {
	c.messagesDeletedTotal.WithLabelValues(protocol, userDomain).Inc()
}
