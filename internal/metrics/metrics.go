// Package metrics provides interfaces and implementations for collecting
// mail server metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Protocol label values used by collectors.
const (
	ProtocolSMTP = "smtp"
	ProtocolIMAP = "imap"
	ProtocolPOP3 = "pop3"
)

// Collector defines the interface for recording mail server metrics.
// The protocol label is one of the Protocol* constants.
type Collector interface {
	// Connection metrics
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	TLSConnectionEstablished(protocol string)

	// Authentication metrics (authenticated user's domain)
	AuthAttempt(protocol, authDomain string, success bool)

	// Command metrics
	CommandProcessed(protocol, command string)

	// Delivery metrics (recipient's domain)
	MessageDelivered(recipientDomain string, sizeBytes int64)
	DeliveryFailed(recipientDomain string)

	// Message retrieval metrics
	MessageRetrieved(protocol, userDomain string, sizeBytes int64)
	MessageDeleted(protocol, userDomain string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
