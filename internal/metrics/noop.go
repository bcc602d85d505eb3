package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened(protocol string) {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed(protocol string) {}

// TLSConnectionEstablished is a no-op.
func (n *NoopCollector) TLSConnectionEstablished(protocol string) {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(protocol, authDomain string, success bool) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(protocol, command string) {}

// MessageDelivered is a no-op.
func (n *NoopCollector) MessageDelivered(recipientDomain string, sizeBytes int64) {}

// DeliveryFailed is a no-op.
func (n *NoopCollector) DeliveryFailed(recipientDomain string) {}

// MessageRetrieved is a no-op.
func (n *NoopCollector) MessageRetrieved(protocol, userDomain string, sizeBytes int64) {}

// MessageDeleted is a no-op.
func (n *NoopCollector) MessageDeleted(protocol, userDomain string) {}
