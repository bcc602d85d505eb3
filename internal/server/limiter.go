package server

// ConnectionLimiter caps the number of concurrent connections across the
// listeners that share it. Implemented as a buffered-channel semaphore so
// the capacity check and the acquire are a single operation.
type ConnectionLimiter struct {
	slots chan struct{}
}

// NewConnectionLimiter creates a limiter allowing up to max concurrent
// connections. A max of zero admits nothing.
func NewConnectionLimiter(max int) *ConnectionLimiter {
	return &ConnectionLimiter{slots: make(chan struct{}, max)}
}

// TryAcquire claims a connection slot without blocking.
// Returns false when the limiter is at capacity.
func (l *ConnectionLimiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a previously acquired slot.
func (l *ConnectionLimiter) Release() {
	select {
	case <-l.slots:
	default:
	}
}

// Current reports how many slots are held.
func (l *ConnectionLimiter) Current() int64 {
	return int64(len(l.slots))
}
