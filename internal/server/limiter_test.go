package server

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestConnectionLimiterCapacity(t *testing.T) {
	limiter := NewConnectionLimiter(2)

	if !limiter.TryAcquire() || !limiter.TryAcquire() {
		t.Fatal("acquires within capacity should succeed")
	}
	if limiter.TryAcquire() {
		t.Error("acquire beyond capacity should fail")
	}
	if got := limiter.Current(); got != 2 {
		t.Errorf("Current() = %d, want 2", got)
	}

	limiter.Release()
	if got := limiter.Current(); got != 1 {
		t.Errorf("Current() after release = %d, want 1", got)
	}
	if !limiter.TryAcquire() {
		t.Error("acquire after release should succeed")
	}
}

func TestConnectionLimiterZeroAdmitsNothing(t *testing.T) {
	limiter := NewConnectionLimiter(0)
	if limiter.TryAcquire() {
		t.Error("zero-capacity limiter should reject every acquire")
	}
}

func TestConnectionLimiterConcurrent(t *testing.T) {
	limiter := NewConnectionLimiter(50)

	var wg sync.WaitGroup
	var acquired atomic.Int64
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.TryAcquire() {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := acquired.Load(); got != 50 {
		t.Errorf("successful acquires = %d, want 50", got)
	}
	if got := limiter.Current(); got != 50 {
		t.Errorf("Current() = %d, want 50", got)
	}
}

func TestConnectionLimiterChurn(t *testing.T) {
	limiter := NewConnectionLimiter(8)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if limiter.TryAcquire() {
					limiter.Release()
				}
			}
		}()
	}
	wg.Wait()

	if got := limiter.Current(); got != 0 {
		t.Errorf("Current() after churn = %d, want 0", got)
	}
}
