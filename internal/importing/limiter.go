package importing

// limiter.go implements the counting semaphore that bounds how many batch
// chunks of one import execute at the same time.
//
// Each BatchProcessor owns one limiter. When every slot is taken, chunk
// goroutines block in Acquire until a slot frees up or their context ends.
// The limiter tracks the highest concurrency it has observed so tests and
// metrics can assert the bound held.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLimiterTimeout is returned when a slot could not be acquired within maxWait.
var ErrLimiterTimeout = errors.New("timed out waiting for a batch slot")

// DefaultMaxConcurrentBatches is the default number of chunks running at once.
const DefaultMaxConcurrentBatches = 10

// BatchLimiter controls concurrent chunk execution using a semaphore pattern.
type BatchLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu          sync.RWMutex
	active      int
	maxObserved int
}

// NewBatchLimiter creates a limiter that allows at most maxConcurrent chunks.
// A zero maxWait waits until the caller's context ends.
func NewBatchLimiter(maxConcurrent int, maxWait time.Duration) *BatchLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentBatches
	}

	return &BatchLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire blocks until a slot is free.
// The caller MUST call Release() when the chunk completes (use defer).
func (l *BatchLimiter) Acquire(ctx context.Context) error {
	waitCtx := ctx
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}

	select {
	case l.semaphore <- struct{}{}:
		l.enter()
		return nil

	case <-waitCtx.Done():
		// Check if original context was cancelled vs timeout
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLimiterTimeout
	}
}

// TryAcquire attempts to acquire a slot without blocking.
func (l *BatchLimiter) TryAcquire() bool {
	select {
	case l.semaphore <- struct{}{}:
		l.enter()
		return true
	default:
		return false
	}
}

func (l *BatchLimiter) enter() {
	l.mu.Lock()
	l.active++
	if l.active > l.maxObserved {
		l.maxObserved = l.active
	}
	l.mu.Unlock()
	getMetrics().batchInflight.Inc()
}

// Release releases a previously acquired slot.
// Must be called exactly once for each successful Acquire/TryAcquire.
func (l *BatchLimiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
	getMetrics().batchInflight.Dec()

	<-l.semaphore
}

// ActiveCount returns the number of chunks currently holding a slot.
func (l *BatchLimiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// MaxObserved returns the highest number of simultaneously held slots.
func (l *BatchLimiter) MaxObserved() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxObserved
}

// MaxConcurrent returns the number of permits.
func (l *BatchLimiter) MaxConcurrent() int {
	return cap(l.semaphore)
}

// Available returns the number of free slots.
func (l *BatchLimiter) Available() int {
	return cap(l.semaphore) - len(l.semaphore)
}

// WaitForDrain blocks until no slot is held or ctx is cancelled.
func (l *BatchLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LimiterStatus is a snapshot of a limiter.
type LimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
	MaxObserved   int `json:"max_observed"`
}

// Status returns the current limiter state for monitoring.
func (l *BatchLimiter) Status() LimiterStatus {
	l.mu.RLock()
	active, observed := l.active, l.maxObserved
	l.mu.RUnlock()

	return LimiterStatus{
		Active:        active,
		Available:     cap(l.semaphore) - len(l.semaphore),
		MaxConcurrent: cap(l.semaphore),
		MaxObserved:   observed,
	}
}
