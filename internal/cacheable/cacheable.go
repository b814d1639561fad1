// Package cacheable provides a lazily-resolved, single-flight memoized value
// with a bounded lifetime and failure fallback policies.
package cacheable

import (
	"context"
	"sync"
	"time"
)

// Fallback selects what Get returns when resolution fails.
type Fallback uint8

const (
	// FallbackDefaultForType discards any cached value and returns the zero
	// value.
	FallbackDefaultForType Fallback = iota
	// FallbackFailedNow returns the zero value but keeps the cached one.
	FallbackFailedNow
	// FallbackSuccessPreviously returns the last successfully resolved value,
	// if any.
	FallbackSuccessPreviously
)

// purgeGrace pads the purge timer past the lifetime so a fresh reader never
// races the purge.
const purgeGrace = 5 * time.Minute

// Cacheable memoizes a fallible resolver. Lifetime 0 means cache forever.
type Cacheable[T any] struct {
	resolve  func(context.Context) (T, error)
	lifetime time.Duration

	mu         sync.Mutex
	value      T
	resolvedAt time.Time
	hasValue   bool
	purge      *time.Timer
}

func New[T any](lifetime time.Duration, resolve func(context.Context) (T, error)) *Cacheable[T] {
	return &Cacheable[T]{resolve: resolve, lifetime: lifetime}
}

// Get returns the cached value if still fresh, otherwise resolves it.
// Concurrent calls perform at most one resolution; the mutex doubles as the
// initialisation guard, so late arrivals re-check freshness after the winner
// finishes.
func (c *Cacheable[T]) Get(ctx context.Context, fallback Fallback) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.freshLocked() {
		return c.value, true
	}

	value, err := c.resolve(ctx)
	if err == nil {
		c.value = value
		c.resolvedAt = time.Now()
		c.hasValue = true
		c.schedulePurgeLocked()
		return value, true
	}

	var zero T
	switch fallback {
	case FallbackSuccessPreviously:
		if c.hasValue {
			return c.value, false
		}
		return zero, false
	case FallbackFailedNow:
		return zero, false
	default: // FallbackDefaultForType
		c.resetLocked()
		return zero, false
	}
}

// Reset clears the cached value and cancels any pending purge.
func (c *Cacheable[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Cacheable[T]) freshLocked() bool {
	if !c.hasValue {
		return false
	}
	if c.lifetime == 0 {
		return true
	}
	return time.Since(c.resolvedAt) < c.lifetime
}

func (c *Cacheable[T]) resetLocked() {
	var zero T
	c.value = zero
	c.resolvedAt = time.Time{}
	c.hasValue = false
	if c.purge != nil {
		c.purge.Stop()
		c.purge = nil
	}
}

func (c *Cacheable[T]) schedulePurgeLocked() {
	if c.lifetime == 0 {
		return
	}
	if c.purge != nil {
		c.purge.Stop()
	}
	c.purge = time.AfterFunc(c.lifetime+purgeGrace, c.softReset)
}

// softReset drops the value only if it went stale; a refresh between
// scheduling and firing makes this a no-op.
func (c *Cacheable[T]) softReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.freshLocked() {
		c.resetLocked()
	}
}
