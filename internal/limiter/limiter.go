// Package limiter throttles outgoing web requests per service.
package limiter

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// guardPair is one service's throttle: a burst-1 rate guard whose permit
// returns delay after it was taken, and a connection guard capping in-flight
// requests.
type guardPair struct {
	rate        *rate.Limiter
	connections *semaphore.Weighted
}

// Limiter hands out request slots per service host. Unknown hosts share a
// default guard pair. A zero delay disables throttling entirely.
type Limiter struct {
	delay    time.Duration
	services map[string]*guardPair
	fallback *guardPair
}

func New(delay time.Duration, maxConnections int, services ...string) *Limiter {
	l := &Limiter{
		delay:    delay,
		services: make(map[string]*guardPair, len(services)),
	}
	if delay <= 0 {
		return l
	}
	for _, s := range services {
		l.services[s] = newGuardPair(delay, maxConnections)
	}
	l.fallback = newGuardPair(delay, maxConnections)
	return l
}

func newGuardPair(delay time.Duration, maxConnections int) *guardPair {
	return &guardPair{
		rate:        rate.NewLimiter(rate.Every(delay), 1),
		connections: semaphore.NewWeighted(int64(maxConnections)),
	}
}

var noop = func() {}

// Acquire takes the connection guard, then the rate guard, for the given
// service. The returned release function frees the connection slot and must
// be called when the request completes; the rate permit replenishes on its
// own after the configured delay.
func (l *Limiter) Acquire(ctx context.Context, service string) (release func(), err error) {
	if l.delay <= 0 {
		return noop, nil
	}

	pair, ok := l.services[service]
	if !ok {
		pair = l.fallback
	}

	if err := pair.connections.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("connections guard: %w", err)
	}
	if err := pair.rate.Wait(ctx); err != nil {
		pair.connections.Release(1)
		return nil, fmt.Errorf("rate guard: %w", err)
	}

	return func() { pair.connections.Release(1) }, nil
}
