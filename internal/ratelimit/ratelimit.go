// Package ratelimit provides the token-bucket and semaphore primitives
// shared by the handshake path (per-peer connection-attempt rate limiting)
// and the ingress listeners (bounded concurrent connection counts).
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// HandshakeLimiter rate-limits handshake attempts per peer address, so a
// client hammering a wrong token can be answered with
// HandshakeAck{RateLimited} instead of consuming a full session slot.
type HandshakeLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHandshakeLimiter returns a limiter allowing burst handshake attempts
// immediately and ratePerSecond thereafter, tracked per peer key (normally
// the remote IP).
func NewHandshakeLimiter(ratePerSecond float64, burst int) *HandshakeLimiter {
	return &HandshakeLimiter{
		rps:      rate.Limit(ratePerSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a handshake attempt from peer is permitted right
// now, consuming a token if so.
func (h *HandshakeLimiter) Allow(peer string) bool {
	h.mu.Lock()
	l, ok := h.limiters[peer]
	if !ok {
		l = rate.NewLimiter(h.rps, h.burst)
		h.limiters[peer] = l
	}
	h.mu.Unlock()
	return l.Allow()
}

// ConnectionLimiter bounds the number of concurrent connections a listener
// will service, matching the HTTP/TCP ingress's global semaphore
// (default 10 000 / 1 000 respectively).
type ConnectionLimiter struct {
	sem *semaphore.Weighted
}

// NewConnectionLimiter returns a limiter permitting up to max concurrent
// holders.
func NewConnectionLimiter(max int64) *ConnectionLimiter {
	return &ConnectionLimiter{sem: semaphore.NewWeighted(max)}
}

// Acquire blocks until a slot is free or ctx is done.
func (c *ConnectionLimiter) Acquire(ctx context.Context) error {
	return c.sem.Acquire(ctx, 1)
}

// TryAcquire attempts to take a slot without blocking.
func (c *ConnectionLimiter) TryAcquire() bool {
	return c.sem.TryAcquire(1)
}

// Release returns a slot taken by Acquire or a successful TryAcquire.
func (c *ConnectionLimiter) Release() {
	c.sem.Release(1)
}
