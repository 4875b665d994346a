// Package ratelimit controls the rate of outbound operations against
// exchange APIs. It provides two complementary mechanisms with deliberately
// different blocking behavior.
//
// The first is a blocking Pacer built on Uber's token bucket. Callers Wait
// before dispatching a request and are smoothed out to the configured rate.
// It is used by the shared HTTP client and for websocket control frames,
// where briefly delaying an operation is preferable to dropping it.
//
// The second is the non-blocking WindowLimiter used by the failover
// coordinator. Each exchange gets an independent request quota; when a
// quota is exhausted the answer is an immediate false and the coordinator
// moves on to the next exchange in preference order. Requests are never
// queued behind an exhausted window, because a stale answer delivered late
// is worse for the caller than an answer from the next exchange.
//
// Key properties:
//
// 1. Token bucket pacing for smooth request dispatch
// 2. Per-exchange windows that fail fast instead of queueing
// 3. Injectable clock so tests can cross window boundaries instantly
// 4. Dynamic limit adjustment at runtime
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	uberratelimit "go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// Rate represents a rate limit configuration: Limit operations allowed per
// Interval. A limit of 100 with an interval of time.Minute means 100
// operations per minute.
type Rate struct {
	// Limit specifies the maximum number of operations allowed within the
	// interval.
	Limit int

	// Interval defines the time window over which the limit applies.
	Interval time.Duration
}

// PerSecond returns the rate expressed as operations per second.
func (r Rate) PerSecond() float64 {
	if r.Interval <= 0 {
		return 0
	}
	return float64(r.Limit) / r.Interval.Seconds()
}

// Pacer is the blocking rate limiter interface. Wait returns once the caller
// may proceed, pacing operations to the configured rate.
type Pacer interface {
	// Wait blocks until an operation is permitted or the context is
	// cancelled before the wait begins.
	Wait(ctx context.Context) error

	// SetLimit replaces the pacing configuration at runtime. Returns an
	// error for non-positive limits or intervals.
	SetLimit(limit Rate) error
}

// uberPacer implements Pacer using Uber's leaky-bucket rate limiter.
type uberPacer struct {
	mu      sync.Mutex
	limiter uberratelimit.Limiter
	rate    Rate
}

// NewPacer creates a blocking limiter that paces callers to the given rate.
//
// The rate is converted to operations per second for the underlying bucket:
// 120 operations per minute become 2 per second. Rates below one per second
// round down, so prefer expressing slow rates with a larger interval.
func NewPacer(r Rate) Pacer {
	return &uberPacer{
		limiter: uberratelimit.New(perSecond(r)),
		rate:    r,
	}
}

// Wait implements the Pacer interface. It returns immediately with the
// context error when ctx is already cancelled, otherwise it blocks until the
// bucket grants a slot.
func (p *uberPacer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
	default:
	}

	p.mu.Lock()
	limiter := p.limiter
	p.mu.Unlock()

	limiter.Take()
	return nil
}

// SetLimit implements the Pacer interface.
func (p *uberPacer) SetLimit(r Rate) error {
	if r.Limit <= 0 || r.Interval <= 0 {
		return fmt.Errorf("invalid rate limit: %+v", r)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiter = uberratelimit.New(perSecond(r))
	p.rate = r
	return nil
}

func perSecond(r Rate) int {
	rps := int(r.PerSecond())
	if rps < 1 {
		rps = 1
	}
	return rps
}

// WindowLimiter tracks an independent request quota per exchange. Allow is
// non-blocking: either the request fits the exchange's current window and a
// token is consumed, or the caller is told to look elsewhere.
type WindowLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	clk      clock.Clock
}

// NewWindowLimiter creates an empty limiter set. A nil clk uses the wall
// clock; tests inject a mock clock to cross window boundaries instantly.
func NewWindowLimiter(clk clock.Clock) *WindowLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &WindowLimiter{
		limiters: make(map[string]*rate.Limiter),
		clk:      clk,
	}
}

// Register configures the quota for one exchange: perSecond sustained
// requests with the given burst. Registering an exchange again replaces its
// quota and resets the window.
func (w *WindowLimiter) Register(exchange string, perSecond float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limiters[exchange] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Allow reports whether one request to the exchange fits its current window,
// consuming a token when it does. Exchanges without a registered quota are
// always allowed.
func (w *WindowLimiter) Allow(exchange string) bool {
	w.mu.RLock()
	limiter, ok := w.limiters[exchange]
	w.mu.RUnlock()

	if !ok {
		return true
	}
	return limiter.AllowN(w.clk.Now(), 1)
}
