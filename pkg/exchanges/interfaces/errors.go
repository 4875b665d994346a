package interfaces

import (
	"errors"
	"fmt"
	"strings"
)

// Common error variables returned by adapters and the aggregation layer
var (
	// ErrNotConnected is returned when an operation requires a live stream
	// connection that does not exist or has been torn down
	ErrNotConnected = errors.New("not connected to real-time data")

	// ErrInvalidSymbol is returned when a symbol is not in canonical
	// BASE/QUOTE form
	ErrInvalidSymbol = errors.New("invalid trading pair symbol")

	// ErrInvalidInterval is returned when an unsupported candle interval is
	// requested
	ErrInvalidInterval = errors.New("invalid candle interval")

	// ErrInvalidCandle is returned for bars violating the OHLC shape
	// invariant (low <= open,close <= high)
	ErrInvalidCandle = errors.New("invalid candle data")

	// ErrRateLimitExceeded is returned when an exchange's request window is
	// exhausted; the request is skipped, never queued
	ErrRateLimitExceeded = errors.New("exchange rate limit exceeded")

	// ErrNoStreamSupport is returned when an exchange offers no websocket
	// stream for the requested channel
	ErrNoStreamSupport = errors.New("exchange does not stream this channel")

	// ErrSubscriptionNotFound is returned when unsubscribing a handle the
	// registry no longer tracks
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// TransportError reports a socket or HTTP-level failure talking to one
// exchange. It marks the exchange as a failover candidate: the coordinator
// moves on to the next exchange in preference order rather than retrying the
// same one within a resolution attempt.
type TransportError struct {
	Exchange string
	Op       string
	Err      error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Exchange, e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps a transport-level failure for one exchange operation
func NewTransportError(exchange, op string, err error) error {
	return &TransportError{Exchange: exchange, Op: op, Err: err}
}

// ParseError reports a payload that arrived but could not be decoded into
// the canonical model. On a stream the offending message is dropped and the
// connection stays open; over REST the response counts as a failed attempt.
type ParseError struct {
	Exchange string
	Reason   string
	Err      error
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Exchange, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Exchange, e.Reason)
}

// Unwrap returns the underlying error
func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError wraps a malformed-payload failure for one exchange
func NewParseError(exchange, reason string, err error) error {
	return &ParseError{Exchange: exchange, Reason: reason, Err: err}
}

// ExchangeAttempt records one failed exchange within a resolution attempt.
type ExchangeAttempt struct {
	Exchange string
	Err      error
}

// AllExchangesFailedError is returned when every configured exchange failed
// to resolve a symbol. It names each attempted exchange and its cause so the
// absence of real data stays observable; the aggregation layer never
// substitutes synthetic values instead.
type AllExchangesFailedError struct {
	Symbol   Symbol
	Attempts []ExchangeAttempt
}

// Error implements the error interface
func (e *AllExchangesFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Exchange, a.Err))
	}
	return fmt.Sprintf("all exchanges failed for %s (%s)", e.Symbol, strings.Join(parts, "; "))
}

// Exchanges returns the names of every exchange attempted, in attempt order.
func (e *AllExchangesFailedError) Exchanges() []string {
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, a.Exchange)
	}
	return names
}

// Unwrap exposes each attempt's cause, so errors.Is can answer questions
// like "was any exchange merely rate limited" against the combined failure.
func (e *AllExchangesFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// CallbackError records a panic recovered from a subscriber callback. It is
// logged by the registry and never propagated: one misbehaving subscriber
// must not affect sibling subscribers or the connection.
type CallbackError struct {
	StreamKey    string
	SubscriberID uint64
	Recovered    any
}

// Error implements the error interface
func (e *CallbackError) Error() string {
	return fmt.Sprintf("subscriber %d on %s panicked: %v", e.SubscriberID, e.StreamKey, e.Recovered)
}
