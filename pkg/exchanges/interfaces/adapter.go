package interfaces

import (
	"context"
)

// Adapter translates between one exchange's wire formats and the canonical
// data model. All exchange-specific implementations must satisfy this
// interface.
//
// Adapters are deliberately thin: they know URLs, payload shapes and symbol
// naming, and nothing about caching, failover, rate limiting or connection
// lifecycles. Those concerns live above the adapter so they apply uniformly
// to every exchange.
//
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Name returns the lowercase exchange identifier ("binance", "coinbase",
	// "kraken") used in configuration, logs and stream keys.
	Name() string

	// FormatSymbol converts a canonical symbol into the exchange-native
	// form, e.g. "BTC/USDT" -> "BTCUSDT" on Binance. The mapping is
	// deterministic and bidirectional with ParseSymbol.
	FormatSymbol(symbol Symbol) string

	// ParseSymbol converts an exchange-native pair name back into the
	// canonical form, e.g. "XBTUSD" -> "BTC/USD" on Kraken.
	ParseSymbol(raw string) Symbol

	// FetchTicker retrieves the current 24h market summary for one symbol
	// over REST.
	//
	// Failures are reported as *TransportError (request could not complete)
	// or *ParseError (response arrived but was not decodable); the caller
	// decides whether to fail over to another exchange.
	FetchTicker(ctx context.Context, symbol Symbol) (*TickerSnapshot, error)

	// FetchCandles retrieves up to limit historical OHLCV bars for one
	// symbol over REST. Bars are returned in ascending open-time order
	// regardless of the exchange's native ordering, and bars violating the
	// OHLC shape invariant are dropped.
	//
	// Returns ErrInvalidInterval when the exchange cannot express the
	// requested interval.
	FetchCandles(ctx context.Context, symbol Symbol, interval string, limit int) ([]CandleBar, error)

	// BuildStream turns a StreamRequest into the websocket URL and
	// subscription frames for this exchange.
	//
	// Returns ErrNoStreamSupport when the exchange offers no stream for the
	// requested channel, and ErrInvalidInterval for candle streams the
	// exchange cannot express.
	BuildStream(req StreamRequest) (*StreamSpec, error)

	// ParseStreamMessage decodes one raw websocket payload into a
	// StreamUpdate. Well-formed control frames (heartbeats, subscription
	// acks) yield an empty update and a nil error. Malformed or
	// unrecognizable payloads yield a *ParseError; the message is dropped
	// and the connection stays open.
	ParseStreamMessage(raw []byte) (*StreamUpdate, error)
}
