package interfaces

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Symbol is a canonical instrument identifier in BASE/QUOTE form, for
// example "BTC/USDT". Every component of the aggregation layer speaks
// canonical symbols; translation to and from exchange-native forms
// ("BTCUSDT", "BTC-USD", "XBTUSD") is owned by the individual adapters.
type Symbol string

// Base returns the base asset of the pair ("BTC" for "BTC/USDT").
// It returns an empty string when the symbol is not in canonical form.
func (s Symbol) Base() string {
	base, _, ok := strings.Cut(string(s), "/")
	if !ok {
		return ""
	}
	return base
}

// Quote returns the quote asset of the pair ("USDT" for "BTC/USDT").
// It returns an empty string when the symbol is not in canonical form.
func (s Symbol) Quote() string {
	_, quote, ok := strings.Cut(string(s), "/")
	if !ok {
		return ""
	}
	return quote
}

// Valid reports whether the symbol has a non-empty base and quote part.
func (s Symbol) Valid() bool {
	return s.Base() != "" && s.Quote() != ""
}

// NormalizeSymbol converts common user input forms ("btc/usdt", "BTC-USDT",
// "eth_usd") into the canonical BASE/QUOTE form. Unrecognized input is
// returned unchanged with ok=false so callers can log a warning instead of
// rejecting the request outright.
func NormalizeSymbol(raw string) (sym Symbol, ok bool) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	for _, sep := range []string{"/", "-", "_"} {
		base, quote, found := strings.Cut(trimmed, sep)
		if found && base != "" && quote != "" && !strings.ContainsAny(quote, "/-_") {
			return Symbol(base + "/" + quote), true
		}
	}
	return Symbol(raw), false
}

// TickerSnapshot is the canonical 24h market summary for one symbol.
// Snapshots are replaced whole: a newer snapshot supersedes the previous one
// and partial field merges never happen. Optional statistics (Bid, Ask,
// High24h, Low24h) are zero when the source exchange does not supply them;
// consumers must tolerate zero-valued optional fields.
type TickerSnapshot struct {
	// Symbol is the canonical instrument identifier.
	Symbol Symbol

	// Price is the last traded price.
	Price float64

	// Change24h is the absolute price change over the last 24 hours.
	Change24h float64

	// ChangePercent24h is the relative price change over the last 24 hours,
	// expressed in percent (1.5 means +1.5%).
	ChangePercent24h float64

	// Volume24h is the base-asset volume traded over the last 24 hours.
	Volume24h float64

	// High24h and Low24h bound the traded price over the last 24 hours.
	High24h float64
	Low24h  float64

	// Bid and Ask are the current best quotes, when the exchange reports them.
	Bid float64
	Ask float64

	// Timestamp is the event time reported by the exchange, when available.
	Timestamp time.Time

	// LastUpdate is the local receive time, used by the cache to decide
	// freshness.
	LastUpdate time.Time
}

// CandleBar is one OHLCV bar of a candlestick series.
type CandleBar struct {
	// Symbol is the canonical instrument identifier.
	Symbol Symbol

	// OpenTime marks the beginning of the interval the bar covers.
	OpenTime time.Time

	// Open, High, Low and Close are the interval prices.
	Open  float64
	High  float64
	Low   float64
	Close float64

	// Volume is the base-asset volume traded during the interval.
	Volume float64
}

// Validate checks the OHLC shape invariant: Low <= Open,Close <= High.
// Bars violating it carry exchange-side data-quality problems and are
// dropped by the callers, never repaired or clamped into shape.
func (c CandleBar) Validate() error {
	if c.Low > c.High {
		return fmt.Errorf("%w: low %v above high %v", ErrInvalidCandle, c.Low, c.High)
	}
	if c.Open < c.Low || c.Open > c.High {
		return fmt.Errorf("%w: open %v outside [%v, %v]", ErrInvalidCandle, c.Open, c.Low, c.High)
	}
	if c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("%w: close %v outside [%v, %v]", ErrInvalidCandle, c.Close, c.Low, c.High)
	}
	return nil
}

// Channel identifies the kind of real-time stream an adapter can provide.
type Channel string

const (
	// ChannelTicker streams TickerSnapshot updates.
	ChannelTicker Channel = "ticker"

	// ChannelCandles streams live CandleBar updates for one interval.
	ChannelCandles Channel = "candles"
)

// Intervals lists the canonical candlestick intervals accepted by the public
// API. Adapters translate these into their exchange-native representation and
// reject anything they cannot express.
var Intervals = []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"}

// ValidInterval reports whether the interval is one of the canonical set.
func ValidInterval(interval string) bool {
	for _, v := range Intervals {
		if interval == v {
			return true
		}
	}
	return false
}

// StreamRequest describes one real-time subscription an adapter should turn
// into a concrete websocket stream.
type StreamRequest struct {
	// Channel selects ticker or candle updates.
	Channel Channel

	// Symbols lists the canonical symbols to stream. Order is irrelevant;
	// Key sorts them so equivalent requests share one connection.
	Symbols []Symbol

	// Interval is the candle interval, required for ChannelCandles and
	// ignored otherwise.
	Interval string
}

// Key returns the stream identity used to share connections between
// subscribers: requests with equal keys ride the same websocket.
func (r StreamRequest) Key() string {
	names := make([]string, 0, len(r.Symbols))
	for _, s := range r.Symbols {
		names = append(names, string(s))
	}
	sort.Strings(names)
	key := string(r.Channel)
	if r.Channel == ChannelCandles {
		key += "@" + r.Interval
	}
	return key + "|" + strings.Join(names, ",")
}

// StreamSpec is the adapter's concrete answer to a StreamRequest: the
// websocket URL to dial plus any subscription frames to send once the
// connection is open. Subscriptions is empty for exchanges that encode the
// requested streams in the URL itself.
type StreamSpec struct {
	URL           string
	Subscriptions [][]byte
}

// StreamUpdate is a single parsed websocket payload. Exactly one of Ticker
// or Candle is set for a data message; both are nil for well-formed control
// frames (heartbeats, subscription acks) that carry no market data.
type StreamUpdate struct {
	Ticker *TickerSnapshot
	Candle *CandleBar
}

// Empty reports whether the update carries no market data.
func (u *StreamUpdate) Empty() bool {
	return u == nil || (u.Ticker == nil && u.Candle == nil)
}
