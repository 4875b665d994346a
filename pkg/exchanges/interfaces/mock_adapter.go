package interfaces

import (
	"context"
	"strings"
	"sync"
)

// MockAdapter implements the Adapter interface for testing. It speaks the
// canonical symbol form with the separator stripped ("BTCUSDT") and serves
// whatever tickers and candles the test primes it with.
type MockAdapter struct {
	mu sync.RWMutex

	name    string
	tickers map[Symbol]TickerSnapshot
	candles map[Symbol][]CandleBar

	// For verifying test expectations
	tickerCalls map[Symbol]int
	candleCalls map[Symbol]int

	// For simulating failures
	tickerError error
	candleError error
	streamError error

	streamURL string
}

// NewMockAdapter creates a mock adapter reporting the given exchange name.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		name:        name,
		tickers:     make(map[Symbol]TickerSnapshot),
		candles:     make(map[Symbol][]CandleBar),
		tickerCalls: make(map[Symbol]int),
		candleCalls: make(map[Symbol]int),
	}
}

// Name implements the Adapter interface
func (m *MockAdapter) Name() string {
	return m.name
}

// FormatSymbol implements the Adapter interface
func (m *MockAdapter) FormatSymbol(symbol Symbol) string {
	return strings.ReplaceAll(string(symbol), "/", "")
}

// ParseSymbol implements the Adapter interface. The mock cannot recover the
// separator position, so primed symbols are matched by their formatted form.
func (m *MockAdapter) ParseSymbol(raw string) Symbol {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for sym := range m.tickers {
		if m.FormatSymbol(sym) == raw {
			return sym
		}
	}
	return Symbol(raw)
}

// FetchTicker implements the Adapter interface
func (m *MockAdapter) FetchTicker(ctx context.Context, symbol Symbol) (*TickerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tickerCalls[symbol]++
	if m.tickerError != nil {
		return nil, m.tickerError
	}

	snap, ok := m.tickers[symbol]
	if !ok {
		return nil, NewTransportError(m.name, "ticker", ErrInvalidSymbol)
	}
	return &snap, nil
}

// FetchCandles implements the Adapter interface
func (m *MockAdapter) FetchCandles(ctx context.Context, symbol Symbol, interval string, limit int) ([]CandleBar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.candleCalls[symbol]++
	if m.candleError != nil {
		return nil, m.candleError
	}
	if !ValidInterval(interval) {
		return nil, ErrInvalidInterval
	}

	bars, ok := m.candles[symbol]
	if !ok {
		return nil, NewTransportError(m.name, "candles", ErrInvalidSymbol)
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]CandleBar, len(bars))
	copy(out, bars)
	return out, nil
}

// BuildStream implements the Adapter interface
func (m *MockAdapter) BuildStream(req StreamRequest) (*StreamSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.streamError != nil {
		return nil, m.streamError
	}
	url := m.streamURL
	if url == "" {
		url = "ws://mock-" + m.name + ".test/stream"
	}
	return &StreamSpec{URL: url}, nil
}

// ParseStreamMessage implements the Adapter interface. Payloads primed via
// PrimeTicker are matched verbatim against the formatted symbol prefix; use
// the real adapters for wire-format coverage.
func (m *MockAdapter) ParseStreamMessage(raw []byte) (*StreamUpdate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for sym, snap := range m.tickers {
		if strings.HasPrefix(string(raw), m.FormatSymbol(sym)) {
			s := snap
			return &StreamUpdate{Ticker: &s}, nil
		}
	}
	return &StreamUpdate{}, nil
}

// PrimeTicker sets the snapshot served for a symbol
func (m *MockAdapter) PrimeTicker(snap TickerSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[snap.Symbol] = snap
}

// PrimeCandles sets the bars served for a symbol
func (m *MockAdapter) PrimeCandles(symbol Symbol, bars []CandleBar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol] = bars
}

// SetTickerError sets an error to be returned by FetchTicker
func (m *MockAdapter) SetTickerError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickerError = err
}

// SetCandleError sets an error to be returned by FetchCandles
func (m *MockAdapter) SetCandleError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candleError = err
}

// SetStreamError sets an error to be returned by BuildStream
func (m *MockAdapter) SetStreamError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamError = err
}

// SetStreamURL sets the websocket URL returned by BuildStream, letting tests
// point the mock at a live test server
func (m *MockAdapter) SetStreamURL(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamURL = url
}

// TickerCalls returns the number of FetchTicker calls for a symbol
func (m *MockAdapter) TickerCalls(symbol Symbol) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tickerCalls[symbol]
}

// CandleCalls returns the number of FetchCandles calls for a symbol
func (m *MockAdapter) CandleCalls(symbol Symbol) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.candleCalls[symbol]
}
