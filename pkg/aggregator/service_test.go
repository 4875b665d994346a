package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantboard/marketdata/pkg/config"
	"github.com/quantboard/marketdata/pkg/exchanges/interfaces"
	"github.com/quantboard/marketdata/pkg/logging"
	"github.com/quantboard/marketdata/pkg/websocket"
)

func newTestService(t *testing.T, adapters ...interfaces.Adapter) (*Service, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	s := assemble(config.Default(), logging.NewNop(), clk, adapters)
	t.Cleanup(s.Disconnect)
	return s, clk
}

func btcSnapshot(price float64) interfaces.TickerSnapshot {
	return interfaces.TickerSnapshot{
		Symbol:           "BTC/USDT",
		Price:            price,
		Change24h:        -1224.35,
		ChangePercent24h: -1.845,
		Volume24h:        28456.11,
		Timestamp:        time.Now(),
		LastUpdate:       time.Now(),
	}
}

func btcBars() []interfaces.CandleBar {
	base := time.Date(2024, 8, 25, 12, 0, 0, 0, time.UTC)
	return []interfaces.CandleBar{
		{Symbol: "BTC/USDT", OpenTime: base, Open: 65100, High: 65180, Low: 65050, Close: 65123, Volume: 12.5},
		{Symbol: "BTC/USDT", OpenTime: base.Add(time.Minute), Open: 65123, High: 65200, Low: 65100, Close: 65150, Volume: 8.1},
		{Symbol: "BTC/USDT", OpenTime: base.Add(2 * time.Minute), Open: 65150, High: 65210, Low: 65140, Close: 65190, Volume: 9.4},
	}
}

func TestGetTickerDataPrefersFirstExchange(t *testing.T) {
	primary := interfaces.NewMockAdapter("primary")
	primary.PrimeTicker(btcSnapshot(65000.12))
	secondary := interfaces.NewMockAdapter("secondary")
	secondary.PrimeTicker(btcSnapshot(65001.99))

	svc, _ := newTestService(t, primary, secondary)

	tickers, err := svc.GetTickerData(context.Background(), []interfaces.Symbol{"BTC/USDT"})
	require.NoError(t, err)
	require.Len(t, tickers, 1)

	assert.Equal(t, 65000.12, tickers[0].Price)
	assert.Equal(t, 1, primary.TickerCalls("BTC/USDT"))
	assert.Equal(t, 0, secondary.TickerCalls("BTC/USDT"))
}

func TestCachedTickerSkipsNetwork(t *testing.T) {
	primary := interfaces.NewMockAdapter("primary")
	primary.PrimeTicker(btcSnapshot(65000.12))

	svc, clk := newTestService(t, primary)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.GetTickerData(ctx, []interfaces.Symbol{"BTC/USDT"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, primary.TickerCalls("BTC/USDT"))

	// Past the ticker TTL the next read refetches.
	clk.Add(11 * time.Second)
	_, err := svc.GetTickerData(ctx, []interfaces.Symbol{"BTC/USDT"})
	require.NoError(t, err)
	assert.Equal(t, 2, primary.TickerCalls("BTC/USDT"))
}

func TestFailoverToNextExchange(t *testing.T) {
	primary := interfaces.NewMockAdapter("primary")
	primary.SetTickerError(interfaces.NewTransportError("primary", "ticker", context.DeadlineExceeded))
	secondary := interfaces.NewMockAdapter("secondary")
	secondary.PrimeTicker(btcSnapshot(65000.12))
	secondary.PrimeTicker(interfaces.TickerSnapshot{Symbol: "ETH/USDT", Price: 3200.50, Timestamp: time.Now()})

	svc, _ := newTestService(t, primary, secondary)

	tickers, err := svc.GetTickerData(context.Background(), []interfaces.Symbol{"BTC/USDT", "ETH/USDT"})
	require.NoError(t, err)
	require.Len(t, tickers, 2, "both symbols should resolve on the secondary")

	assert.Equal(t, 65000.12, tickers[0].Price)
	assert.Equal(t, 3200.50, tickers[1].Price)
	assert.Equal(t, 1, primary.TickerCalls("BTC/USDT"))
	assert.Equal(t, 1, secondary.TickerCalls("BTC/USDT"))
	assert.Equal(t, 1, secondary.TickerCalls("ETH/USDT"))
}

func TestRateLimitedExchangeSkippedWithoutNetworkCall(t *testing.T) {
	primary := interfaces.NewMockAdapter("primary")
	primary.PrimeTicker(btcSnapshot(64000.00))
	secondary := interfaces.NewMockAdapter("secondary")
	secondary.PrimeTicker(btcSnapshot(65000.12))

	svc, _ := newTestService(t, primary, secondary)

	// Exhaust primary's window before the read.
	svc.window.Register("primary", 1, 1)
	require.True(t, svc.window.Allow("primary"))

	tickers, err := svc.GetTickerData(context.Background(), []interfaces.Symbol{"BTC/USDT"})
	require.NoError(t, err)
	require.Len(t, tickers, 1)

	assert.Equal(t, 65000.12, tickers[0].Price)
	assert.Equal(t, 0, primary.TickerCalls("BTC/USDT"))
	assert.Equal(t, 1, secondary.TickerCalls("BTC/USDT"))
}

func TestBulkReadOmitsUnresolvedSymbols(t *testing.T) {
	primary := interfaces.NewMockAdapter("primary")
	primary.PrimeTicker(interfaces.TickerSnapshot{Symbol: "BAR/USD", Price: 42.5, Timestamp: time.Now()})
	secondary := interfaces.NewMockAdapter("secondary")

	svc, _ := newTestService(t, primary, secondary)

	tickers, err := svc.GetTickerData(context.Background(), []interfaces.Symbol{"FOO/USD", "BAR/USD"})
	require.NoError(t, err)
	require.Len(t, tickers, 1)

	// The unresolved symbol is absent, never present with zeroed prices.
	assert.Equal(t, interfaces.Symbol("BAR/USD"), tickers[0].Symbol)
	assert.Equal(t, 42.5, tickers[0].Price)
	assert.Equal(t, 1, primary.TickerCalls("FOO/USD"))
	assert.Equal(t, 1, secondary.TickerCalls("FOO/USD"))
}

func TestGetTickerDataNormalizesInput(t *testing.T) {
	primary := interfaces.NewMockAdapter("primary")
	primary.PrimeTicker(btcSnapshot(65000.12))

	svc, _ := newTestService(t, primary)

	tickers, err := svc.GetTickerData(context.Background(), []interfaces.Symbol{"btc-usdt", "???"})
	require.NoError(t, err)
	require.Len(t, tickers, 1)
	assert.Equal(t, interfaces.Symbol("BTC/USDT"), tickers[0].Symbol)

	// The unrecognized spelling passed through to the exchange rather than
	// being rejected up front, and was omitted after it resolved nowhere.
	assert.Equal(t, 1, primary.TickerCalls("???"))
}

func TestGetTickerDataContextCancellation(t *testing.T) {
	primary := interfaces.NewMockAdapter("primary")
	svc, _ := newTestService(t, primary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.GetTickerData(ctx, []interfaces.Symbol{"BTC/USDT"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestGetCandlestickDataCachesWholeWindows(t *testing.T) {
	primary := interfaces.NewMockAdapter("primary")
	primary.PrimeCandles("BTC/USDT", btcBars())

	svc, _ := newTestService(t, primary)
	ctx := context.Background()

	bars, err := svc.GetCandlestickData(ctx, "BTC/USDT", "1m", 3)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.True(t, bars[0].OpenTime.Before(bars[1].OpenTime))

	_, err = svc.GetCandlestickData(ctx, "BTC/USDT", "1m", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, primary.CandleCalls("BTC/USDT"))

	// A different limit is a different window and misses the cache.
	shorter, err := svc.GetCandlestickData(ctx, "BTC/USDT", "1m", 2)
	require.NoError(t, err)
	require.Len(t, shorter, 2)
	assert.Equal(t, 2, primary.CandleCalls("BTC/USDT"))
}

func TestGetCandlestickDataFailoverNamesEveryExchange(t *testing.T) {
	primary := interfaces.NewMockAdapter("primary")
	primary.SetCandleError(interfaces.NewTransportError("primary", "candles", context.DeadlineExceeded))
	secondary := interfaces.NewMockAdapter("secondary")
	secondary.SetCandleError(interfaces.NewParseError("secondary", "bad payload", nil))

	svc, _ := newTestService(t, primary, secondary)

	_, err := svc.GetCandlestickData(context.Background(), "BTC/USDT", "1m", 10)
	require.Error(t, err)

	var allFailed *interfaces.AllExchangesFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Equal(t, interfaces.Symbol("BTC/USDT"), allFailed.Symbol)
	assert.Equal(t, []string{"primary", "secondary"}, allFailed.Exchanges())
}

func TestGetCandlestickDataValidation(t *testing.T) {
	primary := interfaces.NewMockAdapter("primary")
	svc, _ := newTestService(t, primary)
	ctx := context.Background()

	_, err := svc.GetCandlestickData(ctx, "BTC/USDT", "7m", 10)
	require.ErrorIs(t, err, interfaces.ErrInvalidInterval)
	assert.Equal(t, 0, primary.CandleCalls("BTC/USDT"))

	// An unrecognized symbol is not rejected up front; it passes through,
	// every exchange refuses it, and the exhaustion is what surfaces.
	_, err = svc.GetCandlestickData(ctx, "notapair", "1m", 10)
	var allFailed *interfaces.AllExchangesFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Equal(t, 1, primary.CandleCalls("notapair"))
}

func TestSubscribeDeliversUpdatesAndWritesThrough(t *testing.T) {
	server := websocket.NewMockServer()
	t.Cleanup(server.Close)

	primary := interfaces.NewMockAdapter("primary")
	primary.PrimeTicker(btcSnapshot(65000.12))
	primary.SetStreamURL(server.URL())

	svc, _ := newTestService(t, primary)

	received := make(chan interfaces.TickerSnapshot, 4)
	unsubscribe, err := svc.SubscribeToRealTimeUpdates([]interfaces.Symbol{"BTC/USDT"}, func(snap interfaces.TickerSnapshot) {
		received <- snap
	})
	require.NoError(t, err)

	require.Eventually(t, svc.IsConnectedToRealTimeData, 2*time.Second, 10*time.Millisecond)
	server.Broadcast([]byte("BTCUSDT@ticker"))

	var snap interfaces.TickerSnapshot
	select {
	case snap = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no ticker update received")
	}
	assert.Equal(t, 65000.12, snap.Price)

	// Stream updates land in the cache, so a REST read costs no network call.
	tickers, err := svc.GetTickerData(context.Background(), []interfaces.Symbol{"BTC/USDT"})
	require.NoError(t, err)
	require.Len(t, tickers, 1)
	assert.Equal(t, 65000.12, tickers[0].Price)
	assert.Equal(t, 0, primary.TickerCalls("BTC/USDT"))

	unsubscribe()
	assert.Eventually(t, func() bool {
		return server.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, svc.IsConnectedToRealTimeData())
}

func TestSubscribeFallsBackWhenExchangeCannotStream(t *testing.T) {
	server := websocket.NewMockServer()
	t.Cleanup(server.Close)

	primary := interfaces.NewMockAdapter("primary")
	primary.SetStreamError(interfaces.ErrNoStreamSupport)
	secondary := interfaces.NewMockAdapter("secondary")
	secondary.SetStreamURL(server.URL())

	svc, _ := newTestService(t, primary, secondary)

	unsubscribe, err := svc.SubscribeToCandleUpdates("BTC/USDT", "1m", func(interfaces.CandleBar) {})
	require.NoError(t, err)
	defer unsubscribe()

	require.Eventually(t, func() bool {
		return server.ConnectionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	status := svc.Status()
	require.Contains(t, status, "secondary:candles@1m|BTC/USDT")
}

func TestSharedStreamUsesOneConnection(t *testing.T) {
	server := websocket.NewMockServer()
	t.Cleanup(server.Close)

	primary := interfaces.NewMockAdapter("primary")
	primary.PrimeTicker(btcSnapshot(65000.12))
	primary.SetStreamURL(server.URL())

	svc, _ := newTestService(t, primary)

	first, err := svc.SubscribeToRealTimeUpdates([]interfaces.Symbol{"BTC/USDT"}, func(interfaces.TickerSnapshot) {})
	require.NoError(t, err)
	second, err := svc.SubscribeToRealTimeUpdates([]interfaces.Symbol{"BTC/USDT"}, func(interfaces.TickerSnapshot) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return server.ConnectionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, server.TotalConnections())

	first()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, server.ConnectionCount())

	second()
	assert.Eventually(t, func() bool {
		return server.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// A fresh subscription after teardown dials a new connection rather than
	// reviving the old one.
	third, err := svc.SubscribeToRealTimeUpdates([]interfaces.Symbol{"BTC/USDT"}, func(interfaces.TickerSnapshot) {})
	require.NoError(t, err)
	t.Cleanup(third)

	require.Eventually(t, func() bool {
		return server.ConnectionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, server.TotalConnections())
}

func TestSubscribeValidation(t *testing.T) {
	primary := interfaces.NewMockAdapter("primary")
	svc, _ := newTestService(t, primary)

	_, err := svc.SubscribeToRealTimeUpdates(nil, func(interfaces.TickerSnapshot) {})
	require.ErrorIs(t, err, interfaces.ErrInvalidSymbol)

	_, err = svc.SubscribeToCandleUpdates("BTC/USDT", "2h", func(interfaces.CandleBar) {})
	require.ErrorIs(t, err, interfaces.ErrInvalidInterval)
}

func TestSubscribeAcceptsUnrecognizedSymbol(t *testing.T) {
	server := websocket.NewMockServer()
	t.Cleanup(server.Close)

	primary := interfaces.NewMockAdapter("primary")
	primary.SetStreamURL(server.URL())

	svc, _ := newTestService(t, primary)

	// Unrecognized spellings are not rejected; the stream opens and simply
	// never matches any update.
	unsubscribe, err := svc.SubscribeToRealTimeUpdates([]interfaces.Symbol{"???"}, func(interfaces.TickerSnapshot) {
		t.Error("no update should match an unrecognized symbol")
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.Eventually(t, svc.IsConnectedToRealTimeData, 2*time.Second, 10*time.Millisecond)
	server.Broadcast([]byte("BTCUSDT@ticker"))
	time.Sleep(50 * time.Millisecond)
}

func TestSubscribeRefusedWhenNoExchangeStreams(t *testing.T) {
	primary := interfaces.NewMockAdapter("primary")
	primary.SetStreamError(interfaces.ErrNoStreamSupport)

	svc, _ := newTestService(t, primary)

	_, err := svc.SubscribeToRealTimeUpdates([]interfaces.Symbol{"BTC/USDT"}, func(interfaces.TickerSnapshot) {})
	require.ErrorIs(t, err, interfaces.ErrNoStreamSupport)
}

func TestSubscribeAfterDisconnectRefused(t *testing.T) {
	primary := interfaces.NewMockAdapter("primary")
	svc, _ := newTestService(t, primary)

	svc.Disconnect()

	_, err := svc.SubscribeToRealTimeUpdates([]interfaces.Symbol{"BTC/USDT"}, func(interfaces.TickerSnapshot) {})
	require.ErrorIs(t, err, interfaces.ErrNotConnected)

	// Disconnect is idempotent and REST reads still work.
	svc.Disconnect()
	primary.PrimeTicker(btcSnapshot(65000.12))
	tickers, err := svc.GetTickerData(context.Background(), []interfaces.Symbol{"BTC/USDT"})
	require.NoError(t, err)
	assert.Len(t, tickers, 1)
}
