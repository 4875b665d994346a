package coinbase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantboard/marketdata/pkg/exchanges/interfaces"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL, "", nil, nil)
}

func TestFetchTickerCombinesTickerAndStats(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/products/BTC-USD/ticker":
			w.Write([]byte(`{
				"ask": "65124.01",
				"bid": "65123.99",
				"volume": "12345.6789",
				"trade_id": 86326522,
				"price": "65124.00",
				"size": "0.00698254",
				"time": "2024-08-25T12:00:00.000000Z"
			}`))
		case "/products/BTC-USD/stats":
			w.Write([]byte(`{
				"open": "64000.00",
				"high": "65500.00",
				"low": "63800.00",
				"volume": "23456.789",
				"last": "65124.00",
				"volume_30day": "890123.45"
			}`))
		default:
			http.NotFound(w, r)
		}
	})

	ticker, err := adapter.FetchTicker(context.Background(), "BTC/USD")
	require.NoError(t, err)

	assert.Equal(t, interfaces.Symbol("BTC/USD"), ticker.Symbol)
	assert.Equal(t, 65124.00, ticker.Price)
	assert.InDelta(t, 1124.00, ticker.Change24h, 1e-9)
	assert.InDelta(t, 1.75625, ticker.ChangePercent24h, 1e-4)
	assert.Equal(t, 23456.789, ticker.Volume24h)
	assert.Equal(t, 65500.00, ticker.High24h)
	assert.Equal(t, 63800.00, ticker.Low24h)
	assert.Equal(t, 65123.99, ticker.Bid)
	assert.Equal(t, 65124.01, ticker.Ask)
	assert.Equal(t, time.Date(2024, 8, 25, 12, 0, 0, 0, time.UTC), ticker.Timestamp.UTC())
}

func TestFetchTickerStatsFailureIsTransport(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/products/BTC-USD/ticker" {
			w.Write([]byte(`{"price": "65124.00", "time": "2024-08-25T12:00:00Z"}`))
			return
		}
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := adapter.FetchTicker(context.Background(), "BTC/USD")
	require.Error(t, err)

	var transportErr *interfaces.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "stats", transportErr.Op)
}

func TestFetchCandlesReordersOldestFirst(t *testing.T) {
	// Coinbase rows are [time, low, high, open, close, volume], newest first.
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products/ETH-USD/candles", r.URL.Path)
		assert.Equal(t, "60", r.URL.Query().Get("granularity"))
		w.Write([]byte(`[
			[1724592060, 3198.00, 3205.50, 3200.00, 3204.10, 152.4],
			[1724592000, 3195.00, 3201.00, 3196.50, 3200.00, 98.7]
		]`))
	})

	bars, err := adapter.FetchCandles(context.Background(), "ETH/USD", "1m", 10)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, time.Unix(1724592000, 0), bars[0].OpenTime)
	assert.Equal(t, 3196.50, bars[0].Open)
	assert.Equal(t, 3201.00, bars[0].High)
	assert.Equal(t, 3195.00, bars[0].Low)
	assert.Equal(t, 3200.00, bars[0].Close)
	assert.Equal(t, 98.7, bars[0].Volume)
	assert.Equal(t, time.Unix(1724592060, 0), bars[1].OpenTime)
}

func TestFetchCandlesAppliesLimit(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			[1724592120, 3198.00, 3205.50, 3200.00, 3204.10, 152.4],
			[1724592060, 3195.00, 3201.00, 3196.50, 3200.00, 98.7],
			[1724592000, 3190.00, 3197.00, 3192.00, 3196.50, 120.0]
		]`))
	})

	bars, err := adapter.FetchCandles(context.Background(), "ETH/USD", "1m", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	// The most recent bars survive the cut.
	assert.Equal(t, time.Unix(1724592060, 0), bars[0].OpenTime)
	assert.Equal(t, time.Unix(1724592120, 0), bars[1].OpenTime)
}

func TestFetchCandlesRejectsMissingGranularity(t *testing.T) {
	called := false
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	for _, interval := range []string{"30m", "4h"} {
		_, err := adapter.FetchCandles(context.Background(), "BTC/USD", interval, 10)
		require.ErrorIs(t, err, interfaces.ErrInvalidInterval, interval)
	}
	assert.False(t, called)
}

func TestSymbolRoundTrip(t *testing.T) {
	adapter := New("", "", nil, nil)

	assert.Equal(t, "BTC-USD", adapter.FormatSymbol("BTC/USD"))
	assert.Equal(t, interfaces.Symbol("BTC/USD"), adapter.ParseSymbol("BTC-USD"))
	assert.False(t, adapter.ParseSymbol("BTCUSD").Valid())
}

func TestBuildStreamSubscribeFrame(t *testing.T) {
	adapter := New("", "", nil, nil)

	spec, err := adapter.BuildStream(interfaces.StreamRequest{
		Channel: interfaces.ChannelTicker,
		Symbols: []interfaces.Symbol{"ETH/USD", "BTC/USD"},
	})
	require.NoError(t, err)
	assert.Equal(t, "wss://ws-feed.exchange.coinbase.com", spec.URL)
	require.Len(t, spec.Subscriptions, 1)

	var frame subscribeRequest
	require.NoError(t, json.Unmarshal(spec.Subscriptions[0], &frame))
	assert.Equal(t, "subscribe", frame.Type)
	require.Len(t, frame.Channels, 1)
	assert.Equal(t, "ticker", frame.Channels[0].Name)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, frame.Channels[0].ProductIDs)
}

func TestBuildStreamRefusesCandleFeed(t *testing.T) {
	adapter := New("", "", nil, nil)

	_, err := adapter.BuildStream(interfaces.StreamRequest{
		Channel:  interfaces.ChannelCandles,
		Symbols:  []interfaces.Symbol{"BTC/USD"},
		Interval: "1m",
	})
	require.ErrorIs(t, err, interfaces.ErrNoStreamSupport)
}

func TestParseStreamMessageTicker(t *testing.T) {
	raw := `{
		"type": "ticker",
		"sequence": 37475248783,
		"product_id": "ETH-USD",
		"price": "3204.10",
		"open_24h": "3100.00",
		"volume_24h": "245498.12",
		"low_24h": "3080.52",
		"high_24h": "3213.80",
		"best_bid": "3204.05",
		"best_ask": "3204.15",
		"side": "buy",
		"time": "2024-08-25T12:00:01.123456Z",
		"trade_id": 370843401,
		"last_size": "11.4396987"
	}`

	adapter := New("", "", nil, nil)
	update, err := adapter.ParseStreamMessage([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, update.Ticker)

	assert.Equal(t, interfaces.Symbol("ETH/USD"), update.Ticker.Symbol)
	assert.Equal(t, 3204.10, update.Ticker.Price)
	assert.InDelta(t, 104.10, update.Ticker.Change24h, 1e-9)
	assert.InDelta(t, 3.3581, update.Ticker.ChangePercent24h, 1e-3)
	assert.Equal(t, 3204.05, update.Ticker.Bid)
	assert.Equal(t, 3204.15, update.Ticker.Ask)
}

func TestParseStreamMessageControlFrames(t *testing.T) {
	adapter := New("", "", nil, nil)

	for _, raw := range []string{
		`{"type":"subscriptions","channels":[{"name":"ticker","product_ids":["BTC-USD"]}]}`,
		`{"type":"heartbeat","sequence":90,"last_trade_id":20,"product_id":"BTC-USD","time":"2024-08-25T12:00:00Z"}`,
		`{"type":"error","message":"Failed to subscribe","reason":"unknown product"}`,
	} {
		update, err := adapter.ParseStreamMessage([]byte(raw))
		require.NoError(t, err, raw)
		assert.True(t, update.Empty(), raw)
	}
}

func TestParseStreamMessageGarbage(t *testing.T) {
	adapter := New("", "", nil, nil)

	_, err := adapter.ParseStreamMessage([]byte("][ nope"))
	require.Error(t, err)

	var parseErr *interfaces.ParseError
	require.ErrorAs(t, err, &parseErr)
}
