package interfaces

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolParts(t *testing.T) {
	sym := Symbol("BTC/USDT")
	assert.Equal(t, "BTC", sym.Base())
	assert.Equal(t, "USDT", sym.Quote())
	assert.True(t, sym.Valid())

	assert.False(t, Symbol("BTCUSDT").Valid())
	assert.False(t, Symbol("BTC/").Valid())
	assert.False(t, Symbol("/USDT").Valid())
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Symbol
		ok   bool
	}{
		{"canonical", "BTC/USDT", "BTC/USDT", true},
		{"lowercase", "btc/usdt", "BTC/USDT", true},
		{"dash separated", "BTC-USD", "BTC/USD", true},
		{"underscore separated", "eth_usd", "ETH/USD", true},
		{"padded", "  sol/usdt ", "SOL/USDT", true},
		{"no separator passes through", "BTCUSDT", "BTCUSDT", false},
		{"empty quote passes through", "BTC/", "BTC/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeSymbol(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestCandleBarValidate(t *testing.T) {
	valid := CandleBar{
		Symbol:   "BTC/USDT",
		OpenTime: time.Now(),
		Open:     64000,
		High:     65000,
		Low:      63500,
		Close:    64800,
		Volume:   120.5,
	}
	require.NoError(t, valid.Validate())

	t.Run("low above high", func(t *testing.T) {
		bar := valid
		bar.Low = 66000
		assert.ErrorIs(t, bar.Validate(), ErrInvalidCandle)
	})

	t.Run("open above high", func(t *testing.T) {
		bar := valid
		bar.Open = 65500
		assert.ErrorIs(t, bar.Validate(), ErrInvalidCandle)
	})

	t.Run("close below low", func(t *testing.T) {
		bar := valid
		bar.Close = 63000
		assert.ErrorIs(t, bar.Validate(), ErrInvalidCandle)
	})

	t.Run("flat bar is valid", func(t *testing.T) {
		bar := CandleBar{Open: 100, High: 100, Low: 100, Close: 100}
		assert.NoError(t, bar.Validate())
	})
}

func TestStreamRequestKey(t *testing.T) {
	a := StreamRequest{Channel: ChannelTicker, Symbols: []Symbol{"BTC/USDT", "ETH/USDT"}}
	b := StreamRequest{Channel: ChannelTicker, Symbols: []Symbol{"ETH/USDT", "BTC/USDT"}}

	// Symbol order must not change the stream identity.
	assert.Equal(t, a.Key(), b.Key())

	candles := StreamRequest{Channel: ChannelCandles, Interval: "1m", Symbols: []Symbol{"BTC/USDT"}}
	assert.NotEqual(t, a.Key(), candles.Key())
	assert.Contains(t, candles.Key(), "candles@1m")
}

func TestValidInterval(t *testing.T) {
	for _, interval := range Intervals {
		assert.True(t, ValidInterval(interval), interval)
	}
	assert.False(t, ValidInterval("2h"))
	assert.False(t, ValidInterval(""))
}

func TestAllExchangesFailedError(t *testing.T) {
	err := &AllExchangesFailedError{
		Symbol: "FOO/BAR",
		Attempts: []ExchangeAttempt{
			{Exchange: "binance", Err: ErrInvalidSymbol},
			{Exchange: "coinbase", Err: ErrRateLimitExceeded},
			{Exchange: "kraken", Err: ErrInvalidSymbol},
		},
	}

	assert.Equal(t, []string{"binance", "coinbase", "kraken"}, err.Exchanges())
	msg := err.Error()
	assert.Contains(t, msg, "FOO/BAR")
	assert.Contains(t, msg, "binance")
	assert.Contains(t, msg, "coinbase")
	assert.Contains(t, msg, "kraken")

	// The combined failure answers errors.Is for any attempt's cause.
	assert.ErrorIs(t, err, ErrInvalidSymbol)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.NotErrorIs(t, err, ErrNotConnected)
}

func TestStreamUpdateEmpty(t *testing.T) {
	var nilUpdate *StreamUpdate
	assert.True(t, nilUpdate.Empty())
	assert.True(t, (&StreamUpdate{}).Empty())
	assert.False(t, (&StreamUpdate{Ticker: &TickerSnapshot{}}).Empty())
	assert.False(t, (&StreamUpdate{Candle: &CandleBar{}}).Empty())
}
