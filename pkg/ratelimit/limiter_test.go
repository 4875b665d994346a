package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowLimiterAdmitsExactlyN(t *testing.T) {
	clk := clock.NewMock()
	limiter := NewWindowLimiter(clk)
	limiter.Register("binance", 10, 10)

	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow("binance"), "request %d should fit the window", i+1)
	}
	assert.False(t, limiter.Allow("binance"), "request 11 must be rejected, not queued")
}

func TestWindowLimiterRefillsAfterWindow(t *testing.T) {
	clk := clock.NewMock()
	limiter := NewWindowLimiter(clk)
	limiter.Register("kraken", 2, 2)

	require.True(t, limiter.Allow("kraken"))
	require.True(t, limiter.Allow("kraken"))
	require.False(t, limiter.Allow("kraken"))

	clk.Add(time.Second)

	assert.True(t, limiter.Allow("kraken"))
	assert.True(t, limiter.Allow("kraken"))
	assert.False(t, limiter.Allow("kraken"))
}

func TestWindowLimiterIndependentExchanges(t *testing.T) {
	clk := clock.NewMock()
	limiter := NewWindowLimiter(clk)
	limiter.Register("binance", 1, 1)
	limiter.Register("coinbase", 1, 1)

	require.True(t, limiter.Allow("binance"))
	require.False(t, limiter.Allow("binance"))

	// Exhausting binance must not touch coinbase's window.
	assert.True(t, limiter.Allow("coinbase"))
}

func TestWindowLimiterUnregisteredAllowed(t *testing.T) {
	limiter := NewWindowLimiter(clock.NewMock())
	assert.True(t, limiter.Allow("unknown"))
	assert.True(t, limiter.Allow("unknown"))
}

func TestWindowLimiterReregisterResets(t *testing.T) {
	clk := clock.NewMock()
	limiter := NewWindowLimiter(clk)
	limiter.Register("binance", 1, 1)

	require.True(t, limiter.Allow("binance"))
	require.False(t, limiter.Allow("binance"))

	limiter.Register("binance", 1, 1)
	assert.True(t, limiter.Allow("binance"))
}

func TestPacerWaitCancelledContext(t *testing.T) {
	pacer := NewPacer(Rate{Limit: 1, Interval: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pacer.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPacerSetLimitValidation(t *testing.T) {
	pacer := NewPacer(Rate{Limit: 10, Interval: time.Second})

	assert.Error(t, pacer.SetLimit(Rate{Limit: 0, Interval: time.Second}))
	assert.Error(t, pacer.SetLimit(Rate{Limit: 10, Interval: 0}))
	assert.NoError(t, pacer.SetLimit(Rate{Limit: 120, Interval: time.Minute}))
}

func TestRatePerSecond(t *testing.T) {
	assert.Equal(t, 2.0, Rate{Limit: 120, Interval: time.Minute}.PerSecond())
	assert.Equal(t, 10.0, Rate{Limit: 10, Interval: time.Second}.PerSecond())
	assert.Zero(t, Rate{Limit: 10}.PerSecond())
}
