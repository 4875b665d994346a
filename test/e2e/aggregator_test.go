package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/stretchr/testify/require"

	"github.com/quantboard/marketdata/pkg/aggregator"
	"github.com/quantboard/marketdata/pkg/config"
	"github.com/quantboard/marketdata/pkg/exchanges/interfaces"
	"github.com/quantboard/marketdata/pkg/logging"
)

// TestAggregator_E2E performs end-to-end testing of the aggregation service
// against the live exchange APIs. It needs outbound network access and is
// skipped in short mode.
//
// To run this test:
// go test -v ./test/e2e
func TestAggregator_E2E(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	logger := logging.NewZapLogger(
		logging.WithLogLevel(logging.DEBUG),
		logging.WithDevelopmentMode(),
	)

	svc, err := aggregator.New(config.Default(), logger)
	require.NoError(t, err, "failed to build service")
	defer svc.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	t.Run("GetTickerData", func(t *testing.T) {
		tickers, err := svc.GetTickerData(ctx, []interfaces.Symbol{"BTC/USDT", "ETH/USDT"})
		require.NoError(t, err, "failed to get tickers")
		require.Len(t, tickers, 2, "both symbols should resolve")
		for _, ticker := range tickers {
			require.Greater(t, ticker.Price, float64(0))
			require.Greater(t, ticker.Volume24h, float64(0))
		}
	})

	t.Run("GetCandlestickData", func(t *testing.T) {
		candles, err := svc.GetCandlestickData(ctx, "BTC/USDT", "1h", 24)
		require.NoError(t, err, "failed to get candles")
		require.NotEmpty(t, candles, "no candles returned")
		require.Equal(t, interfaces.Symbol("BTC/USDT"), candles[0].Symbol)
		for i := 1; i < len(candles); i++ {
			require.True(t, candles[i-1].OpenTime.Before(candles[i].OpenTime),
				"candles must be ordered oldest first")
		}
	})

	t.Run("FailoverToSecondaryExchange", func(t *testing.T) {
		// Point the preferred exchange at an unroutable address; the read
		// should come back from the next one in preference order.
		broken := config.Default()
		ec := broken.Exchanges["binance"]
		ec.RESTURL = "https://127.0.0.1:9/api"
		broken.Exchanges["binance"] = ec
		broken.HTTP.TimeoutSec = 3

		failover, err := aggregator.New(broken, logger)
		require.NoError(t, err)
		defer failover.Disconnect()

		tickers, err := failover.GetTickerData(ctx, []interfaces.Symbol{"BTC/USDT"})
		require.NoError(t, err, "secondary exchange should have served the read")
		require.Len(t, tickers, 1)
		require.Greater(t, tickers[0].Price, float64(0))
	})

	t.Run("RealTimeUpdates", func(t *testing.T) {
		if os.Getenv("CI") != "" {
			t.Skip("skipping websocket subscription test in CI")
		}

		tickerCh := make(chan interfaces.TickerSnapshot, 10)
		unsubscribe, err := svc.SubscribeToRealTimeUpdates(
			[]interfaces.Symbol{"BTC/USDT"},
			func(snap interfaces.TickerSnapshot) {
				select {
				case tickerCh <- snap:
				default:
				}
			})
		require.NoError(t, err, "failed to subscribe to ticker updates")
		defer unsubscribe()

		var received bool
		err = retry.Do(
			func() error {
				if !received {
					select {
					case snap := <-tickerCh:
						if snap.Symbol == "BTC/USDT" && snap.Price > 0 {
							received = true
						}
					default:
						// No message yet
					}
				}
				if !received {
					return fmt.Errorf("waiting for ticker updates")
				}
				return nil
			},
			retry.Attempts(30),
			retry.Delay(1*time.Second),
			retry.DelayType(retry.FixedDelay),
			retry.OnRetry(func(n uint, err error) {
				t.Logf("Retry %d: waiting for ticker update, connected=%v",
					n+1, svc.IsConnectedToRealTimeData())
			}),
		)
		require.NoError(t, err, "timeout waiting for websocket updates")
		require.True(t, svc.IsConnectedToRealTimeData())
	})
}
