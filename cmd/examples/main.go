package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantboard/marketdata/pkg/aggregator"
	"github.com/quantboard/marketdata/pkg/config"
	"github.com/quantboard/marketdata/pkg/exchanges/interfaces"
	"github.com/quantboard/marketdata/pkg/logging"
)

func main() {
	// Load configuration, MARKETDATA_CONFIG points at an optional YAML file
	cfg := config.Default()
	if path := os.Getenv("MARKETDATA_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			logging.NewLogger().Error("failed to load config", logging.Error(err))
			os.Exit(1)
		}
		cfg = loaded
	}

	// Create logger
	opts := []logging.ZapOption{logging.WithLogLevel(logging.ParseLevel(cfg.LogLevel))}
	if cfg.LogFile != "" {
		opts = append(opts, logging.WithRotatingFile(cfg.LogFile))
	}
	logger := logging.NewZapLogger(opts...)

	// Create the aggregation service
	svc, err := aggregator.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build service", logging.Error(err))
		os.Exit(1)
	}
	defer svc.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Fetch current tickers across the configured exchanges
	logger.Info("fetching tickers")
	tickers, err := svc.GetTickerData(ctx, []interfaces.Symbol{"BTC/USDT", "ETH/USDT"})
	if err != nil {
		logger.Error("failed to get tickers", logging.Error(err))
		os.Exit(1)
	}
	for _, t := range tickers {
		logger.Info("ticker",
			logging.String("symbol", string(t.Symbol)),
			logging.Float64("price", t.Price),
			logging.Float64("change_24h_pct", t.ChangePercent24h),
			logging.Float64("volume_24h", t.Volume24h),
		)
	}

	// Fetch a candlestick window
	logger.Info("fetching candles")
	candles, err := svc.GetCandlestickData(ctx, "BTC/USDT", "1h", 24)
	if err != nil {
		logger.Error("failed to get candles", logging.Error(err))
		os.Exit(1)
	}
	for _, bar := range candles {
		logger.Info("candle",
			logging.String("symbol", string(bar.Symbol)),
			logging.Time("open_time", bar.OpenTime),
			logging.Float64("open", bar.Open),
			logging.Float64("close", bar.Close),
			logging.Float64("volume", bar.Volume),
		)
	}

	// Subscribe to real-time ticker updates
	logger.Info("subscribing to ticker updates")
	unsubTickers, err := svc.SubscribeToRealTimeUpdates(
		[]interfaces.Symbol{"BTC/USDT", "ETH/USDT"},
		func(t interfaces.TickerSnapshot) {
			logger.Info("ticker update",
				logging.String("symbol", string(t.Symbol)),
				logging.Float64("price", t.Price),
				logging.Float64("volume_24h", t.Volume24h),
			)
		})
	if err != nil {
		logger.Error("failed to subscribe to tickers", logging.Error(err))
		os.Exit(1)
	}
	defer unsubTickers()

	// Subscribe to live one-minute candles
	logger.Info("subscribing to candle updates")
	unsubCandles, err := svc.SubscribeToCandleUpdates("BTC/USDT", "1m",
		func(bar interfaces.CandleBar) {
			logger.Info("candle update",
				logging.String("symbol", string(bar.Symbol)),
				logging.Time("open_time", bar.OpenTime),
				logging.Float64("close", bar.Close),
			)
		})
	if err != nil {
		logger.Error("failed to subscribe to candles", logging.Error(err))
		os.Exit(1)
	}
	defer unsubCandles()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("streaming... press Ctrl+C to exit",
		logging.Bool("connected", svc.IsConnectedToRealTimeData()))
	<-sigChan

	logger.Info("shutting down")
}
