// Package marketdata aggregates cryptocurrency market data from multiple
// exchanges behind one API.
//
// Applications ask for tickers, candlestick windows, and real-time updates by
// canonical symbol ("BTC/USDT") and never deal with exchange-specific symbol
// spellings, REST endpoints, or websocket framing. The aggregation layer
// resolves every request against a configurable preference order of
// exchanges, fails over when one is down or over its rate budget, and caches
// results so repeated reads cost nothing.
//
// Core Features:
//
//   - One API over Binance, Coinbase, and Kraken market data
//   - Ticker snapshots and candlestick windows over REST
//   - Real-time ticker and candle updates over shared websocket connections
//   - Automatic reconnection with exponential backoff
//   - Cache-first reads with per-exchange rate limiting and failover
//
// The entry point is the aggregator package:
//
//	cfg := config.Default()
//	logger := logging.NewZapLogger()
//
//	svc, err := aggregator.New(cfg, logger)
//	if err != nil {
//	    log.Fatalf("failed to build service: %v", err)
//	}
//	defer svc.Disconnect()
//
// # Standard Errors
//
// The interfaces package defines the errors shared by every exchange adapter
// and by the aggregation layer:
//
//   - ErrInvalidSymbol: the symbol is not a recognizable trading pair
//
//   - ErrInvalidInterval: the candle interval is not one of the canonical set
//     (1m, 5m, 15m, 30m, 1h, 4h, 1d)
//
//   - ErrInvalidCandle: a candle violates Low <= Open, Close <= High
//
//   - ErrRateLimitExceeded: the exchange's request window is exhausted
//
//   - ErrNoStreamSupport: no enabled exchange can stream the requested channel
//
//   - ErrNotConnected: a subscription was attempted after Disconnect
//
//   - ErrSubscriptionNotFound: an unsubscribe referenced an unknown handle
//
// Failed network calls surface as *TransportError, malformed exchange payloads
// as *ParseError, and a read that exhausted every exchange as
// *AllExchangesFailedError, which names each exchange tried and why it was
// skipped.
//
// # Ticker Examples
//
// Reading current tickers for several pairs at once:
//
//	tickers, err := svc.GetTickerData(ctx, []interfaces.Symbol{"BTC/USDT", "ETH/USDT"})
//	if err != nil {
//	    log.Fatalf("failed to get tickers: %v", err)
//	}
//	for _, t := range tickers {
//	    fmt.Printf("%s: $%.2f (%+.2f%%)\n", t.Symbol, t.Price, t.ChangePercent24h)
//	}
//
// Symbols that cannot be resolved on any exchange are omitted from the result
// rather than reported with zeroed prices; check the returned slice when you
// need to know which symbols resolved.
//
// Subscribing to real-time ticker updates:
//
//	unsubscribe, err := svc.SubscribeToRealTimeUpdates(
//	    []interfaces.Symbol{"BTC/USDT"},
//	    func(t interfaces.TickerSnapshot) {
//	        fmt.Printf("%s: $%.2f\n", t.Symbol, t.Price)
//	    })
//	if err != nil {
//	    log.Fatalf("subscription failed: %v", err)
//	}
//	defer unsubscribe()
//
// Updates arrive in exchange order per connection, and concurrent
// subscriptions to the same stream share a single websocket.
//
// # Candle Examples
//
// Getting a historical candlestick window:
//
//	candles, err := svc.GetCandlestickData(ctx, "BTC/USDT", "1h", 24)
//	if err != nil {
//	    switch {
//	    case errors.Is(err, interfaces.ErrInvalidSymbol):
//	        log.Fatalf("invalid trading pair")
//	    case errors.Is(err, interfaces.ErrInvalidInterval):
//	        log.Fatalf("invalid candle interval")
//	    default:
//	        log.Fatalf("failed to get candles: %v", err)
//	    }
//	}
//	for _, bar := range candles {
//	    fmt.Printf("%s | O: %.2f H: %.2f L: %.2f C: %.2f V: %.2f\n",
//	        bar.OpenTime.Format("15:04"),
//	        bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
//	}
//
// Windows are returned oldest first regardless of the order the exchange
// reports, and bars that violate basic OHLC consistency are dropped.
//
// Subscribing to live candles:
//
//	unsubscribe, err := svc.SubscribeToCandleUpdates("BTC/USDT", "1m",
//	    func(bar interfaces.CandleBar) {
//	        fmt.Printf("close: %.2f volume: %.2f\n", bar.Close, bar.Volume)
//	    })
//
// Exchanges that cannot stream a channel are skipped in preference order;
// Coinbase, for example, has no public candle feed, so candle subscriptions
// configured with Coinbase first land on the next capable exchange.
package marketdata
