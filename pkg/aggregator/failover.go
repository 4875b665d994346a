package aggregator

import (
	"context"
	"fmt"

	"github.com/quantboard/marketdata/pkg/exchanges/interfaces"
	"github.com/quantboard/marketdata/pkg/logging"
)

// GetTickerData returns the current 24h summary for each requested symbol.
// Fresh cache entries are served without touching any exchange; misses are
// resolved over REST with failover. Symbols that cannot be resolved anywhere
// are omitted from the result and logged, never filled with synthetic
// values, so a shorter result slice is the caller's signal that data is
// missing.
func (s *Service) GetTickerData(ctx context.Context, symbols []interfaces.Symbol) ([]interfaces.TickerSnapshot, error) {
	out := make([]interfaces.TickerSnapshot, 0, len(symbols))
	for _, raw := range symbols {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		sym, ok := interfaces.NormalizeSymbol(string(raw))
		if !ok {
			// Unrecognized symbols pass through unchanged; whether any
			// exchange can serve them is decided by the adapters.
			s.logger.Warn("unrecognized symbol format, passing through",
				logging.String("symbol", string(raw)))
		}

		snapshot, err := s.resolveTicker(ctx, sym)
		if err != nil {
			if ctx.Err() != nil {
				return out, err
			}
			s.logger.Warn("symbol unresolved on every exchange",
				logging.String("symbol", string(sym)),
				logging.Error(err),
			)
			continue
		}
		out = append(out, *snapshot)
	}
	return out, nil
}

// resolveTicker serves one symbol: cache first, then the preference-order
// walk. Within one resolution attempt each exchange is tried at most once;
// retrying happens implicitly on the next call, against whichever exchanges
// answer then.
func (s *Service) resolveTicker(ctx context.Context, sym interfaces.Symbol) (*interfaces.TickerSnapshot, error) {
	if cached, ok := s.tickers.Get(string(sym)); ok {
		return &cached, nil
	}

	attempts := make([]interfaces.ExchangeAttempt, 0, len(s.order))
	for _, name := range s.order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.window.Allow(name) {
			s.logger.Debug("request window exhausted, skipping exchange",
				logging.String("exchange", name),
				logging.String("symbol", string(sym)),
			)
			attempts = append(attempts, interfaces.ExchangeAttempt{Exchange: name, Err: interfaces.ErrRateLimitExceeded})
			continue
		}

		snapshot, err := s.adapters[name].FetchTicker(ctx, sym)
		if err != nil {
			s.logger.Warn("ticker fetch failed, trying next exchange",
				logging.String("exchange", name),
				logging.String("symbol", string(sym)),
				logging.Error(err),
			)
			attempts = append(attempts, interfaces.ExchangeAttempt{Exchange: name, Err: err})
			continue
		}

		s.tickers.Set(string(sym), *snapshot)
		return snapshot, nil
	}
	return nil, &interfaces.AllExchangesFailedError{Symbol: sym, Attempts: attempts}
}

// GetCandlestickData returns up to limit historical bars for one symbol and
// interval, oldest first. Windows are cached whole, keyed by symbol,
// interval and limit; a fresh window is served from cache without touching
// any exchange.
func (s *Service) GetCandlestickData(ctx context.Context, symbol interfaces.Symbol, interval string, limit int) ([]interfaces.CandleBar, error) {
	sym, ok := interfaces.NormalizeSymbol(string(symbol))
	if !ok {
		s.logger.Warn("unrecognized symbol format, passing through",
			logging.String("symbol", string(symbol)))
	}
	if !interfaces.ValidInterval(interval) {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidInterval, interval)
	}
	if limit <= 0 {
		limit = 100
	}

	key := candleKey(sym, interval, limit)
	if cached, ok := s.candles.Get(key); ok {
		return cached, nil
	}

	attempts := make([]interfaces.ExchangeAttempt, 0, len(s.order))
	for _, name := range s.order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.window.Allow(name) {
			s.logger.Debug("request window exhausted, skipping exchange",
				logging.String("exchange", name),
				logging.String("symbol", string(sym)),
			)
			attempts = append(attempts, interfaces.ExchangeAttempt{Exchange: name, Err: interfaces.ErrRateLimitExceeded})
			continue
		}

		bars, err := s.adapters[name].FetchCandles(ctx, sym, interval, limit)
		if err != nil {
			s.logger.Warn("candle fetch failed, trying next exchange",
				logging.String("exchange", name),
				logging.String("symbol", string(sym)),
				logging.String("interval", interval),
				logging.Error(err),
			)
			attempts = append(attempts, interfaces.ExchangeAttempt{Exchange: name, Err: err})
			continue
		}

		s.candles.Set(key, bars)
		return bars, nil
	}
	return nil, &interfaces.AllExchangesFailedError{Symbol: sym, Attempts: attempts}
}

func candleKey(sym interfaces.Symbol, interval string, limit int) string {
	return fmt.Sprintf("%s|%s|%d", sym, interval, limit)
}
