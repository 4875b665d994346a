// Package aggregator is the public face of the market-data layer. It owns
// the exchange adapters, the response caches, the per-exchange request
// windows and the websocket plumbing, and exposes a small API the rest of
// the application consumes: bulk ticker reads, candlestick windows and
// real-time subscriptions.
//
// Reads are cache-first. A miss walks the configured exchanges in preference
// order and the first healthy answer wins; exchanges whose request window is
// exhausted are skipped outright, never waited on. Real-time subscriptions
// ride shared websocket connections, one per distinct stream, revived
// automatically after drops.
package aggregator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/quantboard/marketdata/pkg/cache"
	"github.com/quantboard/marketdata/pkg/common"
	"github.com/quantboard/marketdata/pkg/config"
	"github.com/quantboard/marketdata/pkg/exchanges"
	"github.com/quantboard/marketdata/pkg/exchanges/interfaces"
	"github.com/quantboard/marketdata/pkg/logging"
	"github.com/quantboard/marketdata/pkg/ratelimit"
	"github.com/quantboard/marketdata/pkg/websocket"
)

// Service aggregates market data from the configured exchanges behind one
// API. Create it with New, stop it with Disconnect.
type Service struct {
	cfg    *config.Config
	logger logging.Logger

	adapters map[string]interfaces.Adapter
	order    []string

	window  *ratelimit.WindowLimiter
	tickers *cache.Store[interfaces.TickerSnapshot]
	candles *cache.Store[[]interfaces.CandleBar]

	manager  *websocket.Manager
	registry *websocket.Registry

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a Service from the configuration. Every enabled exchange in
// the preference list gets its own adapter and its own paced HTTP client, so
// one slow exchange cannot stall requests to the others. A nil cfg uses
// Default.
func New(cfg *config.Config, logger logging.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger = logging.OrNop(logger)

	enabled := cfg.EnabledPreference()
	if len(enabled) == 0 {
		return nil, errors.New("no exchanges enabled")
	}

	// Verbose at debug level escalates to full wire dumps.
	dumpTraffic := cfg.HTTP.Verbose && logging.ParseLevel(cfg.LogLevel) == logging.DEBUG

	adapters := make([]interfaces.Adapter, 0, len(enabled))
	for _, name := range enabled {
		ec := cfg.Exchanges[name]
		clientCfg := &common.ClientConfig{
			Timeout: cfg.HTTP.Timeout(),
			RateLimit: ratelimit.Rate{
				Limit:    int(ec.RequestsPerSecond),
				Interval: time.Second,
			},
			Verbose: cfg.HTTP.Verbose,
			Logger:  logger,
		}
		var client common.HTTPClient
		if dumpTraffic {
			client = common.NewDebugHTTPClient(&common.DebugClientConfig{
				ClientConfig:    clientCfg,
				LogResponseBody: true,
			})
		} else {
			client = common.NewHTTPClient(clientCfg)
		}
		adapter, err := exchanges.New(name, ec.RESTURL, ec.WSURL, client, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	return assemble(cfg, logger, clock.New(), adapters), nil
}

// assemble wires a Service from ready-made adapters. Split from New so tests
// can inject scripted adapters and a mock clock.
func assemble(cfg *config.Config, logger logging.Logger, clk clock.Clock, adapters []interfaces.Adapter) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		adapters: make(map[string]interfaces.Adapter, len(adapters)),
		window:   ratelimit.NewWindowLimiter(clk),
		tickers:  cache.NewStore[interfaces.TickerSnapshot](cfg.Cache.TickerTTL(), cfg.Cache.SweepInterval(), clk, logger),
		candles:  cache.NewStore[[]interfaces.CandleBar](cfg.Cache.CandleTTL(), cfg.Cache.SweepInterval(), clk, logger),
	}
	s.manager = websocket.NewManager(websocket.Config{
		HeartbeatInterval:    cfg.WebSocket.Heartbeat(),
		ReconnectBase:        cfg.WebSocket.ReconnectBase(),
		MaxReconnectAttempts: cfg.WebSocket.MaxReconnectAttempts,
	}, logger)
	s.registry = websocket.NewRegistry(s.manager, logger)

	for _, adapter := range adapters {
		name := adapter.Name()
		s.adapters[name] = adapter
		s.order = append(s.order, name)
		if ec, ok := cfg.Exchanges[name]; ok {
			s.window.Register(name, ec.RequestsPerSecond, ec.Burst)
		}
	}

	logger.Info("market data service ready",
		logging.Any("exchanges", s.order),
		logging.Duration("ticker_ttl", cfg.Cache.TickerTTL()),
		logging.Duration("candle_ttl", cfg.Cache.CandleTTL()),
	)
	return s
}

// SubscribeToRealTimeUpdates streams live ticker snapshots for the given
// symbols. The callback runs on the connection's read goroutine in arrival
// order; slow callbacks stall only their own stream. The returned function
// cancels the subscription and is safe to call more than once; when the last
// subscriber of a stream leaves, its connection is closed.
func (s *Service) SubscribeToRealTimeUpdates(symbols []interfaces.Symbol, callback func(interfaces.TickerSnapshot)) (func(), error) {
	normalized, err := s.normalizeAll(symbols)
	if err != nil {
		return nil, err
	}

	req := interfaces.StreamRequest{
		Channel: interfaces.ChannelTicker,
		Symbols: normalized,
	}
	return s.subscribe(req, func(update *interfaces.StreamUpdate) {
		if update.Ticker != nil {
			callback(*update.Ticker)
		}
	})
}

// SubscribeToCandleUpdates streams live candle bars for one symbol and
// interval. In-progress bars are delivered as they change; consumers see the
// same bar repeatedly with a growing volume until its interval rolls over.
func (s *Service) SubscribeToCandleUpdates(symbol interfaces.Symbol, interval string, callback func(interfaces.CandleBar)) (func(), error) {
	sym, ok := interfaces.NormalizeSymbol(string(symbol))
	if !ok {
		s.logger.Warn("unrecognized symbol format, passing through",
			logging.String("symbol", string(symbol)))
	}
	if !interfaces.ValidInterval(interval) {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidInterval, interval)
	}

	req := interfaces.StreamRequest{
		Channel:  interfaces.ChannelCandles,
		Symbols:  []interfaces.Symbol{sym},
		Interval: interval,
	}
	return s.subscribe(req, func(update *interfaces.StreamUpdate) {
		if update.Candle != nil {
			callback(*update.Candle)
		}
	})
}

// subscribe resolves the request to the first exchange that can stream it
// and registers the handler on the shared connection.
func (s *Service) subscribe(req interfaces.StreamRequest, handler websocket.Handler) (func(), error) {
	if s.closed.Load() {
		return nil, interfaces.ErrNotConnected
	}

	adapter, spec, err := s.buildStream(req)
	if err != nil {
		return nil, err
	}

	key := adapter.Name() + ":" + req.Key()
	sub, err := s.registry.Subscribe(key, spec, s.sinkFor(adapter, key), handler)
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscribed to stream",
		logging.String("exchange", adapter.Name()),
		logging.String("stream", key),
	)
	return sub.Unsubscribe, nil
}

// buildStream walks the preference order until an exchange can serve the
// requested stream. Capability gaps (no such feed, no such interval) move on
// to the next exchange; anything else is a caller error and stops the walk.
func (s *Service) buildStream(req interfaces.StreamRequest) (interfaces.Adapter, *interfaces.StreamSpec, error) {
	for _, name := range s.order {
		adapter := s.adapters[name]
		spec, err := adapter.BuildStream(req)
		if err != nil {
			if errors.Is(err, interfaces.ErrNoStreamSupport) || errors.Is(err, interfaces.ErrInvalidInterval) {
				s.logger.Debug("exchange cannot stream request",
					logging.String("exchange", name),
					logging.String("channel", string(req.Channel)),
					logging.Error(err),
				)
				continue
			}
			return nil, nil, err
		}
		return adapter, spec, nil
	}
	return nil, nil, fmt.Errorf("%w: no configured exchange streams %q", interfaces.ErrNoStreamSupport, req.Channel)
}

// sinkFor builds the raw-message sink for one stream: parse, write fresh
// tickers through to the cache, fan out to subscribers. Unreadable messages
// are dropped and the connection stays up.
func (s *Service) sinkFor(adapter interfaces.Adapter, key string) websocket.Sink {
	return func(message []byte) {
		update, err := adapter.ParseStreamMessage(message)
		if err != nil {
			s.logger.Warn("dropping unreadable stream message",
				logging.String("exchange", adapter.Name()),
				logging.String("stream", key),
				logging.Error(err),
			)
			return
		}
		if update.Empty() {
			return
		}
		if update.Ticker != nil {
			s.tickers.Set(string(update.Ticker.Symbol), *update.Ticker)
		}
		s.registry.Dispatch(key, update)
	}
}

// IsConnectedToRealTimeData reports whether at least one stream connection
// is currently open.
func (s *Service) IsConnectedToRealTimeData() bool {
	return s.manager.Connected()
}

// Status snapshots every stream connection, keyed by stream. Useful for
// health endpoints and debugging; the map is a copy.
func (s *Service) Status() map[string]websocket.Status {
	return s.manager.Status()
}

// Disconnect drops every subscription, closes every stream connection and
// stops the cache sweepers. Subsequent subscriptions are refused; REST reads
// keep working against live exchanges. Safe to call more than once.
func (s *Service) Disconnect() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.registry.Clear()
		s.manager.CloseAll()
		s.tickers.Close()
		s.candles.Close()
		s.logger.Info("market data service disconnected")
	})
}

// normalizeAll canonicalizes the requested symbols. Unrecognized spellings
// pass through unchanged with a warning; whether an exchange can serve them
// is the adapters' call, not this layer's.
func (s *Service) normalizeAll(symbols []interfaces.Symbol) ([]interfaces.Symbol, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols requested", interfaces.ErrInvalidSymbol)
	}
	out := make([]interfaces.Symbol, 0, len(symbols))
	for _, symbol := range symbols {
		sym, ok := interfaces.NormalizeSymbol(string(symbol))
		if !ok {
			s.logger.Warn("unrecognized symbol format, passing through",
				logging.String("symbol", string(symbol)))
		}
		out = append(out, sym)
	}
	return out, nil
}
