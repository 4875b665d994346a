// Package coinbase implements the exchange adapter for the Coinbase Exchange
// API. The 24h summary is assembled from two REST endpoints, and real-time
// data arrives over a single feed socket driven by subscribe frames.
package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/quantboard/marketdata/pkg/common"
	"github.com/quantboard/marketdata/pkg/exchanges/interfaces"
	"github.com/quantboard/marketdata/pkg/logging"
)

const (
	defaultRESTURL = "https://api.exchange.coinbase.com"
	defaultWSURL   = "wss://ws-feed.exchange.coinbase.com"

	Name = "coinbase"
)

// granularities maps canonical intervals onto Coinbase candle granularity
// seconds. Coinbase offers no 30m or 4h granularity, so those intervals are
// rejected and the caller fails over to an exchange that has them.
var granularities = map[string]int{
	"1m":  60,
	"5m":  300,
	"15m": 900,
	"1h":  3600,
	"1d":  86400,
}

// Adapter talks to the Coinbase Exchange API.
type Adapter struct {
	restURL string
	wsURL   string
	http    common.HTTPClient
	logger  logging.Logger
}

// New creates a Coinbase adapter. Empty URLs select the production
// endpoints; a nil client gets the default paced HTTP client.
func New(restURL, wsURL string, httpClient common.HTTPClient, logger logging.Logger) *Adapter {
	if restURL == "" {
		restURL = defaultRESTURL
	}
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	if httpClient == nil {
		httpClient = common.NewHTTPClient(nil)
	}
	return &Adapter{
		restURL: strings.TrimSuffix(restURL, "/"),
		wsURL:   strings.TrimSuffix(wsURL, "/"),
		http:    httpClient,
		logger:  logging.OrNop(logger),
	}
}

func (a *Adapter) Name() string { return Name }

// FormatSymbol converts "BTC/USD" into Coinbase's "BTC-USD" product id.
func (a *Adapter) FormatSymbol(symbol interfaces.Symbol) string {
	return symbol.Base() + "-" + symbol.Quote()
}

// ParseSymbol converts a product id like "BTC-USD" back into canonical form.
func (a *Adapter) ParseSymbol(raw string) interfaces.Symbol {
	base, quote, found := strings.Cut(strings.ToUpper(raw), "-")
	if !found || base == "" || quote == "" {
		return interfaces.Symbol(raw)
	}
	return interfaces.Symbol(base + "/" + quote)
}

// productTicker is the /products/{id}/ticker response.
type productTicker struct {
	Price  string `json:"price"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Volume string `json:"volume"`
	Time   string `json:"time"`
}

// productStats is the /products/{id}/stats response with 24h aggregates.
type productStats struct {
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Volume string `json:"volume"`
	Last   string `json:"last"`
}

// FetchTicker implements interfaces.Adapter. Coinbase splits the 24h summary
// across the ticker and stats endpoints, so one snapshot costs two requests.
func (a *Adapter) FetchTicker(ctx context.Context, symbol interfaces.Symbol) (*interfaces.TickerSnapshot, error) {
	if !symbol.Valid() {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidSymbol, symbol)
	}
	product := a.FormatSymbol(symbol)

	var ticker productTicker
	if err := a.http.GetJSON(ctx, fmt.Sprintf("%s/products/%s/ticker", a.restURL, product), &ticker); err != nil {
		return nil, a.classify("ticker", err)
	}
	var stats productStats
	if err := a.http.GetJSON(ctx, fmt.Sprintf("%s/products/%s/stats", a.restURL, product), &stats); err != nil {
		return nil, a.classify("stats", err)
	}

	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return nil, interfaces.NewParseError(Name, "unparsable last price", err)
	}

	open := lenientFloat(stats.Open)
	change := 0.0
	changePercent := 0.0
	if open > 0 {
		change = price - open
		changePercent = change / open * 100
	}

	timestamp := time.Now()
	if parsed, err := time.Parse(time.RFC3339, ticker.Time); err == nil {
		timestamp = parsed
	}

	return &interfaces.TickerSnapshot{
		Symbol:           symbol,
		Price:            price,
		Change24h:        change,
		ChangePercent24h: changePercent,
		Volume24h:        lenientFloat(stats.Volume),
		High24h:          lenientFloat(stats.High),
		Low24h:           lenientFloat(stats.Low),
		Bid:              lenientFloat(ticker.Bid),
		Ask:              lenientFloat(ticker.Ask),
		Timestamp:        timestamp,
		LastUpdate:       time.Now(),
	}, nil
}

// FetchCandles implements interfaces.Adapter. Coinbase returns positional
// rows [time, low, high, open, close, volume] with the newest bar first;
// they are reordered oldest-first here.
func (a *Adapter) FetchCandles(ctx context.Context, symbol interfaces.Symbol, interval string, limit int) ([]interfaces.CandleBar, error) {
	if !symbol.Valid() {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidSymbol, symbol)
	}
	granularity, ok := granularities[interval]
	if !ok {
		return nil, fmt.Errorf("%w: %q not offered by %s", interfaces.ErrInvalidInterval, interval, Name)
	}
	if limit <= 0 {
		limit = 100
	}

	url := fmt.Sprintf("%s/products/%s/candles?granularity=%d", a.restURL, a.FormatSymbol(symbol), granularity)
	var rows [][]float64
	if err := a.http.GetJSON(ctx, url, &rows); err != nil {
		return nil, a.classify("candles", err)
	}

	bars := make([]interfaces.CandleBar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, interfaces.NewParseError(Name,
				fmt.Sprintf("candle row has %d fields, want 6", len(row)), nil)
		}
		bar := interfaces.CandleBar{
			Symbol:   symbol,
			OpenTime: time.Unix(int64(row[0]), 0),
			Low:      row[1],
			High:     row[2],
			Open:     row[3],
			Close:    row[4],
			Volume:   row[5],
		}
		if err := bar.Validate(); err != nil {
			a.logger.Warn("dropping invalid candle",
				logging.String("exchange", Name),
				logging.String("symbol", string(symbol)),
				logging.Error(err),
			)
			continue
		}
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// subscribeRequest is the frame sent after the feed socket opens.
type subscribeRequest struct {
	Type     string             `json:"type"`
	Channels []subscribeChannel `json:"channels"`
}

type subscribeChannel struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

// BuildStream implements interfaces.Adapter. Coinbase has no candle feed;
// candle subscriptions are refused so the caller can fall back to another
// exchange or to REST polling.
func (a *Adapter) BuildStream(req interfaces.StreamRequest) (*interfaces.StreamSpec, error) {
	if req.Channel != interfaces.ChannelTicker {
		return nil, fmt.Errorf("%w: %s offers no %q feed", interfaces.ErrNoStreamSupport, Name, req.Channel)
	}
	if len(req.Symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols requested", interfaces.ErrInvalidSymbol)
	}

	products := make([]string, 0, len(req.Symbols))
	for _, symbol := range req.Symbols {
		if !symbol.Valid() {
			return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidSymbol, symbol)
		}
		products = append(products, a.FormatSymbol(symbol))
	}
	sort.Strings(products)

	frame, err := json.Marshal(subscribeRequest{
		Type:     "subscribe",
		Channels: []subscribeChannel{{Name: "ticker", ProductIDs: products}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling subscribe frame: %w", err)
	}

	return &interfaces.StreamSpec{
		URL:           a.wsURL,
		Subscriptions: [][]byte{frame},
	}, nil
}

// wsTicker is a "ticker" message from the feed.
type wsTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Open24h   string `json:"open_24h"`
	Volume24h string `json:"volume_24h"`
	Low24h    string `json:"low_24h"`
	High24h   string `json:"high_24h"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Time      string `json:"time"`
}

// ParseStreamMessage implements interfaces.Adapter.
func (a *Adapter) ParseStreamMessage(raw []byte) (*interfaces.StreamUpdate, error) {
	var head struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, interfaces.NewParseError(Name, "malformed feed frame", err)
	}

	switch head.Type {
	case "ticker":
		return a.parseTicker(raw)
	case "error":
		// The feed reports subscribe mistakes in-band; surface them in the
		// log but keep the connection alive.
		a.logger.Warn("feed error message",
			logging.String("exchange", Name),
			logging.String("message", head.Message),
		)
		return &interfaces.StreamUpdate{}, nil
	default:
		// "subscriptions", "heartbeat" and friends carry no market data.
		return &interfaces.StreamUpdate{}, nil
	}
}

func (a *Adapter) parseTicker(raw []byte) (*interfaces.StreamUpdate, error) {
	var event wsTicker
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, interfaces.NewParseError(Name, "malformed ticker message", err)
	}
	symbol := a.ParseSymbol(event.ProductID)
	if !symbol.Valid() {
		return nil, interfaces.NewParseError(Name, "unknown product "+event.ProductID, nil)
	}
	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil {
		return nil, interfaces.NewParseError(Name, "unparsable last price", err)
	}

	open := lenientFloat(event.Open24h)
	change := 0.0
	changePercent := 0.0
	if open > 0 {
		change = price - open
		changePercent = change / open * 100
	}

	timestamp := time.Now()
	if parsed, err := time.Parse(time.RFC3339, event.Time); err == nil {
		timestamp = parsed
	}

	return &interfaces.StreamUpdate{
		Ticker: &interfaces.TickerSnapshot{
			Symbol:           symbol,
			Price:            price,
			Change24h:        change,
			ChangePercent24h: changePercent,
			Volume24h:        lenientFloat(event.Volume24h),
			High24h:          lenientFloat(event.High24h),
			Low24h:           lenientFloat(event.Low24h),
			Bid:              lenientFloat(event.BestBid),
			Ask:              lenientFloat(event.BestAsk),
			Timestamp:        timestamp,
			LastUpdate:       time.Now(),
		},
	}, nil
}

func (a *Adapter) classify(op string, err error) error {
	var decodeErr *common.DecodeError
	if errors.As(err, &decodeErr) {
		return interfaces.NewParseError(Name, op+" response undecodable", err)
	}
	return interfaces.NewTransportError(Name, op, err)
}

func lenientFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
