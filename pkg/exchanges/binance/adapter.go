// Package binance implements the exchange adapter for the Binance spot API.
// It translates between Binance wire formats (REST 24hr ticker and klines,
// combined-stream websocket payloads) and the canonical data model.
package binance

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
	defaultRESTURL = "https://api.binance.com"
	defaultWSURL   = "wss://stream.binance.com:9443"

	// Name is the exchange identifier used in configuration and logs.
	Name = "binance"
)

// quoteAssets lists the quote currencies recognized when splitting a native
// pair name like "BTCUSDT". Longer suffixes come first so "FDUSD" wins over
// "USD".
var quoteAssets = []string{
	"FDUSD", "USDT", "USDC", "BUSD", "TUSD",
	"BTC", "ETH", "BNB", "EUR", "GBP", "TRY", "BRL", "USD",
}

// Adapter talks to the Binance spot API.
//
// Example:
//
//	adapter := binance.New("", "", nil, logger)
//	ticker, err := adapter.FetchTicker(ctx, "BTC/USDT")
type Adapter struct {
	restURL string
	wsURL   string
	http    common.HTTPClient
	logger  logging.Logger
}

// New creates a Binance adapter. Empty URLs select the production endpoints;
// a nil client gets the default paced HTTP client.
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

// Name implements interfaces.Adapter.
func (a *Adapter) Name() string { return Name }

// FormatSymbol converts "BTC/USDT" into Binance's "BTCUSDT".
func (a *Adapter) FormatSymbol(symbol interfaces.Symbol) string {
	return symbol.Base() + symbol.Quote()
}

// ParseSymbol splits a native pair name like "BTCUSDT" into the canonical
// form by matching known quote assets. Unknown pairs come back invalid, in
// their raw form.
func (a *Adapter) ParseSymbol(raw string) interfaces.Symbol {
	name := strings.ToUpper(raw)
	for _, quote := range quoteAssets {
		base, found := strings.CutSuffix(name, quote)
		if found && base != "" {
			return interfaces.Symbol(base + "/" + quote)
		}
	}
	return interfaces.Symbol(raw)
}

// ticker24h is the /api/v3/ticker/24hr response. Binance reports every price
// as a decimal string.
type ticker24h struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	CloseTime          int64  `json:"closeTime"`
}

// FetchTicker implements interfaces.Adapter.
func (a *Adapter) FetchTicker(ctx context.Context, symbol interfaces.Symbol) (*interfaces.TickerSnapshot, error) {
	if !symbol.Valid() {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidSymbol, symbol)
	}

	url := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", a.restURL, a.FormatSymbol(symbol))
	var payload ticker24h
	if err := a.http.GetJSON(ctx, url, &payload); err != nil {
		return nil, a.classify("ticker", err)
	}

	price, err := strconv.ParseFloat(payload.LastPrice, 64)
	if err != nil {
		return nil, interfaces.NewParseError(Name, "unparsable last price", err)
	}

	return &interfaces.TickerSnapshot{
		Symbol:           symbol,
		Price:            price,
		Change24h:        lenientFloat(payload.PriceChange),
		ChangePercent24h: lenientFloat(payload.PriceChangePercent),
		Volume24h:        lenientFloat(payload.Volume),
		High24h:          lenientFloat(payload.HighPrice),
		Low24h:           lenientFloat(payload.LowPrice),
		Bid:              lenientFloat(payload.BidPrice),
		Ask:              lenientFloat(payload.AskPrice),
		Timestamp:        time.UnixMilli(payload.CloseTime),
		LastUpdate:       time.Now(),
	}, nil
}

// FetchCandles implements interfaces.Adapter. Binance klines arrive as
// positional arrays, oldest bar first, prices as strings.
func (a *Adapter) FetchCandles(ctx context.Context, symbol interfaces.Symbol, interval string, limit int) ([]interfaces.CandleBar, error) {
	if !symbol.Valid() {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidSymbol, symbol)
	}
	// Canonical interval names match Binance's own kline intervals.
	if !interfaces.ValidInterval(interval) {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidInterval, interval)
	}
	if limit <= 0 {
		limit = 100
	}

	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&limit=%d",
		a.restURL, a.FormatSymbol(symbol), interval, limit)
	var rows [][]any
	if err := a.http.GetJSON(ctx, url, &rows); err != nil {
		return nil, a.classify("candles", err)
	}

	bars := make([]interfaces.CandleBar, 0, len(rows))
	for _, row := range rows {
		bar, err := klineBar(symbol, row)
		if err != nil {
			return nil, interfaces.NewParseError(Name, "malformed kline row", err)
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
	return bars, nil
}

// klineBar decodes one positional kline row:
// [openTime, open, high, low, close, volume, closeTime, ...].
func klineBar(symbol interfaces.Symbol, row []any) (interfaces.CandleBar, error) {
	if len(row) < 6 {
		return interfaces.CandleBar{}, fmt.Errorf("kline row has %d fields, want at least 6", len(row))
	}
	openTime, ok := row[0].(float64)
	if !ok {
		return interfaces.CandleBar{}, fmt.Errorf("kline open time is %T, want number", row[0])
	}

	prices := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		s, ok := row[i].(string)
		if !ok {
			return interfaces.CandleBar{}, fmt.Errorf("kline field %d is %T, want string", i, row[i])
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return interfaces.CandleBar{}, fmt.Errorf("kline field %d: %w", i, err)
		}
		prices[i-1] = v
	}

	return interfaces.CandleBar{
		Symbol:   symbol,
		OpenTime: time.UnixMilli(int64(openTime)),
		Open:     prices[0],
		High:     prices[1],
		Low:      prices[2],
		Close:    prices[3],
		Volume:   prices[4],
	}, nil
}

// BuildStream implements interfaces.Adapter. Binance encodes every requested
// stream in the combined-stream URL, so no subscription frames are needed.
func (a *Adapter) BuildStream(req interfaces.StreamRequest) (*interfaces.StreamSpec, error) {
	if len(req.Symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols requested", interfaces.ErrInvalidSymbol)
	}

	var suffix string
	switch req.Channel {
	case interfaces.ChannelTicker:
		suffix = "@ticker"
	case interfaces.ChannelCandles:
		if !interfaces.ValidInterval(req.Interval) {
			return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidInterval, req.Interval)
		}
		suffix = "@kline_" + req.Interval
	default:
		return nil, fmt.Errorf("%w: %q", interfaces.ErrNoStreamSupport, req.Channel)
	}

	streams := make([]string, 0, len(req.Symbols))
	for _, symbol := range req.Symbols {
		if !symbol.Valid() {
			return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidSymbol, symbol)
		}
		streams = append(streams, strings.ToLower(a.FormatSymbol(symbol))+suffix)
	}
	sort.Strings(streams)

	return &interfaces.StreamSpec{
		URL: a.wsURL + "/stream?streams=" + strings.Join(streams, "/"),
	}, nil
}

// streamEnvelope wraps every combined-stream payload.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wsTicker is the <symbol>@ticker event payload.
type wsTicker struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	PriceChange  string `json:"p"`
	PricePercent string `json:"P"`
	LastPrice    string `json:"c"`
	BestBid      string `json:"b"`
	BestAsk      string `json:"a"`
	HighPrice    string `json:"h"`
	LowPrice     string `json:"l"`
	Volume       string `json:"v"`
}

// wsKline is the <symbol>@kline_<interval> event payload.
type wsKline struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime int64  `json:"t"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
	} `json:"k"`
}

// ParseStreamMessage implements interfaces.Adapter.
func (a *Adapter) ParseStreamMessage(raw []byte) (*interfaces.StreamUpdate, error) {
	var envelope streamEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, interfaces.NewParseError(Name, "malformed stream frame", err)
	}
	// Subscription acks and other control frames have no stream envelope.
	if envelope.Stream == "" || len(envelope.Data) == 0 {
		return &interfaces.StreamUpdate{}, nil
	}

	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(envelope.Data, &head); err != nil {
		return nil, interfaces.NewParseError(Name, "malformed stream payload", err)
	}

	switch head.Event {
	case "24hrTicker":
		return a.parseTickerEvent(envelope.Data)
	case "kline":
		return a.parseKlineEvent(envelope.Data)
	default:
		return &interfaces.StreamUpdate{}, nil
	}
}

func (a *Adapter) parseTickerEvent(data []byte) (*interfaces.StreamUpdate, error) {
	var event wsTicker
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, interfaces.NewParseError(Name, "malformed ticker event", err)
	}
	symbol := a.ParseSymbol(event.Symbol)
	if !symbol.Valid() {
		return nil, interfaces.NewParseError(Name, "unknown pair "+event.Symbol, nil)
	}
	price, err := strconv.ParseFloat(event.LastPrice, 64)
	if err != nil {
		return nil, interfaces.NewParseError(Name, "unparsable last price", err)
	}

	return &interfaces.StreamUpdate{
		Ticker: &interfaces.TickerSnapshot{
			Symbol:           symbol,
			Price:            price,
			Change24h:        lenientFloat(event.PriceChange),
			ChangePercent24h: lenientFloat(event.PricePercent),
			Volume24h:        lenientFloat(event.Volume),
			High24h:          lenientFloat(event.HighPrice),
			Low24h:           lenientFloat(event.LowPrice),
			Bid:              lenientFloat(event.BestBid),
			Ask:              lenientFloat(event.BestAsk),
			Timestamp:        time.UnixMilli(event.EventTime),
			LastUpdate:       time.Now(),
		},
	}, nil
}

func (a *Adapter) parseKlineEvent(data []byte) (*interfaces.StreamUpdate, error) {
	var event wsKline
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, interfaces.NewParseError(Name, "malformed kline event", err)
	}
	symbol := a.ParseSymbol(event.Symbol)
	if !symbol.Valid() {
		return nil, interfaces.NewParseError(Name, "unknown pair "+event.Symbol, nil)
	}

	bar := interfaces.CandleBar{
		Symbol:   symbol,
		OpenTime: time.UnixMilli(event.Kline.StartTime),
		Open:     lenientFloat(event.Kline.Open),
		High:     lenientFloat(event.Kline.High),
		Low:      lenientFloat(event.Kline.Low),
		Close:    lenientFloat(event.Kline.Close),
		Volume:   lenientFloat(event.Kline.Volume),
	}
	if err := bar.Validate(); err != nil {
		return nil, interfaces.NewParseError(Name, "invalid candle in stream", err)
	}
	return &interfaces.StreamUpdate{Candle: &bar}, nil
}

// classify maps client failures onto the adapter error taxonomy: decode
// problems become parse errors, everything else counts as transport.
func (a *Adapter) classify(op string, err error) error {
	var decodeErr *common.DecodeError
	if errors.As(err, &decodeErr) {
		return interfaces.NewParseError(Name, op+" response undecodable", err)
	}
	return interfaces.NewTransportError(Name, op, err)
}

// lenientFloat parses optional decimal-string fields, mapping anything
// unparsable to zero. Consumers tolerate zero-valued optional statistics.
func lenientFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
