// Package kraken implements the exchange adapter for the Kraken spot API.
//
// Kraken is the odd one out on the wire: Bitcoin trades as XBT, REST results
// come keyed by internal pair names with asset-class prefixes ("XXBTZUSD"),
// and websocket data frames are positional arrays rather than objects. All
// of that stays contained here; everything above the adapter sees canonical
// symbols and typed updates.
package kraken

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
	defaultRESTURL = "https://api.kraken.com"
	defaultWSURL   = "wss://ws.kraken.com"

	Name = "kraken"
)

// intervalMinutes maps canonical intervals onto Kraken OHLC interval
// minutes.
var intervalMinutes = map[string]int{
	"1m":  1,
	"5m":  5,
	"15m": 15,
	"30m": 30,
	"1h":  60,
	"4h":  240,
	"1d":  1440,
}

// quoteAssets lists quote currencies recognized when splitting a native pair
// name like "XBTUSDT".
var quoteAssets = []string{"USDT", "USDC", "USD", "EUR", "GBP", "JPY", "CAD", "AUD", "CHF", "XBT", "ETH"}

// Adapter talks to the Kraken spot API.
type Adapter struct {
	restURL string
	wsURL   string
	http    common.HTTPClient
	logger  logging.Logger
}

// New creates a Kraken adapter. Empty URLs select the production endpoints;
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

func (a *Adapter) Name() string { return Name }

// toKrakenAsset translates canonical asset names into Kraken's.
func toKrakenAsset(asset string) string {
	switch asset {
	case "BTC":
		return "XBT"
	case "DOGE":
		return "XDG"
	}
	return asset
}

// fromKrakenAsset translates Kraken asset names into canonical ones.
func fromKrakenAsset(asset string) string {
	switch asset {
	case "XBT":
		return "BTC"
	case "XDG":
		return "DOGE"
	}
	return asset
}

// FormatSymbol converts "BTC/USD" into the REST pair name "XBTUSD".
func (a *Adapter) FormatSymbol(symbol interfaces.Symbol) string {
	return toKrakenAsset(symbol.Base()) + toKrakenAsset(symbol.Quote())
}

// wsPair converts "BTC/USD" into the websocket pair name "XBT/USD".
func (a *Adapter) wsPair(symbol interfaces.Symbol) string {
	return toKrakenAsset(symbol.Base()) + "/" + toKrakenAsset(symbol.Quote())
}

// ParseSymbol converts any of Kraken's pair spellings back into canonical
// form: "XBT/USD" (websocket), "XBTUSD" (request) and "XXBTZUSD" (the
// asset-class-prefixed result key).
func (a *Adapter) ParseSymbol(raw string) interfaces.Symbol {
	name := strings.ToUpper(raw)
	if base, quote, found := strings.Cut(name, "/"); found && base != "" && quote != "" {
		return canonicalPair(base, quote)
	}
	if len(name) == 8 && name[0] == 'X' && name[4] == 'Z' {
		return canonicalPair(name[1:4], name[5:])
	}
	for _, quote := range quoteAssets {
		if base, found := strings.CutSuffix(name, quote); found && base != "" {
			return canonicalPair(base, quote)
		}
	}
	return interfaces.Symbol(raw)
}

func canonicalPair(base, quote string) interfaces.Symbol {
	return interfaces.Symbol(fromKrakenAsset(base) + "/" + fromKrakenAsset(quote))
}

// tickerEntry is one pair's entry in the /0/public/Ticker result. Fields are
// positional arrays; index 0 holds today's value and index 1 the 24h value
// where both exist.
type tickerEntry struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Close  []string `json:"c"`
	Volume []string `json:"v"`
	High   []string `json:"h"`
	Low    []string `json:"l"`
	Open   string   `json:"o"`
}

// FetchTicker implements interfaces.Adapter. The result arrives keyed by
// Kraken's internal pair name, which differs from the requested one, so the
// first entry is taken rather than looked up.
func (a *Adapter) FetchTicker(ctx context.Context, symbol interfaces.Symbol) (*interfaces.TickerSnapshot, error) {
	if !symbol.Valid() {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidSymbol, symbol)
	}

	url := fmt.Sprintf("%s/0/public/Ticker?pair=%s", a.restURL, a.FormatSymbol(symbol))
	var payload struct {
		Error  []string               `json:"error"`
		Result map[string]tickerEntry `json:"result"`
	}
	if err := a.http.GetJSON(ctx, url, &payload); err != nil {
		return nil, a.classify("ticker", err)
	}
	if len(payload.Error) > 0 {
		return nil, interfaces.NewTransportError(Name, "ticker",
			fmt.Errorf("api error: %s", strings.Join(payload.Error, ", ")))
	}

	var entry tickerEntry
	found := false
	for _, e := range payload.Result {
		entry = e
		found = true
		break
	}
	if !found {
		return nil, interfaces.NewParseError(Name, "empty ticker result", nil)
	}

	price, err := strconv.ParseFloat(first(entry.Close), 64)
	if err != nil {
		return nil, interfaces.NewParseError(Name, "unparsable last price", err)
	}

	open := lenientFloat(entry.Open)
	change := 0.0
	changePercent := 0.0
	if open > 0 {
		change = price - open
		changePercent = change / open * 100
	}

	return &interfaces.TickerSnapshot{
		Symbol:           symbol,
		Price:            price,
		Change24h:        change,
		ChangePercent24h: changePercent,
		Volume24h:        lenientFloat(second(entry.Volume)),
		High24h:          lenientFloat(second(entry.High)),
		Low24h:           lenientFloat(second(entry.Low)),
		Bid:              lenientFloat(first(entry.Bid)),
		Ask:              lenientFloat(first(entry.Ask)),
		Timestamp:        time.Now(),
		LastUpdate:       time.Now(),
	}, nil
}

// FetchCandles implements interfaces.Adapter. OHLC rows are positional
// [time, open, high, low, close, vwap, volume, count], oldest first; the
// result map also carries a "last" pagination cursor that is skipped.
func (a *Adapter) FetchCandles(ctx context.Context, symbol interfaces.Symbol, interval string, limit int) ([]interfaces.CandleBar, error) {
	if !symbol.Valid() {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidSymbol, symbol)
	}
	minutes, ok := intervalMinutes[interval]
	if !ok {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidInterval, interval)
	}
	if limit <= 0 {
		limit = 100
	}

	url := fmt.Sprintf("%s/0/public/OHLC?pair=%s&interval=%d", a.restURL, a.FormatSymbol(symbol), minutes)
	var payload struct {
		Error  []string                   `json:"error"`
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := a.http.GetJSON(ctx, url, &payload); err != nil {
		return nil, a.classify("candles", err)
	}
	if len(payload.Error) > 0 {
		return nil, interfaces.NewTransportError(Name, "candles",
			fmt.Errorf("api error: %s", strings.Join(payload.Error, ", ")))
	}

	var rows [][]any
	for key, rawRows := range payload.Result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(rawRows, &rows); err != nil {
			return nil, interfaces.NewParseError(Name, "malformed ohlc rows", err)
		}
		break
	}

	bars := make([]interfaces.CandleBar, 0, len(rows))
	for _, row := range rows {
		bar, err := ohlcBar(symbol, row)
		if err != nil {
			return nil, interfaces.NewParseError(Name, "malformed ohlc row", err)
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

func ohlcBar(symbol interfaces.Symbol, row []any) (interfaces.CandleBar, error) {
	if len(row) < 7 {
		return interfaces.CandleBar{}, fmt.Errorf("ohlc row has %d fields, want at least 7", len(row))
	}
	values := make([]float64, 7)
	for i := 0; i < 7; i++ {
		v, err := cellFloat(row[i])
		if err != nil {
			return interfaces.CandleBar{}, fmt.Errorf("ohlc field %d: %w", i, err)
		}
		values[i] = v
	}
	return interfaces.CandleBar{
		Symbol:   symbol,
		OpenTime: time.Unix(int64(values[0]), 0),
		Open:     values[1],
		High:     values[2],
		Low:      values[3],
		Close:    values[4],
		Volume:   values[6],
	}, nil
}

// wsSubscribe is the subscription frame for the v1 websocket API.
type wsSubscribe struct {
	Event        string         `json:"event"`
	Pair         []string       `json:"pair"`
	Subscription wsSubscription `json:"subscription"`
}

type wsSubscription struct {
	Name     string `json:"name"`
	Interval int    `json:"interval,omitempty"`
}

// BuildStream implements interfaces.Adapter.
func (a *Adapter) BuildStream(req interfaces.StreamRequest) (*interfaces.StreamSpec, error) {
	if len(req.Symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols requested", interfaces.ErrInvalidSymbol)
	}

	sub := wsSubscription{}
	switch req.Channel {
	case interfaces.ChannelTicker:
		sub.Name = "ticker"
	case interfaces.ChannelCandles:
		minutes, ok := intervalMinutes[req.Interval]
		if !ok {
			return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidInterval, req.Interval)
		}
		sub.Name = "ohlc"
		sub.Interval = minutes
	default:
		return nil, fmt.Errorf("%w: %q", interfaces.ErrNoStreamSupport, req.Channel)
	}

	pairs := make([]string, 0, len(req.Symbols))
	for _, symbol := range req.Symbols {
		if !symbol.Valid() {
			return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidSymbol, symbol)
		}
		pairs = append(pairs, a.wsPair(symbol))
	}
	sort.Strings(pairs)

	frame, err := json.Marshal(wsSubscribe{Event: "subscribe", Pair: pairs, Subscription: sub})
	if err != nil {
		return nil, fmt.Errorf("marshaling subscribe frame: %w", err)
	}

	return &interfaces.StreamSpec{
		URL:           a.wsURL,
		Subscriptions: [][]byte{frame},
	}, nil
}

// ParseStreamMessage implements interfaces.Adapter. Control messages are
// objects; data frames are arrays of the form
// [channelID, payload, channelName, pair].
func (a *Adapter) ParseStreamMessage(raw []byte) (*interfaces.StreamUpdate, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, interfaces.NewParseError(Name, "empty frame", nil)
	}

	if trimmed[0] == '{' {
		return a.parseControl([]byte(trimmed))
	}
	if trimmed[0] == '[' {
		return a.parseDataFrame([]byte(trimmed))
	}
	return nil, interfaces.NewParseError(Name, "unrecognized frame", nil)
}

func (a *Adapter) parseControl(raw []byte) (*interfaces.StreamUpdate, error) {
	var event struct {
		Event        string `json:"event"`
		Status       string `json:"status"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, interfaces.NewParseError(Name, "malformed control frame", err)
	}
	if event.Event == "subscriptionStatus" && event.Status == "error" {
		a.logger.Warn("subscription rejected",
			logging.String("exchange", Name),
			logging.String("message", event.ErrorMessage),
		)
	}
	return &interfaces.StreamUpdate{}, nil
}

func (a *Adapter) parseDataFrame(raw []byte) (*interfaces.StreamUpdate, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, interfaces.NewParseError(Name, "malformed data frame", err)
	}
	if len(frame) < 4 {
		return nil, interfaces.NewParseError(Name,
			fmt.Sprintf("data frame has %d elements, want at least 4", len(frame)), nil)
	}

	var channel, pair string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil {
		return nil, interfaces.NewParseError(Name, "unreadable channel name", err)
	}
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return nil, interfaces.NewParseError(Name, "unreadable pair name", err)
	}
	symbol := a.ParseSymbol(pair)
	if !symbol.Valid() {
		return nil, interfaces.NewParseError(Name, "unknown pair "+pair, nil)
	}

	switch {
	case channel == "ticker":
		return a.parseTickerPayload(symbol, frame[1])
	case strings.HasPrefix(channel, "ohlc-"):
		minutes, err := strconv.Atoi(strings.TrimPrefix(channel, "ohlc-"))
		if err != nil {
			return nil, interfaces.NewParseError(Name, "unreadable ohlc channel "+channel, err)
		}
		return a.parseOHLCPayload(symbol, frame[1], minutes)
	default:
		return &interfaces.StreamUpdate{}, nil
	}
}

// parseTickerPayload decodes the websocket ticker object. Array elements mix
// strings and numbers ("a":["5525.40000",1,"1.000"]), hence the []any
// fields.
func (a *Adapter) parseTickerPayload(symbol interfaces.Symbol, raw json.RawMessage) (*interfaces.StreamUpdate, error) {
	var payload struct {
		Ask    []any `json:"a"`
		Bid    []any `json:"b"`
		Close  []any `json:"c"`
		Volume []any `json:"v"`
		High   []any `json:"h"`
		Low    []any `json:"l"`
		Open   []any `json:"o"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, interfaces.NewParseError(Name, "malformed ticker payload", err)
	}
	if len(payload.Close) == 0 {
		return nil, interfaces.NewParseError(Name, "ticker payload without last price", nil)
	}
	price, err := cellFloat(payload.Close[0])
	if err != nil {
		return nil, interfaces.NewParseError(Name, "unparsable last price", err)
	}

	open := arrFloat(payload.Open, 1)
	change := 0.0
	changePercent := 0.0
	if open > 0 {
		change = price - open
		changePercent = change / open * 100
	}

	now := time.Now()
	return &interfaces.StreamUpdate{
		Ticker: &interfaces.TickerSnapshot{
			Symbol:           symbol,
			Price:            price,
			Change24h:        change,
			ChangePercent24h: changePercent,
			Volume24h:        arrFloat(payload.Volume, 1),
			High24h:          arrFloat(payload.High, 1),
			Low24h:           arrFloat(payload.Low, 1),
			Bid:              arrFloat(payload.Bid, 0),
			Ask:              arrFloat(payload.Ask, 0),
			Timestamp:        now,
			LastUpdate:       now,
		},
	}, nil
}

// parseOHLCPayload decodes one websocket ohlc row:
// [time, etime, open, high, low, close, vwap, volume, count]. The bar's open
// time is the interval end minus the interval length.
func (a *Adapter) parseOHLCPayload(symbol interfaces.Symbol, raw json.RawMessage, minutes int) (*interfaces.StreamUpdate, error) {
	var row []any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, interfaces.NewParseError(Name, "malformed ohlc payload", err)
	}
	if len(row) < 8 {
		return nil, interfaces.NewParseError(Name,
			fmt.Sprintf("ohlc payload has %d fields, want at least 8", len(row)), nil)
	}

	endTime, err := cellFloat(row[1])
	if err != nil {
		return nil, interfaces.NewParseError(Name, "unparsable ohlc end time", err)
	}
	values := make([]float64, 4)
	for i := 2; i <= 5; i++ {
		v, err := cellFloat(row[i])
		if err != nil {
			return nil, interfaces.NewParseError(Name, fmt.Sprintf("ohlc field %d", i), err)
		}
		values[i-2] = v
	}
	volume, err := cellFloat(row[7])
	if err != nil {
		return nil, interfaces.NewParseError(Name, "unparsable ohlc volume", err)
	}

	bar := interfaces.CandleBar{
		Symbol:   symbol,
		OpenTime: time.Unix(int64(endTime)-int64(minutes)*60, 0),
		Open:     values[0],
		High:     values[1],
		Low:      values[2],
		Close:    values[3],
		Volume:   volume,
	}
	if err := bar.Validate(); err != nil {
		return nil, interfaces.NewParseError(Name, "invalid candle in stream", err)
	}
	return &interfaces.StreamUpdate{Candle: &bar}, nil
}

func (a *Adapter) classify(op string, err error) error {
	var decodeErr *common.DecodeError
	if errors.As(err, &decodeErr) {
		return interfaces.NewParseError(Name, op+" response undecodable", err)
	}
	return interfaces.NewTransportError(Name, op, err)
}

// cellFloat reads a positional cell that Kraken serializes either as a
// number or as a decimal string.
func cellFloat(cell any) (float64, error) {
	switch v := cell.(type) {
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("cell is %T, want number or string", cell)
	}
}

func arrFloat(arr []any, i int) float64 {
	if i >= len(arr) {
		return 0
	}
	v, err := cellFloat(arr[i])
	if err != nil {
		return 0
	}
	return v
}

func first(arr []string) string {
	if len(arr) == 0 {
		return ""
	}
	return arr[0]
}

func second(arr []string) string {
	if len(arr) < 2 {
		return ""
	}
	return arr[1]
}

func lenientFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
