// Package websocket manages the real-time side of the aggregation layer: one
// connection per subscribed stream, an explicit connection state machine with
// bounded reconnects, and the subscriber registry that fans parsed updates
// out to callbacks.
package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"

	"github.com/quantboard/marketdata/pkg/logging"
	"github.com/quantboard/marketdata/pkg/ratelimit"
)

// State describes where a stream connection is in its lifecycle.
type State int32

const (
	// StateClosed means no live socket exists. A connection with
	// subscribers does not stay here: a reconnect is either running or
	// scheduled.
	StateClosed State = iota

	// StateConnecting covers the dial, protocol upgrade and subscription
	// frames, including the wait between scheduled reconnect attempts.
	StateConnecting

	// StateOpen means the socket is established and the read pump is
	// delivering messages.
	StateOpen

	// StateFailed is entered after the reconnect budget is exhausted. A
	// failed connection stays inert until a fresh subscription revives it
	// with a new attempt budget.
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// maxBackoff caps the reconnect delay ladder.
const maxBackoff = 60 * time.Second

// Backoff returns the reconnect delay before attempt n: the base delay
// doubled n times, capped at maxBackoff. Attempts are counted from zero.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 6 {
		attempt = 6
	}
	d := base << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Sink consumes raw messages from a stream connection. It is invoked
// synchronously on the read goroutine, so messages arrive in transport
// order; a slow sink stalls its own connection and nothing else.
type Sink func(message []byte)

// Config holds the tuning shared by all stream connections.
type Config struct {
	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration

	// SubscribeRate paces subscription frames after each (re)connect so
	// exchanges with control-message limits are not flooded.
	SubscribeRate ratelimit.Rate
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SubscribeRate.Limit <= 0 || c.SubscribeRate.Interval <= 0 {
		c.SubscribeRate = ratelimit.Rate{Limit: 5, Interval: time.Second}
	}
	return c
}

// Status is a point-in-time snapshot of one stream connection.
type Status struct {
	Key         string
	State       State
	ConnectedAt time.Time
	Messages    int64
	Errors      int64
	Reconnects  int64
}

// Connection owns one websocket for one stream key. It dials, subscribes,
// pumps messages into its sink and reconnects with exponential backoff when
// the socket drops. After MaxReconnectAttempts consecutive failures it
// parks itself in StateFailed until revived by a fresh subscription.
type Connection struct {
	key  string
	url  string
	subs [][]byte

	cfg    Config
	sink   Sink
	pacer  ratelimit.Pacer
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	// chainActive guards against overlapping connect/reconnect sequences
	// when a subscriber pokes a connection that is already recovering.
	chainMu     sync.Mutex
	chainActive bool

	metricsMu   sync.RWMutex
	connectedAt time.Time
	messages    int64
	errors      int64
	reconnects  int64
}

func newConnection(key, url string, subs [][]byte, cfg Config, sink Sink, logger logging.Logger) *Connection {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		key:    key,
		url:    url,
		subs:   subs,
		cfg:    cfg,
		sink:   sink,
		pacer:  ratelimit.NewPacer(cfg.SubscribeRate),
		logger: logging.OrNop(logger),
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("stream state changed",
			logging.String("stream", c.key),
			logging.String("from", old.String()),
			logging.String("to", s.String()),
		)
	}
}

// Status returns a snapshot of the connection's state and counters.
func (c *Connection) Status() Status {
	c.metricsMu.RLock()
	defer c.metricsMu.RUnlock()
	return Status{
		Key:         c.key,
		State:       c.State(),
		ConnectedAt: c.connectedAt,
		Messages:    c.messages,
		Errors:      c.errors,
		Reconnects:  c.reconnects,
	}
}

// start launches a connect sequence unless one is already running or the
// connection has been explicitly closed. With immediate set the first dial
// happens right away (fresh subscription); otherwise the sequence begins
// with the first rung of the backoff ladder (lost connection).
func (c *Connection) start(immediate bool) {
	c.chainMu.Lock()
	if c.chainActive || c.ctx.Err() != nil {
		c.chainMu.Unlock()
		return
	}
	if s := c.State(); s == StateOpen || s == StateConnecting {
		c.chainMu.Unlock()
		return
	}
	c.chainActive = true
	c.chainMu.Unlock()

	go func() {
		defer func() {
			c.chainMu.Lock()
			c.chainActive = false
			c.chainMu.Unlock()
		}()

		if immediate {
			if err := c.connect(); err == nil {
				return
			}
		}
		c.reconnectLoop()
	}()
}

// connect performs one dial attempt: upgrade, subscription frames, pumps.
func (c *Connection) connect() error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(c.ctx, c.url, nil)
	if err != nil {
		c.recordError()
		c.setState(StateClosed)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.sendSubscriptions(conn); err != nil {
		conn.Close()
		c.recordError()
		c.setState(StateClosed)
		return err
	}

	c.metricsMu.Lock()
	c.connectedAt = time.Now()
	c.metricsMu.Unlock()
	c.setState(StateOpen)

	c.logger.Info("stream connected",
		logging.String("stream", c.key),
		logging.String("url", c.url),
	)

	gen := make(chan struct{})
	go c.readPump(conn, gen)
	go c.heartbeat(conn, gen)
	return nil
}

// sendSubscriptions writes the stream's subscription frames, paced so
// exchanges with control-message rate limits accept them all.
func (c *Connection) sendSubscriptions(conn *websocket.Conn) error {
	for _, frame := range c.subs {
		if err := c.pacer.Wait(c.ctx); err != nil {
			return err
		}
		if err := c.writeMessage(conn, frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) writeMessage(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readPump reads until the socket dies, feeding every message to the sink in
// arrival order. On an unexpected drop it hands control to the reconnect
// ladder; after an explicit Close it simply stops.
func (c *Connection) readPump(conn *websocket.Conn, gen chan struct{}) {
	defer func() {
		close(gen)
		conn.Close()
		c.setState(StateClosed)
		if c.ctx.Err() == nil {
			c.logger.Warn("stream connection lost", logging.String("stream", c.key))
			c.start(false)
		}
	}()

	deadline := c.cfg.HeartbeatInterval * 3
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		conn.SetReadDeadline(time.Now().Add(deadline))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.ctx.Err() == nil {
				c.logger.Warn("stream read error",
					logging.String("stream", c.key),
					logging.Error(err),
				)
				c.recordError()
			}
			return
		}

		c.metricsMu.Lock()
		c.messages++
		c.metricsMu.Unlock()

		c.sink(message)
	}
}

// heartbeat pings the peer every interval; the read deadline catches peers
// that stop answering.
func (c *Connection) heartbeat(conn *websocket.Conn, gen <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-gen:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// reconnectLoop walks the backoff ladder: attempt n waits base * 2^n, and
// the budget allows MaxReconnectAttempts dials before the connection parks
// itself in StateFailed.
func (c *Connection) reconnectLoop() {
	select {
	case <-c.ctx.Done():
		return
	case <-time.After(Backoff(c.cfg.ReconnectBase, 0)):
	}

	err := retry.Do(
		func() error {
			c.metricsMu.Lock()
			c.reconnects++
			c.metricsMu.Unlock()
			return c.connect()
		},
		retry.Attempts(uint(c.cfg.MaxReconnectAttempts)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return Backoff(c.cfg.ReconnectBase, int(n)+1)
		}),
		retry.Context(c.ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("reconnect attempt failed",
				logging.String("stream", c.key),
				logging.Int("attempt", int(n)+1),
				logging.Int("max_attempts", c.cfg.MaxReconnectAttempts),
				logging.Error(err),
			)
		}),
	)
	if err == nil {
		return
	}
	if c.ctx.Err() != nil {
		c.setState(StateClosed)
		return
	}

	c.setState(StateFailed)
	c.logger.Error("reconnect budget exhausted, stream failed",
		logging.String("stream", c.key),
		logging.Int("attempts", c.cfg.MaxReconnectAttempts),
	)
}

// Close tears the connection down for good. Safe to call more than once;
// a closed connection is never reused, the manager builds a new one for the
// next subscriber.
func (c *Connection) Close() {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribed"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.setState(StateClosed)
}

func (c *Connection) recordError() {
	c.metricsMu.Lock()
	c.errors++
	c.metricsMu.Unlock()
}
