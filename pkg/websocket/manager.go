package websocket

import (
	"fmt"
	"sync"

	"github.com/quantboard/marketdata/pkg/exchanges/interfaces"
	"github.com/quantboard/marketdata/pkg/logging"
)

// Manager owns at most one live Connection per stream key. Opening an
// already-open stream is a no-op, so any number of subscribers share a
// single socket; opening a failed stream revives it with a fresh reconnect
// budget.
type Manager struct {
	mu     sync.Mutex
	conns  map[string]*Connection
	cfg    Config
	logger logging.Logger
}

// NewManager creates a connection manager using cfg for every stream.
func NewManager(cfg Config, logger logging.Logger) *Manager {
	return &Manager{
		conns:  make(map[string]*Connection),
		cfg:    cfg.withDefaults(),
		logger: logging.OrNop(logger),
	}
}

// OpenStream ensures a connection exists and is being established for the
// stream key. The sink receives every raw message and is only installed
// when the connection is first created; subsequent calls for the same key
// reuse the existing pipeline.
func (m *Manager) OpenStream(key string, spec *interfaces.StreamSpec, sink Sink) error {
	if spec == nil || spec.URL == "" {
		return fmt.Errorf("stream %s: empty websocket url", key)
	}

	m.mu.Lock()
	conn, exists := m.conns[key]
	if !exists {
		conn = newConnection(key, spec.URL, spec.Subscriptions, m.cfg, sink, m.logger)
		m.conns[key] = conn
		m.logger.Debug("stream connection created", logging.String("stream", key))
	}
	m.mu.Unlock()

	conn.start(true)
	return nil
}

// CloseStream tears down the connection for key, if any. Called by the
// registry when the last subscriber leaves; sockets are never kept open
// speculatively.
func (m *Manager) CloseStream(key string) {
	m.mu.Lock()
	conn, exists := m.conns[key]
	delete(m.conns, key)
	m.mu.Unlock()

	if exists {
		conn.Close()
		m.logger.Info("stream connection closed", logging.String("stream", key))
	}
}

// CloseAll tears down every connection. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// Connected reports whether at least one stream is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		if conn.State() == StateOpen {
			return true
		}
	}
	return false
}

// StreamState returns the state of one stream and whether it exists.
func (m *Manager) StreamState(key string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[key]
	if !ok {
		return StateClosed, false
	}
	return conn.State(), true
}

// Status snapshots every tracked connection, keyed by stream.
func (m *Manager) Status() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.conns))
	for key, conn := range m.conns {
		out[key] = conn.Status()
	}
	return out
}
