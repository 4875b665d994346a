package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// MockServer is an httptest-backed websocket endpoint for exercising stream
// connections: it tracks live connections, counts dial attempts (rejected
// ones included), records received frames and can push messages to every
// client.
type MockServer struct {
	server *httptest.Server
	url    string

	mu            sync.RWMutex
	connections   map[*websocket.Conn]bool
	messageBuffer [][]byte

	attempts         int
	totalConnections int

	rejectConnection bool

	onConnect func(*websocket.Conn)
	onMessage func(*websocket.Conn, []byte)
}

// NewMockServer creates and starts a mock websocket server.
func NewMockServer() *MockServer {
	mock := &MockServer{
		connections: make(map[*websocket.Conn]bool),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleConnection))
	mock.url = "ws" + strings.TrimPrefix(mock.server.URL, "http")
	return mock
}

// URL returns the websocket URL of the mock server.
func (m *MockServer) URL() string {
	return m.url
}

// Close shuts down the mock server and drops every client.
func (m *MockServer) Close() {
	m.mu.Lock()
	for conn := range m.connections {
		conn.Close()
	}
	m.mu.Unlock()
	m.server.Close()
}

// SetRejectConnection makes the server answer new dials with 403 when set.
func (m *MockServer) SetRejectConnection(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectConnection = reject
}

// DropClients closes every live connection without stopping the server,
// simulating a transport drop.
func (m *MockServer) DropClients() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.connections {
		conn.Close()
		delete(m.connections, conn)
	}
}

// OnConnect sets a callback invoked for each accepted connection.
func (m *MockServer) OnConnect(callback func(*websocket.Conn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = callback
}

// OnMessage sets a callback invoked for each received text frame.
func (m *MockServer) OnMessage(callback func(*websocket.Conn, []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = callback
}

// Broadcast sends a text frame to every connected client.
func (m *MockServer) Broadcast(message []byte) {
	m.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(m.connections))
	for conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			m.removeConnection(conn)
		}
	}
}

// ConnectionCount returns the number of live connections.
func (m *MockServer) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// AttemptCount returns how many dials the server has seen, rejected ones
// included.
func (m *MockServer) AttemptCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// TotalConnections returns how many dials were accepted over the server's
// lifetime.
func (m *MockServer) TotalConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalConnections
}

// Messages returns a copy of every text frame received so far.
func (m *MockServer) Messages() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.messageBuffer))
	copy(out, m.messageBuffer)
	return out
}

func (m *MockServer) handleConnection(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.attempts++
	reject := m.rejectConnection
	m.mu.Unlock()

	if reject {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.connections[conn] = true
	m.totalConnections++
	onConnect := m.onConnect
	m.mu.Unlock()

	if onConnect != nil {
		onConnect(conn)
	}

	defer func() {
		m.removeConnection(conn)
		conn.Close()
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		m.mu.Lock()
		m.messageBuffer = append(m.messageBuffer, message)
		onMessage := m.onMessage
		m.mu.Unlock()

		if onMessage != nil {
			onMessage(conn, message)
		}
	}
}

func (m *MockServer) removeConnection(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, conn)
}

// setupMockServer creates a mock server wired into the test's cleanup.
func setupMockServer(t *testing.T) (*MockServer, string) {
	t.Helper()
	mock := NewMockServer()
	t.Cleanup(func() {
		mock.Close()
	})
	return mock, mock.URL()
}
