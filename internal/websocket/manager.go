package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"n8n-studio-client/internal/config"
	"n8n-studio-client/internal/pkg/logger"
	"n8n-studio-client/internal/protocol"
)

const writeWait = 10 * time.Second

// Status is the read-only projection of the connection state handed to
// subscribers. Err is non-empty only after the retry budget is exhausted.
type Status struct {
	Connected bool
	Err       string
}

type MessageHandler func(frame protocol.ServerFrame)
type StatusHandler func(status Status)

// Subscription is the registration handle returned by Subscribe.
type Subscription struct {
	onMessage MessageHandler
	onStatus  StatusHandler
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateFailed
)

// Manager owns at most one live websocket connection per process and fans
// inbound frames out to any number of subscribers. Outbound sends are
// fire-and-forget: there is no queue, an unavailable connection drops the
// frame.
type Manager struct {
	wsBaseURL string
	clientId  uuid.UUID
	reconnect config.ReconnectConfig
	heartbeat config.HeartbeatConfig
	dialer    *websocket.Dialer
	log       logger.ILogger

	// writeMu serializes writes; gorilla conns allow one concurrent writer.
	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	state       connState
	attempts    int
	lastErr     string
	manualClose bool
	subs        []*Subscription
	done        chan struct{}
}

func NewManager(cfg *config.Config, log logger.ILogger) *Manager {
	return &Manager{
		wsBaseURL: cfg.Server.WsBaseURL,
		clientId:  uuid.New(),
		reconnect: cfg.Reconnect,
		heartbeat: cfg.Heartbeat,
		dialer:    websocket.DefaultDialer,
		log:       log,
	}
}

// ClientId returns the identifier embedded in the endpoint path.
func (m *Manager) ClientId() uuid.UUID {
	return m.clientId
}

// Connect opens the shared connection. It is idempotent: a no-op while a
// connection is open or a dial/reconnect is in progress. It always clears the
// manual-disconnect flag and grants a fresh retry budget.
func (m *Manager) Connect() {
	m.mu.Lock()
	m.manualClose = false
	if m.conn != nil || m.state == stateConnecting || m.state == stateReconnecting {
		m.mu.Unlock()
		return
	}
	m.state = stateConnecting
	m.attempts = 0
	m.mu.Unlock()

	go m.dial()
}

// Disconnect tears the connection down with a normal closure and suppresses
// auto-reconnect until the next Connect. Outstanding responses are abandoned.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	m.attempts = 0
	m.state = stateDisconnected
	m.lastErr = ""
	conn := m.conn
	m.conn = nil
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		m.writeMu.Unlock()
		conn.Close()
	}

	m.notifyStatus(Status{Connected: false})
}

// Send serializes v and transmits it if the connection is open; otherwise the
// frame is logged and dropped. A write failure forces the connection closed,
// which drives the regular close-triggered reconnect path.
func (m *Manager) Send(v interface{}) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		m.log.Warn("WebSocket", "Send skipped, connection not open", nil)
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		m.log.Error("WebSocket", "Failed to serialize outbound frame", map[string]interface{}{"error": err.Error()})
		return
	}

	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()

	if err != nil {
		m.log.Warn("WebSocket", "Write failed, forcing close", map[string]interface{}{"error": err.Error()})
		conn.Close() // readLoop observes the error and handles the drop
	}
}

// Subscribe registers a consumer and immediately reports the current status to
// it. Handlers may be nil when the consumer only cares about one stream.
func (m *Manager) Subscribe(onMessage MessageHandler, onStatus StatusHandler) *Subscription {
	sub := &Subscription{onMessage: onMessage, onStatus: onStatus}

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	status := m.statusLocked()
	m.mu.Unlock()

	if sub.onStatus != nil {
		sub.onStatus(status)
	}
	return sub
}

func (m *Manager) Unsubscribe(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s == sub {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// Status returns the current read-only projection.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	status := Status{Connected: m.state == stateConnected}
	if m.state == stateFailed {
		status.Err = m.lastErr
	}
	return status
}

func (m *Manager) endpoint() string {
	return fmt.Sprintf("%s/ws/%s", strings.TrimRight(m.wsBaseURL, "/"), m.clientId)
}

func (m *Manager) dial() {
	conn, _, err := m.dialer.Dial(m.endpoint(), nil)
	if err != nil {
		m.mu.Lock()
		manual := m.manualClose
		m.mu.Unlock()
		if manual {
			return
		}
		m.scheduleReconnect(err)
		return
	}

	m.mu.Lock()
	if m.manualClose {
		// Disconnect raced the dial; discard the fresh connection quietly.
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = stateConnected
	m.attempts = 0
	m.lastErr = ""
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	m.log.Info("WebSocket", "Connected", map[string]interface{}{"endpoint": m.endpoint()})
	m.notifyStatus(Status{Connected: true})

	go m.readLoop(conn)
	go m.heartbeatLoop(conn, done)
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(conn, err)
			return
		}

		frame, derr := protocol.Decode(data)
		if derr != nil {
			m.log.Warn("WebSocket", "Dropping malformed frame", map[string]interface{}{"error": derr.Error()})
			continue
		}
		if frame.Type == protocol.FramePong {
			// Heartbeat liveness only, not application traffic.
			continue
		}
		m.dispatch(frame)
	}
}

// heartbeatLoop emits a ping frame on a fixed interval, independent of
// application traffic, so idle intermediaries keep the connection alive. A
// failed write forces the close and the regular drop path; it therefore
// consumes the reconnect budget like any other transport error.
func (m *Manager) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(m.heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			data, err := json.Marshal(protocol.NewPingFrame())
			if err != nil {
				continue
			}
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = conn.WriteMessage(websocket.TextMessage, data)
			m.writeMu.Unlock()
			if err != nil {
				m.log.Warn("WebSocket", "Heartbeat failed, forcing close", map[string]interface{}{"error": err.Error()})
				conn.Close()
				return
			}
		}
	}
}

func (m *Manager) handleDrop(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// Already torn down by Disconnect or replaced by a newer dial.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	manual := m.manualClose
	m.mu.Unlock()
	conn.Close()

	if manual || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		m.mu.Lock()
		m.state = stateDisconnected
		m.mu.Unlock()
		m.notifyStatus(Status{Connected: false})
		return
	}

	m.scheduleReconnect(err)
}

func (m *Manager) scheduleReconnect(cause error) {
	m.mu.Lock()
	if m.attempts >= m.reconnect.MaxAttempts {
		m.state = stateFailed
		m.lastErr = fmt.Sprintf("connection failed after %d attempts: %v", m.attempts, cause)
		failed := m.statusLocked()
		m.mu.Unlock()

		m.log.Error("WebSocket", "Retry budget exhausted", map[string]interface{}{"error": cause.Error()})
		m.notifyStatus(failed)
		return
	}

	delay := m.backoffDelay(m.attempts)
	m.attempts++
	m.state = stateReconnecting
	attempt := m.attempts
	m.mu.Unlock()

	m.log.Warn("WebSocket", "Connection lost, reconnecting", map[string]interface{}{
		"attempt": attempt,
		"delay":   delay.String(),
		"error":   cause.Error(),
	})
	m.notifyStatus(Status{Connected: false})

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.manualClose || m.conn != nil || m.state != stateReconnecting {
			m.mu.Unlock()
			return
		}
		m.state = stateConnecting
		m.mu.Unlock()
		m.dial()
	})
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.reconnect.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= m.reconnect.MaxDelay {
			return m.reconnect.MaxDelay
		}
	}
	return delay
}

// dispatch delivers one frame to a snapshot of the subscriber set, in
// registration order. Mutating the set during delivery cannot affect the
// in-progress dispatch.
func (m *Manager) dispatch(frame protocol.ServerFrame) {
	m.mu.Lock()
	snapshot := make([]*Subscription, len(m.subs))
	copy(snapshot, m.subs)
	m.mu.Unlock()

	for _, sub := range snapshot {
		if sub.onMessage != nil {
			sub.onMessage(frame)
		}
	}
}

func (m *Manager) notifyStatus(status Status) {
	m.mu.Lock()
	snapshot := make([]*Subscription, len(m.subs))
	copy(snapshot, m.subs)
	m.mu.Unlock()

	for _, sub := range snapshot {
		if sub.onStatus != nil {
			sub.onStatus(status)
		}
	}
}
