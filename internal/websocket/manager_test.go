package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"n8n-studio-client/internal/config"
	"n8n-studio-client/internal/pkg/logger"
	"n8n-studio-client/internal/protocol"
)

var upgrader = websocket.Upgrader{}

// wsServer upgrades every request and hands the connection to handle. It
// counts upgrades so tests can assert how many connections were ever opened.
type wsServer struct {
	*httptest.Server
	upgrades atomic.Int32
}

func newWsServer(t *testing.T, handle func(conn *websocket.Conn)) *wsServer {
	t.Helper()
	srv := &wsServer{}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		srv.upgrades.Add(1)
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// readUntilClosed drains inbound frames (heartbeats mostly) until the peer
// goes away.
func readUntilClosed(conn *websocket.Conn) {
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testConfig(wsURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{WsBaseURL: wsURL},
		Reconnect: config.ReconnectConfig{
			MaxAttempts: 3,
			BaseDelay:   20 * time.Millisecond,
			MaxDelay:    200 * time.Millisecond,
		},
		Heartbeat: config.HeartbeatConfig{Interval: 25 * time.Millisecond},
	}
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status().Connected },
		2*time.Second, 5*time.Millisecond, "manager never connected")
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := newWsServer(t, readUntilClosed)
	m := NewManager(testConfig(srv.wsURL()), logger.NewNopLogger())
	defer m.Disconnect()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Connect()
		}()
	}
	wg.Wait()
	waitConnected(t, m)

	// Give stray dials a chance to land before counting.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, srv.upgrades.Load(), "expected exactly one connection")
}

func TestEndpointEmbedsClientId(t *testing.T) {
	var gotPath atomic.Value
	srv := &wsServer{}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		readUntilClosed(conn)
	}))
	defer srv.Close()

	m := NewManager(testConfig(srv.wsURL()), logger.NewNopLogger())
	defer m.Disconnect()
	m.Connect()
	waitConnected(t, m)

	require.Equal(t, "/ws/"+m.ClientId().String(), gotPath.Load())
}

func TestSubscribeReportsCurrentStatus(t *testing.T) {
	srv := newWsServer(t, readUntilClosed)
	m := NewManager(testConfig(srv.wsURL()), logger.NewNopLogger())
	defer m.Disconnect()

	statusCh := make(chan Status, 1)
	m.Subscribe(nil, func(s Status) {
		select {
		case statusCh <- s:
		default:
		}
	})
	require.False(t, (<-statusCh).Connected, "initial status should be disconnected")

	m.Connect()
	waitConnected(t, m)

	late := make(chan Status, 1)
	m.Subscribe(nil, func(s Status) {
		select {
		case late <- s:
		default:
		}
	})
	require.True(t, (<-late).Connected, "late subscriber should see connected immediately")
}

func TestSendWhileDisconnected(t *testing.T) {
	m := NewManager(testConfig("ws://127.0.0.1:0"), logger.NewNopLogger())

	require.NotPanics(t, func() {
		m.Send(protocol.NewPingFrame())
	})
}

func TestSendDeliversFrame(t *testing.T) {
	frames := make(chan map[string]interface{}, 16)
	srv := newWsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var decoded map[string]interface{}
			if json.Unmarshal(data, &decoded) == nil {
				frames <- decoded
			}
		}
	})

	m := NewManager(testConfig(srv.wsURL()), logger.NewNopLogger())
	defer m.Disconnect()
	m.Connect()
	waitConnected(t, m)

	m.Send(map[string]interface{}{"type": "chat", "content": "hello"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-frames:
			if frame["type"] == "chat" {
				require.Equal(t, "hello", frame["content"])
				return
			}
			// heartbeat ping, keep waiting
		case <-deadline:
			t.Fatal("chat frame never arrived at server")
		}
	}
}

func TestHeartbeatEmitted(t *testing.T) {
	pings := make(chan struct{}, 16)
	srv := newWsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var decoded map[string]interface{}
			if json.Unmarshal(data, &decoded) == nil && decoded["type"] == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	})

	m := NewManager(testConfig(srv.wsURL()), logger.NewNopLogger())
	defer m.Disconnect()
	m.Connect()
	waitConnected(t, m)

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat ping observed")
	}
}

func TestFanOutOrderAndMalformedFrames(t *testing.T) {
	send := make(chan string, 8)
	srv := newWsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		go func() {
			for msg := range send {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := NewManager(testConfig(srv.wsURL()), logger.NewNopLogger())
	defer m.Disconnect()

	var mu sync.Mutex
	var order []string
	record := func(name string) MessageHandler {
		return func(frame protocol.ServerFrame) {
			mu.Lock()
			order = append(order, name+":"+string(frame.Type))
			mu.Unlock()
		}
	}
	m.Subscribe(record("first"), nil)
	m.Subscribe(record("second"), nil)

	m.Connect()
	waitConnected(t, m)

	send <- `not even json`
	send <- `{"no_type":"here"}`
	send <- `{"type":"typing"}`
	send <- `{"type":"progress","content":"Analyzing query...","progress":0.1}`

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 2*time.Second, 5*time.Millisecond, "expected 2 valid frames x 2 subscribers")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"first:typing", "second:typing",
		"first:progress", "second:progress",
	}, order, "frames must be delivered in order, subscribers in registration order")
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	send := make(chan string, 4)
	srv := newWsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		go func() {
			for msg := range send {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := NewManager(testConfig(srv.wsURL()), logger.NewNopLogger())
	defer m.Disconnect()

	var mu sync.Mutex
	var got []string
	var second *Subscription
	m.Subscribe(func(frame protocol.ServerFrame) {
		mu.Lock()
		got = append(got, "first")
		mu.Unlock()
		m.Unsubscribe(second) // mutation mid-dispatch must not break delivery
	}, nil)
	second = m.Subscribe(func(frame protocol.ServerFrame) {
		mu.Lock()
		got = append(got, "second")
		mu.Unlock()
	}, nil)

	m.Connect()
	waitConnected(t, m)
	send <- `{"type":"typing"}`

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"first", "second"}, got,
		"snapshot dispatch must still deliver to the subscriber removed mid-flight")
	mu.Unlock()

	// But the next frame must skip it.
	send <- `{"type":"typing"}`
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, "first", got[2])
	mu.Unlock()
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	// First connection is killed without a close handshake; the manager must
	// come back on its own with the attempt counter reset.
	var first atomic.Bool
	srv := newWsServer(t, func(conn *websocket.Conn) {
		if first.CompareAndSwap(false, true) {
			conn.Close() // abnormal: no close frame
			return
		}
		readUntilClosed(conn)
	})

	m := NewManager(testConfig(srv.wsURL()), logger.NewNopLogger())
	defer m.Disconnect()

	var mu sync.Mutex
	var statuses []Status
	m.Subscribe(nil, func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	m.Connect()
	waitConnected(t, m)

	require.Eventually(t, func() bool {
		return srv.upgrades.Load() >= 2 && m.Status().Connected
	}, 3*time.Second, 10*time.Millisecond, "manager never reconnected")

	mu.Lock()
	defer mu.Unlock()
	// initial disconnected, connected, disconnected on drop, connected again
	var connects, disconnects int
	for _, s := range statuses {
		if s.Connected {
			connects++
		} else {
			disconnects++
		}
	}
	assert.GreaterOrEqual(t, connects, 2)
	assert.GreaterOrEqual(t, disconnects, 2)

	m.mu.Lock()
	assert.Zero(t, m.attempts, "attempt counter must reset after a successful open")
	m.mu.Unlock()
}

func TestRetryBudgetExhausted(t *testing.T) {
	// Nothing listens here; every dial fails.
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.Reconnect.MaxAttempts = 2
	cfg.Reconnect.BaseDelay = 5 * time.Millisecond
	m := NewManager(cfg, logger.NewNopLogger())

	m.Connect()

	require.Eventually(t, func() bool {
		return m.Status().Err != ""
	}, 3*time.Second, 10*time.Millisecond, "manager never reached failed state")

	status := m.Status()
	require.False(t, status.Connected)
	require.Contains(t, status.Err, "connection failed")

	// Failed is sticky until an explicit Connect.
	time.Sleep(50 * time.Millisecond)
	require.NotEmpty(t, m.Status().Err)
}

func TestHeartbeatOverDeadLinkConsumesBudget(t *testing.T) {
	// Sever the transport under the manager without a close frame while the
	// heartbeat ticker is running. The resulting write/read failures must go
	// through the budgeted reconnect path, so with a zero budget the manager
	// reports failed instead of redialing for free.
	srv := newWsServer(t, readUntilClosed)
	cfg := testConfig(srv.wsURL())
	cfg.Reconnect.MaxAttempts = 0
	cfg.Heartbeat.Interval = 10 * time.Millisecond

	m := NewManager(cfg, logger.NewNopLogger())
	defer m.Disconnect()
	m.Connect()
	waitConnected(t, m)

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.UnderlyingConn().Close())

	require.Eventually(t, func() bool { return m.Status().Err != "" },
		2*time.Second, 5*time.Millisecond, "drop was never charged to the reconnect budget")
	require.False(t, m.Status().Connected)
	require.Contains(t, m.Status().Err, "connection failed")

	// Several heartbeat intervals later there is still only the original dial.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, srv.upgrades.Load(), "no redial outside the budget")
}

func TestBackoffDelay(t *testing.T) {
	m := &Manager{reconnect: config.ReconnectConfig{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  500 * time.Millisecond,
	}}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond}, // capped
		{8, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := m.backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	srv := newWsServer(t, readUntilClosed)
	m := NewManager(testConfig(srv.wsURL()), logger.NewNopLogger())

	m.Connect()
	waitConnected(t, m)
	m.Disconnect()

	require.False(t, m.Status().Connected)
	require.Empty(t, m.Status().Err)

	// No automatic redial after a manual disconnect.
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 1, srv.upgrades.Load())

	// Explicit Connect clears the flag and opens a fresh connection.
	m.Connect()
	waitConnected(t, m)
	assert.EqualValues(t, 2, srv.upgrades.Load())
	m.Disconnect()
}
