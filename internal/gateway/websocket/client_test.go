package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/pkg/ws"
)

// connPair upgrades a loopback connection and hands back both ends.
func connPair(t *testing.T) (server, dial *websocket.Conn) {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { dial.Close() })
	return <-accepted, dial
}

func newTestClient(t *testing.T, conn *websocket.Conn, b bus.Bus) *Client {
	t.Helper()
	log := logger.NewNop()
	c := NewClient("test-client", conn, NewHub(log), b, nil, ws.NewDispatcher(), log)
	c.setCaller("u-bob", "bob", "user", "")
	t.Cleanup(c.teardown)
	return c
}

func subscribe(t *testing.T, c *Client, topic string) {
	t.Helper()
	frame, err := ws.ParseFrame([]byte(fmt.Sprintf(`{"type":"sub","id":"1","topic":%q}`, topic)))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	c.handleSub(frame, *c.Caller())
}

// A subscriber whose socket stops draining must not shed critical events
// silently: once the send buffer and the bus queue are both full, the
// overflow policy closes the connection.
func TestClientCriticalOverflowDisconnects(t *testing.T) {
	serverConn, dialConn := connPair(t)
	b := bus.NewMemoryBus(logger.NewNop())
	c := newTestClient(t, serverConn, b)

	subscribe(t, c, events.ProcessExit)

	// No write pump running, so nothing leaves the send buffer. Enough
	// critical events to fill the buffer and the bus queue behind it.
	for i := 0; i < 1000; i++ {
		b.Emit(events.New(events.ProcessExit, events.ProcessEvent{PID: i}).WithOwner("u-bob"))
	}

	dialConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := dialConn.ReadMessage(); err != nil {
			if strings.Contains(err.Error(), "timeout") {
				t.Fatal("connection still open after critical overflow")
			}
			return
		}
	}
}

// A slow consumer of non-critical events loses the oldest frames but
// must learn about it: a subscriber.lagged sentinel precedes delivery
// once the socket drains again.
func TestClientSlowConsumerSeesLagSentinel(t *testing.T) {
	serverConn, dialConn := connPair(t)
	b := bus.NewMemoryBus(logger.NewNop())
	c := newTestClient(t, serverConn, b)

	subscribe(t, c, events.AgentThought)

	for i := 0; i < 600; i++ {
		b.Emit(events.New(events.AgentThought, events.AgentStepEvent{PID: 1, Step: i}).WithOwner("u-bob"))
	}

	go c.WritePump()

	dialConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := dialConn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed before lag sentinel arrived: %v", err)
		}
		var frame struct {
			Type  string `json:"type"`
			Count int    `json:"count"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if frame.Type == events.SubscriberLagged {
			if frame.Count <= 0 {
				t.Fatalf("lag sentinel count = %d, want > 0", frame.Count)
			}
			return
		}
	}
}
