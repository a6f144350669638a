package push

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/memofeed/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newStreamServer runs a stream endpoint that invokes handler per connection
// with a 1-based connection counter.
func newStreamServer(t *testing.T, handler func(conn *websocket.Conn, connects int)) *httptest.Server {
	t.Helper()

	var connects int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn, int(atomic.AddInt32(&connects, 1)))
	}))
	t.Cleanup(server.Close)
	return server
}

// holdOpen consumes frames until the peer goes away so pings are answered
// by the default handler.
func holdOpen(conn *websocket.Conn) {
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestClient(t *testing.T, server *httptest.Server, token string) (*Client, chan events.Event) {
	t.Helper()

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	received := make(chan events.Event, 16)
	bus.Subscribe(func(event events.Event) {
		received <- event
	}, events.TypeRemoteUpdated, events.TypeRemoteDeleted)

	client := NewClient(&Config{
		URL:            StreamURL(server.URL),
		Token:          token,
		ReconnectDelay: 10 * time.Millisecond,
	}, bus)
	t.Cleanup(client.Stop)
	return client, received
}

func waitEvent(t *testing.T, received chan events.Event) events.Event {
	t.Helper()
	select {
	case event := <-received:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return events.Event{}
	}
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, messageType, id string) {
	t.Helper()
	err := conn.WriteJSON(Envelope{
		Type:      messageType,
		Data:      json.RawMessage(`{"id":"` + id + `"}`),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		t.Errorf("WriteJSON: %v", err)
	}
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8787", "ws://localhost:8787/api/v1/stream"},
		{"https://memo.example.com", "wss://memo.example.com/api/v1/stream"},
		{"https://memo.example.com/", "wss://memo.example.com/api/v1/stream"},
	}
	for _, tt := range tests {
		if got := StreamURL(tt.base); got != tt.want {
			t.Errorf("StreamURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestReceivesNotifications(t *testing.T) {
	server := newStreamServer(t, func(conn *websocket.Conn, connects int) {
		writeEnvelope(t, conn, MessageMemoryUpdated, "mem-1")
		writeEnvelope(t, conn, MessageMemoryDeleted, "mem-2")
		holdOpen(conn)
	})

	client, received := newTestClient(t, server, "")
	client.Start()

	event := waitEvent(t, received)
	if event.Type != events.TypeRemoteUpdated {
		t.Errorf("first event type = %q, want %q", event.Type, events.TypeRemoteUpdated)
	}
	if change := event.Data.(events.RemoteChange); change.RemoteID != "mem-1" {
		t.Errorf("first event remote id = %q, want mem-1", change.RemoteID)
	}

	event = waitEvent(t, received)
	if event.Type != events.TypeRemoteDeleted {
		t.Errorf("second event type = %q, want %q", event.Type, events.TypeRemoteDeleted)
	}
	if change := event.Data.(events.RemoteChange); change.RemoteID != "mem-2" {
		t.Errorf("second event remote id = %q, want mem-2", change.RemoteID)
	}
}

func TestSendsBearerToken(t *testing.T) {
	var header atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		writeEnvelope(t, conn, MessageMemoryUpdated, "mem-1")
		holdOpen(conn)
	}))
	t.Cleanup(server.Close)

	client, received := newTestClient(t, server, "secret-token")
	client.Start()
	waitEvent(t, received)

	if got := header.Load(); got != "Bearer secret-token" {
		t.Errorf("Authorization header = %v, want Bearer secret-token", got)
	}
}

func TestMalformedMessagesSkipped(t *testing.T) {
	server := newStreamServer(t, func(conn *websocket.Conn, connects int) {
		conn.WriteMessage(websocket.TextMessage, []byte("not json at all"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"memory.updated","data":42}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"memory.updated","data":{}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"something.else","data":{"id":"x"}}`))
		writeEnvelope(t, conn, MessageMemoryUpdated, "mem-keep")
		holdOpen(conn)
	})

	client, received := newTestClient(t, server, "")
	client.Start()

	event := waitEvent(t, received)
	if change := event.Data.(events.RemoteChange); change.RemoteID != "mem-keep" {
		t.Errorf("remote id = %q, want mem-keep", change.RemoteID)
	}

	select {
	case extra := <-received:
		t.Errorf("unexpected extra event: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	server := newStreamServer(t, func(conn *websocket.Conn, connects int) {
		if connects == 1 {
			conn.Close()
			return
		}
		writeEnvelope(t, conn, MessageMemoryDeleted, "mem-after-drop")
		holdOpen(conn)
	})

	client, received := newTestClient(t, server, "")
	client.Start()

	event := waitEvent(t, received)
	if event.Type != events.TypeRemoteDeleted {
		t.Errorf("event type = %q, want %q", event.Type, events.TypeRemoteDeleted)
	}
	if change := event.Data.(events.RemoteChange); change.RemoteID != "mem-after-drop" {
		t.Errorf("remote id = %q, want mem-after-drop", change.RemoteID)
	}
	if !client.Connected() {
		t.Error("client should report connected after redial")
	}
}

func TestStopWhileDisconnected(t *testing.T) {
	server := newStreamServer(t, func(conn *websocket.Conn, connects int) {
		holdOpen(conn)
	})
	url := StreamURL(server.URL)
	server.Close()

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	client := NewClient(&Config{URL: url, ReconnectDelay: 10 * time.Millisecond}, bus)

	client.Start()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		client.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while redialing")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	server := newStreamServer(t, func(conn *websocket.Conn, connects int) {
		holdOpen(conn)
	})

	client, _ := newTestClient(t, server, "")
	client.Start()
	client.Start()
	client.Stop()
	client.Stop()

	if client.Connected() {
		t.Error("client should not report connected after Stop")
	}
}
