// Package main: WebSocket status hub for local UIs. The hub rebroadcasts
// bus events so a UI can follow queue, sync, remote, and connectivity
// changes without polling.
package main

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/memofeed/internal/events"
	"github.com/kimhsiao/memofeed/internal/logging"
	"github.com/kimhsiao/memofeed/internal/uuid"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	wsPongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than wsPongWait.
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The hub serves local UIs only.
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	},
}

// WSClient represents one connected UI.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client should receive the event type. A
// client with no explicit subscriptions receives everything.
func (c *WSClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[eventType]
}

func (c *WSClient) setSubscribed(eventTypes []string, subscribed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, eventType := range eventTypes {
		if subscribed {
			c.subscriptions[eventType] = true
		} else {
			delete(c.subscriptions, eventType)
		}
	}
}

// wsMessage carries a marshaled envelope plus the event type it wraps so
// the hub can honor per-client subscriptions.
type wsMessage struct {
	eventType string
	payload   []byte
}

// WSHub maintains active client connections and rebroadcasts bus events.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan wsMessage
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.Mutex

	bus    *events.Bus
	subID  string
	logger *logging.Logger
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewWSHub creates a hub bridging the event bus to connected clients.
// Every bus event type is forwarded; clients narrow the stream with
// subscribe/unsubscribe actions.
func NewWSHub(bus *events.Bus) *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan wsMessage, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		bus:        bus,
		logger:     logging.Get().Named("ws"),
	}
	hub.subID = bus.Subscribe(hub.onBusEvent,
		events.TypeQueueChanged,
		events.TypeSyncCompleted,
		events.TypeSyncFailed,
		events.TypeRemoteUpdated,
		events.TypeRemoteDeleted,
		events.TypeConnectivityChanged,
	)
	go hub.run()
	return hub
}

// Close detaches the hub from the bus. Connected clients drop when the
// server shuts down.
func (h *WSHub) Close() {
	h.bus.Unsubscribe(h.subID)
}

// run manages client connections and broadcasts.
func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client connected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client disconnected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(message.eventType) {
					continue
				}
				select {
				case client.send <- message.payload:
				default:
					// Client send buffer is full, drop the connection
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// onBusEvent forwards a bus event to connected clients. It runs on the
// bus dispatch goroutine, so it must not block: when the broadcast
// buffer is full the envelope is dropped.
func (h *WSHub) onBusEvent(event events.Event) {
	h.Broadcast(string(event.Type), event.Data)
}

// Broadcast sends an envelope to every client subscribed to the type.
func (h *WSHub) Broadcast(messageType string, data any) {
	envelope := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error("Failed to marshal envelope", err, map[string]interface{}{
			"type": messageType,
		})
		return
	}

	select {
	case h.broadcast <- wsMessage{eventType: messageType, payload: payload}:
	default:
		h.logger.Warn("Broadcast buffer full; dropping envelope", map[string]interface{}{
			"type": messageType,
		})
	}
}

// readPump pumps control messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Read error", map[string]interface{}{
					"client_id": c.id,
					"error":     err.Error(),
				})
			}
			break
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Debug("Invalid client message", map[string]interface{}{
				"client_id": c.id,
			})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.setSubscribed(msg.Events, true)
			c.sendAck("subscribe_ack", msg.Events)

		case "unsubscribe":
			c.setSubscribed(msg.Events, false)

		case "ping":
			c.sendPong()
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendAck queues a subscription acknowledgment.
func (c *WSClient) sendAck(action string, eventTypes []string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"action":     action,
		"subscribed": eventTypes,
		"timestamp":  time.Now().Unix(),
	})

	select {
	case c.send <- payload:
	default:
	}
}

// sendPong queues a pong response.
func (c *WSClient) sendPong() {
	payload, _ := json.Marshal(map[string]interface{}{
		"action":    "pong",
		"timestamp": time.Now().Unix(),
	})

	select {
	case c.send <- payload:
	default:
	}
}

// HandleWebSocket handles WebSocket upgrade requests.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("Failed to upgrade connection", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		client := &WSClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, 256),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
