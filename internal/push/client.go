// Package push maintains the push-update channel from the remote service.
//
// The service streams lightweight change notifications over a WebSocket;
// the client turns them into remote_updated / remote_deleted bus events.
// Notifications carry only the record id, so consumers re-fetch through
// the authoritative REST API instead of trusting pushed payloads.
package push

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/memofeed/internal/events"
	"github.com/kimhsiao/memofeed/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second
)

// Message types streamed by the service.
const (
	MessageMemoryUpdated = "memory.updated"
	MessageMemoryDeleted = "memory.deleted"
)

// Envelope wraps all push messages.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Config holds push channel connection configuration.
type Config struct {
	// URL is the stream endpoint (ws:// or wss://).
	URL string

	// Token is the bearer token sent on the handshake.
	Token string

	// ReconnectDelay is the initial redial delay after a drop. It doubles
	// per consecutive failure up to MaxReconnectDelay.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the redial delay.
	MaxReconnectDelay time.Duration
}

// Client keeps the push channel connected, redialing with backoff when it
// drops, and publishes change notifications to the bus.
type Client struct {
	config *Config
	bus    *events.Bus
	dialer *websocket.Dialer
	logger *logging.Logger

	mu      sync.Mutex
	running bool
	conn    *websocket.Conn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// StreamURL converts the REST base URL to the stream endpoint URL.
func StreamURL(baseURL string) string {
	url := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/api/v1/stream"
}

// NewClient creates a push channel client.
func NewClient(config *Config, bus *events.Bus) *Client {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = time.Second
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = 30 * time.Second
	}
	return &Client{
		config: config,
		bus:    bus,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logging.Get().Named("push"),
	}
}

// Start begins the connect/read/redial loop.
func (c *Client) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()

	c.logger.Info("Push channel started", map[string]interface{}{"url": c.config.URL})
}

// Stop closes the connection and halts redialing.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("Push channel stopped")
}

// Connected reports whether the channel currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) run() {
	defer c.wg.Done()

	backoff := c.config.ReconnectDelay
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			c.logger.Warn("Push channel dial failed", map[string]interface{}{
				"error":         err.Error(),
				"retry_seconds": backoff.Seconds(),
			})
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.config.MaxReconnectDelay {
				backoff = c.config.MaxReconnectDelay
			}
			continue
		}

		backoff = c.config.ReconnectDelay
		c.setConn(conn)
		c.readLoop(conn)
		c.setConn(nil)
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}
	conn, resp, err := c.dialer.Dial(c.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// readLoop pumps messages from the connection until it drops.
func (c *Client) readLoop(conn *websocket.Conn) {
	done := make(chan struct{})
	go c.pingLoop(conn, done)
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Push channel read error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			conn.Close()
			return
		}
		c.handleMessage(message)
	}
}

// pingLoop pumps pings to the connection until the read side exits.
func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.stopCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// handleMessage decodes one envelope and publishes the matching bus event.
// Malformed messages are logged and skipped; the channel stays up.
func (c *Client) handleMessage(message []byte) {
	var envelope Envelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		c.logger.Warn("Ignoring malformed push message", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	var record struct {
		ID string `json:"id"`
	}
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &record); err != nil {
			c.logger.Warn("Ignoring push message with malformed data", map[string]interface{}{
				"type":  envelope.Type,
				"error": err.Error(),
			})
			return
		}
	}

	switch envelope.Type {
	case MessageMemoryUpdated:
		if record.ID == "" {
			c.logger.Warn("Ignoring push update without record id")
			return
		}
		c.bus.Publish(events.TypeRemoteUpdated, events.RemoteChange{RemoteID: record.ID})
	case MessageMemoryDeleted:
		if record.ID == "" {
			c.logger.Warn("Ignoring push delete without record id")
			return
		}
		c.bus.Publish(events.TypeRemoteDeleted, events.RemoteChange{RemoteID: record.ID})
	default:
		c.logger.Debug("Ignoring push message of unknown type", map[string]interface{}{
			"type": envelope.Type,
		})
	}
}
