package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"pinghub/pkg/chat"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	defaultMaxMessageSize = 64 * 1024

	sendBufferSize = 256
)

// NewUpgrader accepts same-origin requests, requests without an Origin header
// and requests from allowedOrigin. An empty or "*" allowedOrigin accepts all.
func NewUpgrader(allowedOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowedOrigin == "" || allowedOrigin == "*" || origin == allowedOrigin {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

type ClientConfig struct {
	MaxMessageSize  int64
	EventsPerSecond float64
	EventBurst      int
}

// Dispatcher consumes what a client reads off its socket.
type Dispatcher interface {
	HandleMessage(ctx context.Context, client *Client, data []byte)
	HandleDisconnect(ctx context.Context, client *Client)
}

// Client is one websocket connection.
type Client struct {
	id   string
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	limiter     *rate.Limiter
	maxSize     int64
	log         *slog.Logger
	connectedAt time.Time
}

func NewClient(conn *websocket.Conn, cfg ClientConfig, log *slog.Logger) *Client {
	id := uuid.NewString()
	limit := rate.Inf
	if cfg.EventsPerSecond > 0 {
		limit = rate.Limit(cfg.EventsPerSecond)
	}
	burst := cfg.EventBurst
	if burst <= 0 {
		burst = 1
	}
	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}

	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(limit, burst),
		maxSize:     maxSize,
		log:         log.With(slog.String("connID", id)),
		connectedAt: time.Now(),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send encodes and queues an event for this client only.
func (c *Client) Send(event string, payload any) error {
	frame, err := chat.Encode(event, payload)
	if err != nil {
		return err
	}
	c.enqueue(frame)
	return nil
}

// enqueue reports false when the send buffer is full. Frames for a closed
// client are discarded.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close is safe to call more than once and from any goroutine. The read pump
// notices the closed socket and runs the disconnect path.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// ReadPump reads frames until the socket fails, handing each to d in order.
// It returns after d.HandleDisconnect has run.
func (c *Client) ReadPump(ctx context.Context, d Dispatcher) {
	defer func() {
		c.Close()
		d.HandleDisconnect(ctx, c)
	}()

	c.conn.SetReadLimit(c.maxSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Unexpected websocket close", slog.Any("error", err))
			}
			return
		}

		if !c.limiter.Allow() {
			_ = c.Send(chat.EventError, chat.ErrorPayload{Message: "Too many events, slow down.", Code: "rate_limited"})
			continue
		}
		d.HandleMessage(ctx, c, data)
	}
}

// WritePump drains the send buffer onto the socket and keeps it alive with
// pings. One frame is written per websocket message.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("Write failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
