// Package client owns a single websocket connection to the server and fans
// inbound events out to subscribers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"pinghub/pkg/chat"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("manager closed")
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Handler receives the raw payload of one event.
type Handler func(data json.RawMessage)

type Options struct {
	Header http.Header

	// ReconnectDelay is the first wait before redialing a lost connection.
	// Zero disables reconnecting.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// RefreshPresence asks for users:get whenever someone joins or leaves.
	RefreshPresence bool
}

type subscription[T any] struct {
	id uint64
	fn T
}

// Manager is created by the application and passed to whatever needs the
// connection. Subscriptions survive reconnects.
type Manager struct {
	url    string
	opts   Options
	dialer *websocket.Dialer
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	status   Status
	closed   bool
	nextID   uint64
	handlers map[string][]subscription[Handler]
	watchers []subscription[func(Status)]

	writeMu sync.Mutex
}

func NewManager(url string, opts Options, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		url:      url,
		opts:     opts,
		dialer:   websocket.DefaultDialer,
		log:      log.With(slog.String("component", "client")),
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusDisconnected,
		handlers: make(map[string][]subscription[Handler]),
	}
}

// Connect dials the server. It is a no-op when already connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.setStatus(StatusConnecting)
	conn, err := m.dial(ctx)
	if err != nil {
		m.setStatus(StatusDisconnected)
		return err
	}
	return m.attach(conn)
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := m.dialer.DialContext(ctx, m.url, m.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", m.url, err)
	}
	return conn, nil
}

func (m *Manager) attach(conn *websocket.Conn) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.mu.Unlock()

	m.setStatus(StatusConnected)
	go m.readLoop(conn)
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var envelope chat.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			m.detach(conn, err)
			return
		}
		m.dispatch(envelope)
	}
}

func (m *Manager) detach(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	closed := m.closed
	m.mu.Unlock()

	_ = conn.Close()
	m.setStatus(StatusDisconnected)
	if closed {
		return
	}

	m.log.Warn("Connection lost", slog.Any("error", cause))
	if m.opts.ReconnectDelay > 0 {
		go m.reconnect()
	}
}

func (m *Manager) reconnect() {
	delay := m.opts.ReconnectDelay
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}

		m.setStatus(StatusConnecting)
		conn, err := m.dial(m.ctx)
		if err == nil {
			if err := m.attach(conn); err != nil {
				m.setStatus(StatusDisconnected)
			}
			return
		}

		m.log.Debug("Reconnect failed", slog.Duration("retryIn", delay), slog.Any("error", err))
		m.setStatus(StatusDisconnected)
		delay *= 2
		if m.opts.MaxReconnectDelay > 0 && delay > m.opts.MaxReconnectDelay {
			delay = m.opts.MaxReconnectDelay
		}
	}
}

func (m *Manager) dispatch(envelope chat.Envelope) {
	m.mu.Lock()
	subs := append([]subscription[Handler](nil), m.handlers[envelope.Event]...)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.fn(envelope.Data)
	}

	if m.opts.RefreshPresence && (envelope.Event == chat.EventUserJoined || envelope.Event == chat.EventUserLeft) {
		if err := m.Emit(chat.EventUsersGet, nil); err != nil {
			m.log.Debug("Failed to refresh presence", slog.Any("error", err))
		}
	}
}

// Subscribe registers fn for event. The returned function removes it and may
// be called more than once.
func (m *Manager) Subscribe(event string, fn Handler) (dispose func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[event] = append(m.handlers[event], subscription[Handler]{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			remaining := lo.Reject(m.handlers[event], func(s subscription[Handler], _ int) bool {
				return s.id == id
			})
			if len(remaining) == 0 {
				delete(m.handlers, event)
			} else {
				m.handlers[event] = remaining
			}
		})
	}
}

// OnStatus calls fn with the current status, then on every change.
func (m *Manager) OnStatus(fn func(Status)) (dispose func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.watchers = append(m.watchers, subscription[func(Status)]{id: id, fn: fn})
	current := m.status
	m.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.watchers = lo.Reject(m.watchers, func(s subscription[func(Status)], _ int) bool {
				return s.id == id
			})
		})
	}
}

// Subscribers reports how many handlers listen to event.
func (m *Manager) Subscribers(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers[event])
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) setStatus(status Status) {
	m.mu.Lock()
	if m.status == status {
		m.mu.Unlock()
		return
	}
	m.status = status
	watchers := append([]subscription[func(Status)](nil), m.watchers...)
	m.mu.Unlock()

	for _, w := range watchers {
		w.fn(status)
	}
}

// Emit sends one event. It fails with ErrNotConnected while disconnected.
func (m *Manager) Emit(event string, payload any) error {
	frame, err := chat.Encode(event, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Close stops reconnecting and closes the connection. Subscriptions are kept
// but will not fire again.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.cancel()
	defer m.setStatus(StatusDisconnected)
	if conn == nil {
		return nil
	}

	m.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	m.writeMu.Unlock()
	return conn.Close()
}
