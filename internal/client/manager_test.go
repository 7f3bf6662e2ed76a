package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pinghub/pkg/chat"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func push(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := chat.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readEvent(t *testing.T, conn *websocket.Conn) chat.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var envelope chat.Envelope
	require.NoError(t, conn.ReadJSON(&envelope))
	return envelope
}

// statusLog records status transitions in order.
type statusLog struct {
	mu   sync.Mutex
	seen []Status
}

func (l *statusLog) record(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, s)
}

func (l *statusLog) snapshot() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.seen...)
}

func newTestManager(t *testing.T, url string, opts Options) *Manager {
	t.Helper()
	m := NewManager(url, opts, slog.New(slog.DiscardHandler))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_SubscribeAndDispose(t *testing.T) {
	r := require.New(t)

	// Given a connected manager with one subscriber
	fs := newFakeServer(t)
	m := newTestManager(t, fs.wsURL(), Options{})
	r.NoError(m.Connect(context.Background()))
	server := fs.accept(t)

	received := make(chan chat.Notification, 4)
	dispose := m.Subscribe(chat.EventNotification, func(data json.RawMessage) {
		var n chat.Notification
		if json.Unmarshal(data, &n) == nil {
			received <- n
		}
	})
	r.Equal(1, m.Subscribers(chat.EventNotification))

	// When the server pushes a notification
	push(t, server, chat.EventNotification, chat.Notification{Type: chat.NotificationInfo, Message: "hello"})

	// Then the subscriber sees it
	select {
	case n := <-received:
		r.Equal("hello", n.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	// When the subscription is disposed twice
	dispose()
	dispose()
	r.Equal(0, m.Subscribers(chat.EventNotification))

	// Then later pushes are not delivered
	errs := make(chan struct{}, 1)
	m.Subscribe(chat.EventError, func(json.RawMessage) { errs <- struct{}{} })
	push(t, server, chat.EventNotification, chat.Notification{Message: "ignored"})
	push(t, server, chat.EventError, chat.ErrorPayload{Message: "sync"})
	<-errs
	assert.Empty(t, received)
}

func TestManager_DisposeKeepsOtherSubscribers(t *testing.T) {
	m := newTestManager(t, "ws://unused", Options{})

	first := m.Subscribe(chat.EventMessageNew, func(json.RawMessage) {})
	m.Subscribe(chat.EventMessageNew, func(json.RawMessage) {})

	first()
	assert.Equal(t, 1, m.Subscribers(chat.EventMessageNew))
}

func TestManager_EmitReachesServer(t *testing.T) {
	r := require.New(t)

	fs := newFakeServer(t)
	m := newTestManager(t, fs.wsURL(), Options{})
	r.ErrorIs(m.Emit(chat.EventUsersGet, nil), ErrNotConnected)

	r.NoError(m.Connect(context.Background()))
	server := fs.accept(t)

	r.NoError(m.Emit(chat.EventUserReconnect, chat.UserRef{UserID: "u-1", Username: "alice"}))

	envelope := readEvent(t, server)
	r.Equal(chat.EventUserReconnect, envelope.Event)
	var ref chat.UserRef
	r.NoError(json.Unmarshal(envelope.Data, &ref))
	r.Equal("u-1", ref.UserID)
}

func TestManager_StatusTransitions(t *testing.T) {
	r := require.New(t)

	fs := newFakeServer(t)
	m := newTestManager(t, fs.wsURL(), Options{})

	var log statusLog
	dispose := m.OnStatus(log.record)
	defer dispose()

	r.NoError(m.Connect(context.Background()))
	fs.accept(t)
	r.Equal(StatusConnected, m.Status())

	r.NoError(m.Close())
	r.Equal(StatusDisconnected, m.Status())
	r.ErrorIs(m.Connect(context.Background()), ErrClosed)

	r.Equal([]Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusDisconnected}, log.snapshot())
}

func TestManager_ConnectFailure(t *testing.T) {
	fs := newFakeServer(t)
	url := fs.wsURL()
	fs.Close()

	m := newTestManager(t, url, Options{})
	err := m.Connect(context.Background())

	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestManager_RefreshPresence(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.wsURL(), Options{RefreshPresence: true})
	require.NoError(t, m.Connect(context.Background()))
	server := fs.accept(t)

	push(t, server, chat.EventUserJoined, chat.PresenceNotice{Username: "bob"})

	envelope := readEvent(t, server)
	assert.Equal(t, chat.EventUsersGet, envelope.Event)
}

func TestManager_Reconnects(t *testing.T) {
	r := require.New(t)

	// Given a manager that reconnects
	fs := newFakeServer(t)
	m := newTestManager(t, fs.wsURL(), Options{ReconnectDelay: 10 * time.Millisecond})
	r.NoError(m.Connect(context.Background()))
	first := fs.accept(t)

	received := make(chan string, 1)
	m.Subscribe(chat.EventNotification, func(data json.RawMessage) {
		var n chat.Notification
		_ = json.Unmarshal(data, &n)
		received <- n.Message
	})

	// When the server drops the connection
	r.NoError(first.Close())

	// Then the manager dials again and subscriptions still fire
	second := fs.accept(t)
	r.Eventually(func() bool { return m.Status() == StatusConnected }, 2*time.Second, 10*time.Millisecond)
	push(t, second, chat.EventNotification, chat.Notification{Message: "back"})

	select {
	case msg := <-received:
		r.Equal("back", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered after reconnect")
	}
}
