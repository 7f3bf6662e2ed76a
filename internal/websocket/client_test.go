package websocket

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

type echoDispatcher struct {
	mu           sync.Mutex
	received     []string
	disconnected chan string
}

func (d *echoDispatcher) HandleMessage(_ context.Context, client *Client, data []byte) {
	d.mu.Lock()
	d.received = append(d.received, string(data))
	d.mu.Unlock()
	_ = client.Send(chat.EventNotification, chat.Notification{Type: chat.NotificationInfo, Message: string(data)})
}

func (d *echoDispatcher) HandleDisconnect(_ context.Context, client *Client) {
	d.disconnected <- client.ID()
}

func startServer(t *testing.T, cfg ClientConfig, d Dispatcher) *httptest.Server {
	t.Helper()
	upgrader := NewUpgrader("")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(conn, cfg, slog.New(slog.DiscardHandler))
		go client.WritePump()
		go client.ReadPump(context.Background(), d)
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) chat.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var envelope chat.Envelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	return envelope
}

func TestClient_RoundTrip(t *testing.T) {
	r := require.New(t)
	d := &echoDispatcher{disconnected: make(chan string, 1)}
	conn := dial(t, startServer(t, ClientConfig{}, d))

	// When
	r.NoError(conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"users:get"}`)))

	// Then
	envelope := readEnvelope(t, conn)
	r.Equal(chat.EventNotification, envelope.Event)
	var notification chat.Notification
	r.NoError(json.Unmarshal(envelope.Data, &notification))
	r.Equal(`{"event":"users:get"}`, notification.Message)

	r.NoError(conn.Close())
	select {
	case connID := <-d.disconnected:
		r.NotEmpty(connID)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not dispatched")
	}
}

func TestClient_RateLimited(t *testing.T) {
	d := &echoDispatcher{disconnected: make(chan string, 1)}
	conn := dial(t, startServer(t, ClientConfig{EventsPerSecond: 0.001, EventBurst: 1}, d))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`first`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`second`)))

	assert.Equal(t, chat.EventNotification, readEnvelope(t, conn).Event)
	limited := readEnvelope(t, conn)
	assert.Equal(t, chat.EventError, limited.Event)
	var payload chat.ErrorPayload
	require.NoError(t, json.Unmarshal(limited.Data, &payload))
	assert.Equal(t, "rate_limited", payload.Code)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []string{"first"}, d.received)
}

func TestClient_OversizedFrameCloses(t *testing.T) {
	d := &echoDispatcher{disconnected: make(chan string, 1)}
	conn := dial(t, startServer(t, ClientConfig{MaxMessageSize: 16}, d))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64))))

	select {
	case <-d.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("oversized frame did not close the client")
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	client := NewClient(nil, ClientConfig{}, slog.New(slog.DiscardHandler))

	client.Close()
	client.Close()

	<-client.Done()
	assert.NoError(t, client.Send(chat.EventNotification, chat.Notification{}))
	assert.Empty(t, client.send)
}

func TestNewUpgrader_CheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed string
		origin  string
		host    string
		want    bool
	}{
		{name: "no origin header", allowed: "https://app.example.com", want: true},
		{name: "wildcard", allowed: "*", origin: "https://evil.example.com", want: true},
		{name: "allowed origin", allowed: "https://app.example.com", origin: "https://app.example.com", want: true},
		{name: "same host", allowed: "https://app.example.com", origin: "http://chat.local:3000", host: "chat.local:3000", want: true},
		{name: "foreign origin", allowed: "https://app.example.com", origin: "https://evil.example.com", host: "chat.local", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upgrader := NewUpgrader(tt.allowed)
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, upgrader.CheckOrigin(req))
		})
	}
}
