package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"pinghub/internal/auth"
	"pinghub/internal/directory"
	"pinghub/internal/middleware"
	"pinghub/internal/storage"
	. "pinghub/pkg/chat"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret-key-for-testing"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	store  *directory.Store
	tokens *auth.Tokens
	cancel context.CancelFunc
}

func setupServer(t *testing.T) *testEnv {
	db, err := storage.Connect(":memory:")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := NewServer(ctx, Config{
		Secret:     testSecret,
		TokenTTL:   time.Hour,
		BcryptCost: bcrypt.MinCost,
		RateLimit:  middleware.LenientRateLimit,
	}, db, slog.New(slog.DiscardHandler))

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server: server,
		http:   ts,
		store:  directory.NewStore(db),
		tokens: auth.NewTokens(testSecret, time.Hour),
		cancel: cancel,
	}
}

func (e *testEnv) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.http.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) createUser(t *testing.T, username string) *User {
	t.Helper()
	user := &User{Username: username, Email: username + "@example.com", Password: "hash"}
	require.NoError(t, e.store.CreateUser(context.Background(), user))
	return user
}

func (e *testEnv) token(t *testing.T, user *User) string {
	t.Helper()
	token, err := e.tokens.GenerateToken(user.ID, user.Username)
	require.NoError(t, err)
	return token
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// peer is a websocket client speaking the event envelope.
type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) connect(t *testing.T) *peer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) emit(event string, data any) {
	p.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteJSON(Envelope{Event: event, Data: raw}))
}

// expect skips frames until event arrives and decodes its payload into T.
func expect[T any](p *peer, event string) T {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		var envelope Envelope
		require.NoError(p.t, p.conn.ReadJSON(&envelope), "waiting for %s", event)
		if envelope.Event != event {
			continue
		}
		var payload T
		require.NoError(p.t, json.Unmarshal(envelope.Data, &payload))
		return payload
	}
}

func (p *peer) register(username string) AuthSuccess {
	p.t.Helper()
	p.emit(EventUserRegister, RegisterPayload{Username: username, Email: username + "@example.com", Password: "secret123"})
	return expect[AuthSuccess](p, EventRegisterSuccess)
}

func TestHealthEndpoints(t *testing.T) {
	env := setupServer(t)

	resp := env.get(t, "/hc", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.get(t, "/api/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeBody[HealthResponse](t, resp)
	assert.Equal(t, "OK", health.Status)
	assert.Equal(t, "connected", health.Database)
	assert.Zero(t, health.OnlineUsers)
	if assert.NotNil(t, health.Process) {
		assert.Positive(t, health.Process.Goroutines)
	}
}

func TestUserEndpoints(t *testing.T) {
	env := setupServer(t)
	alice := env.createUser(t, "alice")
	env.createUser(t, "bob")

	t.Run("all users", func(t *testing.T) {
		users := decodeBody[[]PublicUser](t, env.get(t, "/api/users/all", ""))
		require.Len(t, users, 2)
		assert.Equal(t, "alice", users[0].Username)
		assert.False(t, users[0].IsOnline)
	})

	t.Run("online users follow live connections", func(t *testing.T) {
		assert.Empty(t, decodeBody[[]PublicUser](t, env.get(t, "/api/users/online", "")))

		p := env.connect(t)
		p.emit(EventUserReconnect, UserRef{UserID: alice.ID})
		expect[OnlineUsers](p, EventUsersOnline)

		online := decodeBody[[]PublicUser](t, env.get(t, "/api/users/online", ""))
		require.Len(t, online, 1)
		assert.Equal(t, alice.ID, online[0].UserID)
	})

	t.Run("single user requires a token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, env.get(t, "/api/users/"+alice.ID, "").StatusCode)

		resp := env.get(t, "/api/users/"+alice.ID, env.token(t, alice))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "alice", decodeBody[PublicUser](t, resp).Username)

		assert.Equal(t, http.StatusNotFound, env.get(t, "/api/users/missing", env.token(t, alice)).StatusCode)
	})
}

func TestGroupAndMessageEndpoints(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	alice := env.createUser(t, "alice")
	require.NoError(t, env.store.CreateGroup(ctx, &Group{Name: "open", CreatedBy: alice.ID}))
	require.NoError(t, env.store.CreateGroup(ctx, &Group{Name: "secret", CreatedBy: alice.ID, IsPrivate: true}))

	public := decodeBody[[]Group](t, env.get(t, "/api/groups", ""))
	require.Len(t, public, 1)
	assert.Equal(t, "open", public[0].Name)

	message := &Message{UserID: alice.ID, Username: "alice", Text: "hello"}
	require.NoError(t, env.store.SaveMessage(ctx, message))

	recent := decodeBody[[]Message](t, env.get(t, "/api/messages?limit=5", ""))
	require.Len(t, recent, 1)
	assert.False(t, recent[0].IsPinned)

	pin := func(id, token, body string) int {
		req, err := http.NewRequest(http.MethodPatch, env.http.URL+"/api/messages/"+id+"/pin", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	token := env.token(t, alice)
	assert.Equal(t, http.StatusUnauthorized, pin(message.ID, "", `{"pinned":true}`))
	assert.Equal(t, http.StatusBadRequest, pin(message.ID, token, `{}`))
	assert.Equal(t, http.StatusNotFound, pin("missing", token, `{"pinned":true}`))
	assert.Equal(t, http.StatusOK, pin(message.ID, token, `{"pinned":true}`))

	pinned, err := env.store.PinnedMessages(ctx, GlobalRoom, 10)
	require.NoError(t, err)
	assert.Len(t, pinned, 1)
}

func TestWebSocket_RegisterAndChat(t *testing.T) {
	r := require.New(t)
	env := setupServer(t)

	// Given
	alice := env.connect(t)
	aliceAuth := alice.register("alice")
	r.NotEmpty(aliceAuth.Token)
	r.Equal("alice", aliceAuth.User.Username)

	bob := env.connect(t)
	bobID := bob.register("bob").User.UserID
	joined := expect[PresenceNotice](alice, EventUserJoined)
	r.Equal("bob", joined.Username)

	// When
	bob.emit(EventMessageSend, SendMessagePayload{Username: "bob", Text: "no id"})
	r.Equal(EventError, expectError(bob).event)
	bob.emit(EventMessageSend, SendMessagePayload{UserID: bobID, Username: "bob", Text: "hi alice"})

	// Then
	r.Equal("hi alice", expect[Message](alice, EventMessageNew).Text)
	r.Equal("hi alice", expect[Message](bob, EventMessageSent).Text)

	health := decodeBody[HealthResponse](t, env.get(t, "/api/health", ""))
	r.Equal(2, health.OnlineUsers)
}

type receivedError struct {
	event   string
	payload ErrorPayload
}

// expectError returns the next error-like event.
func expectError(p *peer) receivedError {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		var envelope Envelope
		require.NoError(p.t, p.conn.ReadJSON(&envelope))
		switch envelope.Event {
		case EventError, EventRegisterError, EventLoginError, EventGroupError, EventPasswordError:
			var payload ErrorPayload
			require.NoError(p.t, json.Unmarshal(envelope.Data, &payload))
			return receivedError{event: envelope.Event, payload: payload}
		}
	}
}

func TestWebSocket_Errors(t *testing.T) {
	env := setupServer(t)
	p := env.connect(t)

	tests := []struct {
		name  string
		event string
		data  any
		want  string
		code  string
	}{
		{name: "unknown event", event: "nope", data: nil, want: EventError, code: "validation"},
		{name: "short password", event: EventUserRegister, data: RegisterPayload{Username: "carol", Email: "carol@example.com", Password: "123"}, want: EventRegisterError, code: "validation"},
		{name: "invalid email", event: EventUserRegister, data: RegisterPayload{Username: "carol", Email: "carol", Password: "secret123"}, want: EventRegisterError, code: "validation"},
		{name: "bad login", event: EventUserLogin, data: LoginPayload{Email: "nobody@example.com", Password: "secret123"}, want: EventLoginError, code: "authorization"},
		{name: "anonymous group join", event: EventGroupJoin, data: JoinGroupPayload{GroupID: "g1", User: UserRef{UserID: "u1"}}, want: EventGroupError, code: "authorization"},
		{name: "anonymous password change", event: EventUserChangePassword, data: ChangePasswordPayload{CurrentPassword: "a", NewPassword: "b"}, want: EventPasswordError, code: "authorization"},
		{name: "reconnect unknown user", event: EventUserReconnect, data: UserRef{UserID: "ghost"}, want: EventError, code: "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p.emit(tt.event, tt.data)
			got := expectError(p)
			assert.Equal(t, tt.want, got.event)
			assert.Equal(t, tt.code, got.payload.Code)
			assert.NotEmpty(t, got.payload.Message)
		})
	}
}

func TestWebSocket_PrivateGroupJoin(t *testing.T) {
	r := require.New(t)
	env := setupServer(t)

	// Given an admin and a requester, both connected
	alice := env.connect(t)
	aliceID := alice.register("alice").User.UserID
	bob := env.connect(t)
	bobID := bob.register("bob").User.UserID

	alice.emit(EventGroupCreate, CreateGroupPayload{Name: "core", CreatedBy: aliceID, IsPrivate: true})
	group := expect[Group](alice, EventGroupCreated)
	r.Equal([]string{aliceID}, group.Admins)

	// When bob asks to join
	bob.emit(EventGroupJoin, JoinGroupPayload{GroupID: group.ID, User: UserRef{UserID: bobID, Username: "bob"}})
	request := expect[JoinRequest](alice, EventGroupJoinRequest)
	r.Equal(bobID, request.UserID)
	expect[StatusMessage](bob, EventGroupJoinPending)

	// Then the admin approval makes him a member
	alice.emit(EventGroupApprove, ApprovePayload{RequestID: request.RequestID, GroupID: group.ID, UserID: bobID, ApprovedBy: UserRef{UserID: aliceID}})
	updated := expect[Group](bob, EventGroupJoined)
	r.ElementsMatch([]string{aliceID, bobID}, updated.Members)

	// A second approval of the same request is rejected
	alice.emit(EventGroupApprove, ApprovePayload{RequestID: request.RequestID, GroupID: group.ID, UserID: bobID, ApprovedBy: UserRef{UserID: aliceID}})
	r.Equal(EventGroupError, expectError(alice).event)

	// And group messages reach every member in the room
	alice.emit(EventGroupJoinRoom, group.ID)
	bob.emit(EventGroupJoinRoom, map[string]string{"groupId": group.ID})
	// Events of one connection are handled in order, so the history reply
	// confirms the room join.
	alice.emit(EventMessagesGet, HistoryRequest{Room: group.ID})
	expect[[]Message](alice, EventGroupMessagesHistory)
	bob.emit(EventMessagesGet, group.ID)
	expect[[]Message](bob, EventGroupMessagesHistory)
	alice.emit(EventGroupMessageSend, GroupMessagePayload{GroupID: group.ID, UserID: aliceID, Username: "alice", Text: "welcome bob"})
	r.Equal("welcome bob", expect[Message](bob, EventMessageNew).Text)
	r.Equal("welcome bob", expect[Message](alice, EventMessageNew).Text)

	info := decodeBody[WebSocketInfoResponse](t, env.get(t, "/api/ws/info", env.tokenFor(t, aliceID, "alice")))
	r.Equal(2, info.OnlineUsers)
	r.Len(info.Connections, 2)
	r.Equal([]string{group.ID}, info.Connections[0].Rooms)

	audit := decodeBody[AuditLogsResponse](t, env.get(t, "/api/audit?groupId="+group.ID, env.tokenFor(t, aliceID, "alice")))
	r.EqualValues(3, audit.Total)
	r.Equal(http.StatusForbidden, env.get(t, "/api/audit?groupId="+group.ID, env.tokenFor(t, bobID, "bob")).StatusCode)
}

func (e *testEnv) tokenFor(t *testing.T, userID, username string) string {
	t.Helper()
	token, err := e.tokens.GenerateToken(userID, username)
	require.NoError(t, err)
	return token
}

func TestWebSocket_DisconnectGoesOffline(t *testing.T) {
	env := setupServer(t)
	alice := env.connect(t)
	alice.register("alice")
	bob := env.connect(t)
	bob.register("bob")

	require.NoError(t, bob.conn.Close())

	left := expect[PresenceNotice](alice, EventUserLeft)
	assert.Equal(t, "bob", left.Username)
	assert.Eventually(t, func() bool {
		return len(decodeBody[[]PublicUser](t, env.get(t, "/api/users/online", ""))) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWebSocket_ShutdownRecordsOffline(t *testing.T) {
	env := setupServer(t)
	alice := env.connect(t)
	registered := alice.register("alice")

	// Given the server lifetime has ended
	env.cancel()

	// When shutdown closes every websocket
	assert.Equal(t, 1, env.server.hub.CloseAll())

	// Then the disconnect still reaches the directory
	assert.Eventually(t, func() bool {
		user, err := env.store.GetUser(context.Background(), registered.User.UserID)
		return err == nil && !user.IsOnline
	}, 3*time.Second, 20*time.Millisecond)
}
