// Package session binds authenticated users to connections and keeps the
// directory's online flags in step with the registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pinghub/internal/apperr"
	"pinghub/internal/directory"
	"pinghub/internal/presence"
	"pinghub/pkg/chat"
)

// Directory is the part of the user directory the gateway uses.
type Directory interface {
	CheckUserExists(ctx context.Context, username, email string) (string, error)
	CreateUser(ctx context.Context, user *chat.User) error
	GetUser(ctx context.Context, userID string) (*chat.User, error)
	SetOnline(ctx context.Context, userID, connID string) error
	SetOffline(ctx context.Context, userID string) error
	SetOfflineByConnection(ctx context.Context, connID string) error
	RecentMessages(ctx context.Context, room string, limit int) ([]chat.Message, error)
	PinnedMessages(ctx context.Context, room string, limit int) ([]chat.Message, error)
}

type GroupLister interface {
	Visible(ctx context.Context, userID string) ([]chat.Group, error)
	Public(ctx context.Context) ([]chat.Group, error)
}

type Router interface {
	EmitTo(connID, event string, payload any)
	EmitGlobal(event string, payload any)
	EmitGlobalExcept(exceptConnID, event string, payload any)
}

type Broadcaster interface {
	Broadcast(ctx context.Context)
}

type Auditor interface {
	LogPasswordChange(ctx context.Context, userID string) error
}

type Config struct {
	HistoryLimit      int
	PinnedLimit       int
	MinPasswordLength int
}

var DefaultConfig = Config{HistoryLimit: 50, PinnedLimit: 10, MinPasswordLength: 6}

type Gateway struct {
	dir         Directory
	auth        Authenticator
	tokens      TokenIssuer
	registry    *presence.Registry
	groups      GroupLister
	router      Router
	broadcaster Broadcaster
	audit       Auditor
	cfg         Config
	log         *slog.Logger
	now         func() time.Time
}

type Deps struct {
	Directory   Directory
	Auth        Authenticator
	Tokens      TokenIssuer
	Registry    *presence.Registry
	Groups      GroupLister
	Router      Router
	Broadcaster Broadcaster
	Audit       Auditor
}

func NewGateway(deps Deps, cfg Config, log *slog.Logger) *Gateway {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig.HistoryLimit
	}
	if cfg.PinnedLimit <= 0 {
		cfg.PinnedLimit = DefaultConfig.PinnedLimit
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = DefaultConfig.MinPasswordLength
	}

	return &Gateway{
		dir:         deps.Directory,
		auth:        deps.Auth,
		tokens:      deps.Tokens,
		registry:    deps.Registry,
		groups:      deps.Groups,
		router:      deps.Router,
		broadcaster: deps.Broadcaster,
		audit:       deps.Audit,
		cfg:         cfg,
		log:         log.With(slog.String("component", "session")),
		now:         time.Now,
	}
}

// Register creates the account and signs the connection in as its owner.
func (g *Gateway) Register(ctx context.Context, conn presence.Conn, p chat.RegisterPayload) error {
	if len(p.Password) < g.cfg.MinPasswordLength {
		return apperr.Validation("Password is required and must be at least %d characters long.", g.cfg.MinPasswordLength)
	}

	field, err := g.dir.CheckUserExists(ctx, p.Username, p.Email)
	if err != nil {
		return apperr.Internal("Registration failed. Please try again.", err)
	}
	if field != "" {
		return apperr.Conflict("%s already exists! Choose a different %s.", field, field)
	}

	hash, err := g.auth.HashPassword(p.Password)
	if err != nil {
		return apperr.Validation("Password cannot be used: %v", err)
	}
	user := &chat.User{
		Username: p.Username,
		Email:    p.Email,
		Password: hash,
		Avatar:   p.Avatar,
		Bio:      p.Bio,
	}
	if err := g.dir.CreateUser(ctx, user); err != nil {
		return apperr.Internal("Registration failed. Please try again.", err)
	}

	token, err := g.tokens.GenerateToken(user.ID, user.Username)
	if err != nil {
		return apperr.Internal("Registration failed. Please try again.", err)
	}
	profile := g.signIn(ctx, conn, user)

	pinned, err := g.dir.PinnedMessages(ctx, chat.GlobalRoom, g.cfg.PinnedLimit)
	if err != nil {
		g.log.Error("Failed to load pinned messages", slog.Any("error", err))
	}
	public, err := g.groups.Public(ctx)
	if err != nil {
		g.log.Error("Failed to load public groups", slog.Any("error", err))
	}

	g.router.EmitTo(conn.ID(), chat.EventMessagesHistory, nonNil(pinned))
	g.router.EmitTo(conn.ID(), chat.EventGroupsList, nonNil(public))
	g.router.EmitTo(conn.ID(), chat.EventRegisterSuccess, chat.AuthSuccess{
		Message: fmt.Sprintf("Welcome to PingHub, %s! Start new conversations!", user.Username),
		User:    profile,
		Token:   token,
	})
	g.broadcaster.Broadcast(ctx)
	g.router.EmitGlobalExcept(conn.ID(), chat.EventUserJoined, g.notice(user.Username))

	g.log.Info("User registered", slog.String("userID", user.ID), slog.String("connID", conn.ID()))
	return nil
}

// Login verifies credentials, evicts older connections of the same user and
// backfills the connection.
func (g *Gateway) Login(ctx context.Context, conn presence.Conn, p chat.LoginPayload) error {
	if p.Email == "" || p.Password == "" {
		return apperr.Validation("Email and password are required for login.")
	}

	user, err := g.auth.Authenticate(ctx, p.Email, p.Password)
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return err
		}
		return apperr.Internal("Login failed. Please try again.", err)
	}

	token, err := g.tokens.GenerateToken(user.ID, user.Username)
	if err != nil {
		return apperr.Internal("Login failed. Please try again.", err)
	}
	profile := g.signIn(ctx, conn, user)

	recent, err := g.dir.RecentMessages(ctx, chat.GlobalRoom, g.cfg.HistoryLimit)
	if err != nil {
		g.log.Error("Failed to load recent messages", slog.Any("error", err))
	}
	visible, err := g.groups.Visible(ctx, user.ID)
	if err != nil {
		g.log.Error("Failed to load groups", slog.Any("error", err))
	}

	g.router.EmitTo(conn.ID(), chat.EventMessagesHistory, nonNil(recent))
	g.router.EmitTo(conn.ID(), chat.EventGroupsList, nonNil(visible))
	g.router.EmitTo(conn.ID(), chat.EventLoginSuccess, chat.AuthSuccess{
		Message: fmt.Sprintf("Welcome back, %s!", user.Username),
		User:    profile,
		Token:   token,
	})
	g.broadcaster.Broadcast(ctx)

	g.log.Info("User logged in", slog.String("userID", user.ID), slog.String("connID", conn.ID()))
	return nil
}

// Reconnect resumes a session for a user already known to the client,
// without checking credentials again. Other connections of the user stay
// bound.
func (g *Gateway) Reconnect(ctx context.Context, conn presence.Conn, ref chat.UserRef) error {
	user, err := g.resume(ctx, ref)
	if err != nil {
		return err
	}

	g.registry.Attach(conn, user.Public())
	g.markOnline(ctx, user.ID, conn.ID())
	g.broadcaster.Broadcast(ctx)

	g.log.Info("User reconnected", slog.String("userID", user.ID), slog.String("connID", conn.ID()))
	return nil
}

// Join moves a known user onto conn. Unlike Reconnect it supersedes the
// user's other connections.
func (g *Gateway) Join(ctx context.Context, conn presence.Conn, ref chat.UserRef) error {
	user, err := g.resume(ctx, ref)
	if err != nil {
		return err
	}

	g.signIn(ctx, conn, user)
	g.broadcaster.Broadcast(ctx)

	g.log.Info("User joined", slog.String("userID", user.ID), slog.String("connID", conn.ID()))
	return nil
}

func (g *Gateway) resume(ctx context.Context, ref chat.UserRef) (*chat.User, error) {
	if ref.UserID == "" {
		return nil, apperr.Validation("userId is required to reconnect.")
	}

	user, err := g.dir.GetUser(ctx, ref.UserID)
	if errors.Is(err, directory.ErrUserNotFound) {
		return nil, apperr.NotFound("User not found.")
	}
	if err != nil {
		return nil, apperr.Internal("Reconnect failed. Please sign in again.", err)
	}
	return user, nil
}

// signIn binds conn to user and marks the user online. A directory failure
// leaves the binding in place; the next bind or disconnect reconciles it.
func (g *Gateway) signIn(ctx context.Context, conn presence.Conn, user *chat.User) chat.PublicUser {
	session := g.registry.Bind(conn, user.Public())
	g.markOnline(ctx, user.ID, conn.ID())
	return session.Profile
}

func (g *Gateway) markOnline(ctx context.Context, userID, connID string) {
	if err := g.dir.SetOnline(ctx, userID, connID); err != nil {
		g.log.Error("Failed to mark user online",
			slog.String("userID", userID),
			slog.String("connID", connID),
			slog.Any("error", err))
	}
}

// Disconnect runs when the transport closes. The user goes offline only when
// no other connection is bound to them.
func (g *Gateway) Disconnect(ctx context.Context, connID, reason string) {
	session, last, ok := g.registry.Unbind(connID)
	if !ok {
		g.log.Debug("Unbound connection closed", slog.String("connID", connID), slog.String("reason", reason))
		return
	}

	if last {
		if err := g.dir.SetOfflineByConnection(ctx, connID); err != nil {
			g.log.Error("Failed to mark connection offline",
				slog.String("connID", connID),
				slog.Any("error", err))
		}
		g.router.EmitGlobal(chat.EventUserLeft, g.notice(session.Username))
		g.log.Info("User went offline",
			slog.String("userID", session.UserID),
			slog.String("reason", reason))
	} else if others := g.registry.ConnectionsOf(session.UserID); len(others) > 0 {
		// Keep the directory pointing at a live connection so the last
		// disconnect can still clear it.
		g.markOnline(ctx, session.UserID, others[0])
		g.log.Info("User still has other connections", slog.String("userID", session.UserID))
	}

	g.broadcaster.Broadcast(ctx)
}

// Logout signs the user bound to connID out regardless of other bindings.
// The unbind comes first so a transport close racing it finds nothing left
// to announce.
func (g *Gateway) Logout(ctx context.Context, connID string, p chat.LogoutPayload) error {
	current, ok := g.registry.Lookup(connID)
	if !ok {
		return apperr.Authorization("You are not signed in.")
	}
	if p.UserID != "" && p.UserID != current.UserID {
		return apperr.Authorization("You can only sign yourself out.")
	}

	session, _, ok := g.registry.Unbind(connID)
	if !ok {
		return apperr.Authorization("You are not signed in.")
	}

	if err := g.dir.SetOffline(ctx, session.UserID); err != nil {
		g.log.Error("Failed to mark user offline", slog.String("userID", session.UserID), slog.Any("error", err))
	}
	g.broadcaster.Broadcast(ctx)
	g.router.EmitGlobal(chat.EventUserLeft, g.notice(session.Username))

	g.log.Info("User logged out", slog.String("userID", session.UserID), slog.String("connID", connID))
	return nil
}

func (g *Gateway) ChangePassword(ctx context.Context, connID string, p chat.ChangePasswordPayload) error {
	session, ok := g.registry.Lookup(connID)
	if !ok {
		return apperr.Authorization("You are not signed in.")
	}
	if p.UserID != "" && p.UserID != session.UserID {
		return apperr.Authorization("You can only change your own password.")
	}

	if err := g.auth.ChangePassword(ctx, session.UserID, p.CurrentPassword, p.NewPassword); err != nil {
		return err
	}

	g.router.EmitTo(connID, chat.EventPasswordSuccess, chat.StatusMessage{Message: "Password updated successfully!"})
	if err := g.audit.LogPasswordChange(ctx, session.UserID); err != nil {
		g.log.Error("Failed to audit password change", slog.String("userID", session.UserID), slog.Any("error", err))
	}
	return nil
}

func (g *Gateway) notice(username string) chat.PresenceNotice {
	return chat.PresenceNotice{Username: username, Timestamp: g.now().UTC()}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
