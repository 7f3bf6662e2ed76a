// Package presence tracks which users are bound to live connections and
// projects that state onto the user directory.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"pinghub/pkg/chat"
)

// Conn is the handle the registry keeps to evict a superseded connection.
type Conn interface {
	ID() string
	Close()
}

// Session binds one connection to a logical user.
type Session struct {
	ConnectionID string
	UserID       string
	Username     string
	Profile      chat.PublicUser
	JoinedAt     time.Time
	IsOnline     bool

	conn Conn
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session // connection id -> session
	log      *slog.Logger
	now      func() time.Time
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		log:      log.With(slog.String("component", "registry")),
		now:      time.Now,
	}
}

// Bind makes conn the only live session of user. Sessions of the same user on
// other connections are removed and their connections closed once the
// registry lock is released. Rebinding the same connection updates in place.
func (r *Registry) Bind(conn Conn, user chat.PublicUser) Session {
	session := r.session(conn, user)

	var evicted []Session
	r.mu.Lock()
	for connID, existing := range r.sessions {
		if existing.UserID == user.UserID && connID != session.ConnectionID {
			delete(r.sessions, connID)
			evicted = append(evicted, existing)
		}
	}
	r.sessions[session.ConnectionID] = session
	r.mu.Unlock()

	for _, old := range evicted {
		r.log.Info("Evicting superseded connection",
			slog.String("userID", old.UserID),
			slog.String("connID", old.ConnectionID),
			slog.String("replacedBy", session.ConnectionID))
		if old.conn != nil {
			old.conn.Close()
		}
	}

	r.log.Debug("Connection bound",
		slog.String("userID", session.UserID),
		slog.String("connID", session.ConnectionID),
		slog.Int("evicted", len(evicted)))
	return session
}

// Attach binds conn to user without evicting the user's other connections.
// Session resumption uses it so several devices can stay connected.
func (r *Registry) Attach(conn Conn, user chat.PublicUser) Session {
	session := r.session(conn, user)

	r.mu.Lock()
	r.sessions[session.ConnectionID] = session
	r.mu.Unlock()

	r.log.Debug("Connection attached",
		slog.String("userID", session.UserID),
		slog.String("connID", session.ConnectionID))
	return session
}

func (r *Registry) session(conn Conn, user chat.PublicUser) Session {
	session := Session{
		ConnectionID: conn.ID(),
		UserID:       user.UserID,
		Username:     user.Username,
		Profile:      user,
		JoinedAt:     r.now().UTC(),
		IsOnline:     true,
		conn:         conn,
	}
	session.Profile.IsOnline = true
	return session
}

// Unbind removes the session of connID. last reports, under the same lock,
// that no other connection is still bound to the session's user. ok is false
// when none was bound, so concurrent unbinds of one user's connections see
// exactly one last.
func (r *Registry) Unbind(connID string) (session Session, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok = r.sessions[connID]
	if !ok {
		return Session{}, false, false
	}
	delete(r.sessions, connID)
	for _, other := range r.sessions {
		if other.UserID == session.UserID {
			return session, false, true
		}
	}
	return session, true, true
}

// HasOtherBinding reports whether userID is bound to a connection other than
// excludingConnID.
func (r *Registry) HasOtherBinding(userID, excludingConnID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for connID, session := range r.sessions {
		if session.UserID == userID && connID != excludingConnID {
			return true
		}
	}
	return false
}

// Snapshot returns the ids of users with a live session.
func (r *Registry) Snapshot() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make(map[string]struct{}, len(r.sessions))
	for _, session := range r.sessions {
		users[session.UserID] = struct{}{}
	}
	return users
}

func (r *Registry) Lookup(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[connID]
	return session, ok
}

// ConnectionsOf returns the connection ids bound to any of userIDs.
func (r *Registry) ConnectionsOf(userIDs ...string) []string {
	wanted := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var connIDs []string
	for connID, session := range r.sessions {
		if _, ok := wanted[session.UserID]; ok {
			connIDs = append(connIDs, connID)
		}
	}
	return connIDs
}

// Count is the number of live sessions, not of distinct users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
