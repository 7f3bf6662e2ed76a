package presence

import (
	"context"
	"log/slog"

	"pinghub/pkg/chat"

	"github.com/samber/lo"
)

// UserLister is the slice of the directory the broadcaster reads.
type UserLister interface {
	ListUsers(ctx context.Context) ([]chat.User, error)
}

type Emitter interface {
	EmitGlobal(event string, payload any)
}

// Broadcaster publishes users:online to every connection. isOnline in the
// payload reflects the registry, not the persisted flag.
type Broadcaster struct {
	users    UserLister
	registry *Registry
	emitter  Emitter
	log      *slog.Logger
}

func NewBroadcaster(users UserLister, registry *Registry, emitter Emitter, log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		users:    users,
		registry: registry,
		emitter:  emitter,
		log:      log.With(slog.String("component", "presence")),
	}
}

// Snapshot projects the directory against the registry.
func (b *Broadcaster) Snapshot(ctx context.Context) (chat.OnlineUsers, error) {
	users, err := b.users.ListUsers(ctx)
	if err != nil {
		return chat.OnlineUsers{}, err
	}

	online := b.registry.Snapshot()
	projected := lo.Map(users, func(u chat.User, _ int) chat.PublicUser {
		public := u.Public()
		_, public.IsOnline = online[u.ID]
		return public
	})
	return chat.OnlineUsers{Count: len(online), Users: projected}, nil
}

// Broadcast never fails: a directory error is logged and nothing is emitted.
func (b *Broadcaster) Broadcast(ctx context.Context) {
	snapshot, err := b.Snapshot(ctx)
	if err != nil {
		b.log.Error("Skipping presence broadcast", slog.Any("error", err))
		return
	}
	b.emitter.EmitGlobal(chat.EventUsersOnline, snapshot)
}
