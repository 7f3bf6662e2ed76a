// Package groups implements group listings, creation and the join workflow.
package groups

import (
	"context"
	"errors"
	"log/slog"

	"pinghub/internal/apperr"
	"pinghub/internal/directory"
	"pinghub/internal/presence"
	"pinghub/pkg/chat"

	"github.com/samber/lo"
)

// Directory is the part of the user directory the group components use.
type Directory interface {
	CreateGroup(ctx context.Context, group *chat.Group) error
	GetGroup(ctx context.Context, groupID string) (*chat.Group, error)
	PublicGroups(ctx context.Context) ([]chat.Group, error)
	AllGroups(ctx context.Context) ([]chat.Group, error)
	UserGroups(ctx context.Context, userID string) ([]chat.Group, error)
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	IsAdmin(ctx context.Context, groupID, userID string) (bool, error)
	AddMember(ctx context.Context, groupID, userID string) error
	MemberProfiles(ctx context.Context, groupID string) ([]chat.User, error)
	GroupMessages(ctx context.Context, groupID string) ([]chat.Message, error)
}

type Router interface {
	EmitTo(connID, event string, payload any)
	EmitToUser(userID, event string, payload any)
	EmitGlobal(event string, payload any)
}

type Sessions interface {
	Lookup(connID string) (presence.Session, bool)
	ConnectionsOf(userIDs ...string) []string
}

type Auditor interface {
	LogGroupCreation(ctx context.Context, actorID, groupID, groupName string, isPrivate bool) error
	LogGroupJoin(ctx context.Context, userID, groupID, groupName string) error
	LogJoinRequest(ctx context.Context, userID, groupID, requestID string, adminsNotified int) error
	LogJoinDecision(ctx context.Context, actorID, targetID, groupID, requestID string, approved bool) error
}

// actor resolves the session bound to connID. A claimed id that differs from
// the bound one is rejected.
func actor(sessions Sessions, connID, claimed string) (presence.Session, error) {
	session, ok := sessions.Lookup(connID)
	if !ok {
		return presence.Session{}, apperr.Authorization("Sign in before managing groups.")
	}
	if claimed != "" && claimed != session.UserID {
		return presence.Session{}, apperr.Authorization("You can only act on your own behalf.")
	}
	return session, nil
}

func actorID(sessions Sessions, connID, claimed string) (string, error) {
	session, err := actor(sessions, connID, claimed)
	return session.UserID, err
}

func loadGroup(ctx context.Context, dir Directory, groupID string) (*chat.Group, error) {
	group, err := dir.GetGroup(ctx, groupID)
	if errors.Is(err, directory.ErrGroupNotFound) {
		return nil, apperr.NotFound("Group not found")
	}
	if err != nil {
		return nil, apperr.Internal("Failed to load group", err)
	}
	return group, nil
}

// Service serves group listings and creation.
type Service struct {
	dir      Directory
	router   Router
	sessions Sessions
	audit    Auditor
	log      *slog.Logger
}

func NewService(dir Directory, router Router, sessions Sessions, audit Auditor, log *slog.Logger) *Service {
	return &Service{
		dir:      dir,
		router:   router,
		sessions: sessions,
		audit:    audit,
		log:      log.With(slog.String("component", "groups")),
	}
}

// Create stores a group owned by its creator and announces it.
func (s *Service) Create(ctx context.Context, connID string, p chat.CreateGroupPayload) error {
	creator, err := actorID(s.sessions, connID, p.CreatedBy)
	if err != nil {
		return err
	}
	if p.Name == "" {
		return apperr.Validation("Group name is required")
	}

	group := &chat.Group{
		Name:        p.Name,
		Description: p.Description,
		IsPrivate:   p.IsPrivate,
		CreatedBy:   creator,
	}
	if err := s.dir.CreateGroup(ctx, group); err != nil {
		return apperr.Internal("Failed to create group", err)
	}

	s.router.EmitTo(connID, chat.EventGroupCreated, group)
	s.router.EmitGlobal(chat.EventGroupNew, group)

	if err := s.audit.LogGroupCreation(ctx, creator, group.ID, group.Name, group.IsPrivate); err != nil {
		s.log.Error("Failed to audit group creation", slog.String("groupID", group.ID), slog.Any("error", err))
	}
	s.log.Info("Group created",
		slog.String("groupID", group.ID),
		slog.String("name", group.Name),
		slog.Bool("private", group.IsPrivate))
	return nil
}

// Visible returns the groups of userID followed by the public groups they
// are not in, without duplicates.
func (s *Service) Visible(ctx context.Context, userID string) ([]chat.Group, error) {
	mine, err := s.dir.UserGroups(ctx, userID)
	if err != nil {
		return nil, err
	}
	public, err := s.dir.PublicGroups(ctx)
	if err != nil {
		return nil, err
	}

	return lo.UniqBy(append(mine, public...), func(g chat.Group) string {
		return g.ID
	}), nil
}

func (s *Service) Public(ctx context.Context) ([]chat.Group, error) {
	return s.dir.PublicGroups(ctx)
}

func (s *Service) List(ctx context.Context, connID, userID string) error {
	if userID == "" {
		if session, ok := s.sessions.Lookup(connID); ok {
			userID = session.UserID
		}
	}

	groups, err := s.Visible(ctx, userID)
	if err != nil {
		return apperr.Internal("Failed to load groups", err)
	}
	s.router.EmitTo(connID, chat.EventGroupsList, groups)
	return nil
}

func (s *Service) All(ctx context.Context, connID string) error {
	groups, err := s.dir.AllGroups(ctx)
	if err != nil {
		return apperr.Internal("Failed to load groups", err)
	}
	s.router.EmitTo(connID, chat.EventGroupsAll, groups)
	return nil
}

// Members sends the public profile of every member of groupID.
func (s *Service) Members(ctx context.Context, connID, groupID string) error {
	if _, err := loadGroup(ctx, s.dir, groupID); err != nil {
		return err
	}

	users, err := s.dir.MemberProfiles(ctx, groupID)
	if err != nil {
		return apperr.Internal("Failed to load group members", err)
	}
	s.router.EmitTo(connID, chat.EventGroupMembersUpdate, chat.GroupMembers{
		GroupID: groupID,
		Users: lo.Map(users, func(u chat.User, _ int) chat.PublicUser {
			return chat.PublicUser{UserID: u.ID, Username: u.Username, Email: u.Email}
		}),
	})
	return nil
}
