// Package messaging persists chat messages and fans them out to rooms.
package messaging

import (
	"context"
	"log/slog"

	"pinghub/internal/apperr"
	"pinghub/internal/presence"
	"pinghub/pkg/chat"
)

type Store interface {
	SaveMessage(ctx context.Context, message *chat.Message) error
	RecentMessages(ctx context.Context, room string, limit int) ([]chat.Message, error)
	GroupMessages(ctx context.Context, groupID string) ([]chat.Message, error)
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
}

type Router interface {
	EmitTo(connID, event string, payload any)
	EmitToRoom(room, event string, payload any)
	EmitToRoomExcept(room, exceptConnID, event string, payload any)
	EmitGlobal(event string, payload any)
	EmitGlobalExcept(exceptConnID, event string, payload any)
	Join(connID, room string)
	Leave(connID, room string)
}

type Sessions interface {
	Lookup(connID string) (presence.Session, bool)
}

type Service struct {
	store        Store
	router       Router
	sessions     Sessions
	historyLimit int
	log          *slog.Logger
}

func NewService(store Store, router Router, sessions Sessions, historyLimit int, log *slog.Logger) *Service {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Service{
		store:        store,
		router:       router,
		sessions:     sessions,
		historyLimit: historyLimit,
		log:          log.With(slog.String("component", "messaging")),
	}
}

func isGlobal(room string) bool {
	return room == "" || room == chat.GlobalRoom
}

func (s *Service) sender(connID, claimed string) (presence.Session, error) {
	session, ok := s.sessions.Lookup(connID)
	if !ok {
		return presence.Session{}, apperr.Authorization("Sign in before sending messages.")
	}
	if claimed != "" && claimed != session.UserID {
		return presence.Session{}, apperr.Authorization("You can only send messages as yourself.")
	}
	return session, nil
}

func (s *Service) requireMember(ctx context.Context, groupID, userID string) error {
	isMember, err := s.store.IsMember(ctx, groupID, userID)
	if err != nil {
		return apperr.Internal("Failed to check membership", err)
	}
	if !isMember {
		return apperr.Authorization("You are not a member of this group")
	}
	return nil
}

// Send handles message:send. Global messages reach everyone but the sender,
// who gets message:sent instead. A group room behaves like SendGroup.
func (s *Service) Send(ctx context.Context, connID string, p chat.SendMessagePayload) error {
	if !isGlobal(p.Room) {
		return s.SendGroup(ctx, connID, chat.GroupMessagePayload{
			GroupID:  p.Room,
			UserID:   p.UserID,
			Username: p.Username,
			Text:     p.Text,
			File:     p.File,
		})
	}

	session, err := s.sender(connID, p.UserID)
	if err != nil {
		return err
	}
	message, err := s.save(ctx, chat.GlobalRoom, session, p.Text, p.File)
	if err != nil {
		return err
	}

	s.router.EmitGlobalExcept(connID, chat.EventMessageNew, message)
	s.router.EmitTo(connID, chat.EventMessageSent, message)
	return nil
}

// SendGroup handles group:message:send. Every connection in the group room,
// the sender's included, receives message:new.
func (s *Service) SendGroup(ctx context.Context, connID string, p chat.GroupMessagePayload) error {
	session, err := s.sender(connID, p.UserID)
	if err != nil {
		return err
	}
	if p.GroupID == "" {
		return apperr.Validation("groupId is required")
	}
	if err := s.requireMember(ctx, p.GroupID, session.UserID); err != nil {
		return err
	}

	message, err := s.save(ctx, p.GroupID, session, p.Text, p.File)
	if err != nil {
		return err
	}
	s.router.EmitToRoom(p.GroupID, chat.EventMessageNew, message)
	return nil
}

// save stamps the message with the bound session's identity. Names carried in
// the payload are ignored.
func (s *Service) save(ctx context.Context, room string, session presence.Session, text string, file *chat.FileAttachment) (*chat.Message, error) {
	if text == "" && file == nil {
		return nil, apperr.Validation("Message text or file is required")
	}

	message := &chat.Message{
		Room:     room,
		UserID:   session.UserID,
		Username: session.Username,
		Text:     text,
		File:     file,
	}
	if err := s.store.SaveMessage(ctx, message); err != nil {
		return nil, apperr.Internal("Failed to send message", err)
	}
	return message, nil
}

// History answers messages:get with the recent global history or the full
// history of a group the caller belongs to.
func (s *Service) History(ctx context.Context, connID string, p chat.HistoryRequest) error {
	if isGlobal(p.Room) {
		messages, err := s.store.RecentMessages(ctx, chat.GlobalRoom, s.historyLimit)
		if err != nil {
			return apperr.Internal("Failed to load messages", err)
		}
		s.router.EmitTo(connID, chat.EventMessagesHistory, messages)
		return nil
	}

	session, err := s.sender(connID, "")
	if err != nil {
		return err
	}
	if err := s.requireMember(ctx, p.Room, session.UserID); err != nil {
		return err
	}
	messages, err := s.store.GroupMessages(ctx, p.Room)
	if err != nil {
		return apperr.Internal("Failed to load messages", err)
	}
	s.router.EmitTo(connID, chat.EventGroupMessagesHistory, messages)
	return nil
}

// FileUploaded relays an upload notice to the room, or to everyone, except
// the uploader.
func (s *Service) FileUploaded(_ context.Context, connID string, notice chat.FileNotice) error {
	if session, ok := s.sessions.Lookup(connID); ok {
		notice.Username = session.Username
	}
	if isGlobal(notice.Room) {
		s.router.EmitGlobalExcept(connID, chat.EventFileNew, notice)
	} else {
		s.router.EmitToRoomExcept(notice.Room, connID, chat.EventFileNew, notice)
	}

	s.log.Info("File uploaded",
		slog.String("username", notice.Username),
		slog.String("file", notice.OriginalName),
		slog.String("room", notice.Room))
	return nil
}

// JoinRoom subscribes the connection to a group room it is a member of.
func (s *Service) JoinRoom(ctx context.Context, connID, room string) error {
	if isGlobal(room) {
		return nil
	}
	session, err := s.sender(connID, "")
	if err != nil {
		return err
	}
	if err := s.requireMember(ctx, room, session.UserID); err != nil {
		return err
	}
	s.router.Join(connID, room)
	return nil
}

func (s *Service) LeaveRoom(_ context.Context, connID, room string) error {
	s.router.Leave(connID, room)
	return nil
}

// Theme relays a theme change to every connection.
func (s *Service) Theme(_ context.Context, _ string, p chat.ThemePayload) error {
	if p.Theme == "" {
		return apperr.Validation("theme is required")
	}
	s.router.EmitGlobal(chat.EventThemeChanged, p)
	return nil
}
