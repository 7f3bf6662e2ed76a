package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"pinghub/internal/apperr"
	"pinghub/internal/groups"
	"pinghub/internal/messaging"
	"pinghub/internal/presence"
	"pinghub/internal/session"
	"pinghub/pkg/chat"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// disconnectTimeout bounds presence bookkeeping for a closed connection. It
// runs detached from the lifetime context so shutdown still records it.
const disconnectTimeout = 5 * time.Second

type eventHandler func(ctx context.Context, client *Client, data json.RawMessage) error

type HandlerDeps struct {
	Gateway     *session.Gateway
	Broadcaster *presence.Broadcaster
	Groups      *groups.Service
	Workflow    *groups.Workflow
	Messaging   *messaging.Service
}

// MessageHandler decodes inbound events and dispatches them. Failures are
// reported to the originating client only.
type MessageHandler struct {
	hub       *Hub
	deps      HandlerDeps
	clientCfg ClientConfig
	validate  *validator.Validate
	handlers  map[string]eventHandler
	log       *slog.Logger
}

func NewMessageHandler(hub *Hub, deps HandlerDeps, clientCfg ClientConfig, log *slog.Logger) *MessageHandler {
	mh := &MessageHandler{
		hub:       hub,
		deps:      deps,
		clientCfg: clientCfg,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       log.With(slog.String("component", "dispatch")),
	}
	mh.handlers = map[string]eventHandler{
		chat.EventUserRegister:       mh.handleRegister,
		chat.EventUserLogin:          mh.handleLogin,
		chat.EventUserReconnect:      mh.handleReconnect,
		chat.EventUserJoin:           mh.handleJoin,
		chat.EventUserLogout:         mh.handleLogout,
		chat.EventUserChangePassword: mh.handleChangePassword,
		chat.EventUserTheme:          mh.handleTheme,
		chat.EventUsersGet:           mh.handleUsersGet,
		chat.EventGroupCreate:        mh.handleGroupCreate,
		chat.EventGroupsGet:          mh.handleGroupsGet,
		chat.EventGroupsGetAll:       mh.handleGroupsGetAll,
		chat.EventGroupJoin:          mh.handleGroupJoin,
		chat.EventGroupApprove:       mh.handleGroupApprove,
		chat.EventGroupDecline:       mh.handleGroupDecline,
		chat.EventGroupMembersGet:    mh.handleGroupMembers,
		chat.EventRoomJoin:           mh.roomHandler("roomId", true),
		chat.EventRoomLeave:          mh.roomHandler("roomId", false),
		chat.EventGroupJoinRoom:      mh.roomHandler("groupId", true),
		chat.EventGroupLeaveRoom:     mh.roomHandler("groupId", false),
		chat.EventMessageSend:        mh.handleMessageSend,
		chat.EventMessagesGet:        mh.handleMessagesGet,
		chat.EventGroupMessageSend:   mh.handleGroupMessageSend,
		chat.EventFileUploaded:       mh.handleFileUploaded,
	}
	return mh
}

// Serve registers a client for conn and starts its pumps. ctx outlives the
// HTTP request and bounds the work done on behalf of the client.
func (mh *MessageHandler) Serve(ctx context.Context, conn *websocket.Conn) *Client {
	client := NewClient(conn, mh.clientCfg, mh.log)
	mh.hub.Register(client)
	mh.log.Debug("Client connected", slog.String("connID", client.ID()))

	go client.WritePump()
	go client.ReadPump(ctx, mh)
	return client
}

func (mh *MessageHandler) HandleMessage(ctx context.Context, client *Client, messageData []byte) {
	var envelope chat.Envelope
	defer func() {
		if r := recover(); r != nil {
			mh.log.Error("Event handler panicked",
				slog.String("connID", client.ID()),
				slog.String("event", envelope.Event),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			mh.sendErrorToClient(client, envelope.Event, apperr.Internal("Something went wrong. Please try again.", fmt.Errorf("panic: %v", r)))
		}
	}()

	if err := json.Unmarshal(messageData, &envelope); err != nil || envelope.Event == "" {
		mh.sendErrorToClient(client, "", apperr.Validation("Malformed event"))
		return
	}

	handler, ok := mh.handlers[envelope.Event]
	if !ok {
		mh.sendErrorToClient(client, envelope.Event, apperr.Validation("Unknown event %q", envelope.Event))
		return
	}

	if err := handler(ctx, client, envelope.Data); err != nil {
		mh.sendErrorToClient(client, envelope.Event, err)
	}
}

func (mh *MessageHandler) HandleDisconnect(ctx context.Context, client *Client) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()

	mh.hub.Unregister(client)
	mh.deps.Gateway.Disconnect(ctx, client.ID(), "transport closed")
}

// errorEvent names the event a failure of event is reported on.
func errorEvent(event string) string {
	switch {
	case event == chat.EventUserRegister:
		return chat.EventRegisterError
	case event == chat.EventUserLogin:
		return chat.EventLoginError
	case event == chat.EventUserChangePassword:
		return chat.EventPasswordError
	case strings.HasPrefix(event, "group:"), strings.HasPrefix(event, "groups:"):
		return chat.EventGroupError
	default:
		return chat.EventError
	}
}

func (mh *MessageHandler) sendErrorToClient(client *Client, event string, err error) {
	logger := mh.log.With(slog.String("connID", client.ID()), slog.String("event", event))
	if errors.Is(err, apperr.ErrInternal) || !isTyped(err) {
		logger.Error("Event failed", slog.Any("error", err))
	} else {
		logger.Debug("Event rejected", slog.String("code", apperr.Code(err)), slog.Any("error", err))
	}

	payload := chat.ErrorPayload{
		Message: apperr.Message(err, "Something went wrong. Please try again."),
		Code:    apperr.Code(err),
	}
	if sendErr := client.Send(errorEvent(event), payload); sendErr != nil {
		logger.Error("Failed to send error", slog.Any("error", sendErr))
	}
}

func isTyped(err error) bool {
	var appErr *apperr.Error
	return errors.As(err, &appErr)
}

// decode unmarshals data into T and validates its struct tags.
func decode[T any](mh *MessageHandler, data json.RawMessage) (T, error) {
	var payload T
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &payload); err != nil {
			return payload, apperr.Validation("Malformed payload")
		}
	}

	if err := mh.validate.Struct(payload); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return payload, apperr.Validation("%s", describe(fieldErrs[0]))
		}
		return payload, apperr.Validation("Invalid payload")
	}
	return payload, nil
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters long", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters long", field, fe.Param())
	default:
		return field + " is invalid"
	}
}

// decodeID accepts either a bare JSON string or an object carrying key.
func decodeID(data json.RawMessage, key string) (string, error) {
	if len(data) == 0 || string(data) == "null" {
		return "", nil
	}

	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id, nil
	}
	var object map[string]any
	if err := json.Unmarshal(data, &object); err != nil {
		return "", apperr.Validation("Malformed payload")
	}
	id, _ = object[key].(string)
	return id, nil
}

func (mh *MessageHandler) handleRegister(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.RegisterPayload](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Gateway.Register(ctx, client, p)
}

func (mh *MessageHandler) handleLogin(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.LoginPayload](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Gateway.Login(ctx, client, p)
}

func (mh *MessageHandler) handleReconnect(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.UserRef](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Gateway.Reconnect(ctx, client, p)
}

func (mh *MessageHandler) handleJoin(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.UserRef](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Gateway.Join(ctx, client, p)
}

func (mh *MessageHandler) handleLogout(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.LogoutPayload](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Gateway.Logout(ctx, client.ID(), p)
}

func (mh *MessageHandler) handleChangePassword(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.ChangePasswordPayload](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Gateway.ChangePassword(ctx, client.ID(), p)
}

func (mh *MessageHandler) handleTheme(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.ThemePayload](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Messaging.Theme(ctx, client.ID(), p)
}

func (mh *MessageHandler) handleUsersGet(ctx context.Context, _ *Client, _ json.RawMessage) error {
	mh.deps.Broadcaster.Broadcast(ctx)
	return nil
}

func (mh *MessageHandler) handleGroupCreate(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.CreateGroupPayload](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Groups.Create(ctx, client.ID(), p)
}

func (mh *MessageHandler) handleGroupsGet(ctx context.Context, client *Client, data json.RawMessage) error {
	userID, err := decodeID(data, "userId")
	if err != nil {
		return err
	}
	return mh.deps.Groups.List(ctx, client.ID(), userID)
}

func (mh *MessageHandler) handleGroupsGetAll(ctx context.Context, client *Client, _ json.RawMessage) error {
	return mh.deps.Groups.All(ctx, client.ID())
}

func (mh *MessageHandler) handleGroupJoin(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.JoinGroupPayload](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Workflow.RequestJoin(ctx, client.ID(), p)
}

func (mh *MessageHandler) handleGroupApprove(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.ApprovePayload](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Workflow.Approve(ctx, client.ID(), p)
}

func (mh *MessageHandler) handleGroupDecline(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.DeclinePayload](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Workflow.Decline(ctx, client.ID(), p)
}

func (mh *MessageHandler) handleGroupMembers(ctx context.Context, client *Client, data json.RawMessage) error {
	groupID, err := decodeID(data, "groupId")
	if err != nil {
		return err
	}
	if groupID == "" {
		return apperr.Validation("groupId is required")
	}
	return mh.deps.Groups.Members(ctx, client.ID(), groupID)
}

func (mh *MessageHandler) roomHandler(key string, join bool) eventHandler {
	return func(ctx context.Context, client *Client, data json.RawMessage) error {
		room, err := decodeID(data, key)
		if err != nil {
			return err
		}
		if room == "" {
			return apperr.Validation("%s is required", key)
		}
		if join {
			return mh.deps.Messaging.JoinRoom(ctx, client.ID(), room)
		}
		return mh.deps.Messaging.LeaveRoom(ctx, client.ID(), room)
	}
}

func (mh *MessageHandler) handleMessageSend(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.SendMessagePayload](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Messaging.Send(ctx, client.ID(), p)
}

func (mh *MessageHandler) handleMessagesGet(ctx context.Context, client *Client, data json.RawMessage) error {
	room, err := decodeID(data, "room")
	if err != nil {
		return err
	}
	return mh.deps.Messaging.History(ctx, client.ID(), chat.HistoryRequest{Room: room})
}

func (mh *MessageHandler) handleGroupMessageSend(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.GroupMessagePayload](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Messaging.SendGroup(ctx, client.ID(), p)
}

func (mh *MessageHandler) handleFileUploaded(ctx context.Context, client *Client, data json.RawMessage) error {
	p, err := decode[chat.FileNotice](mh, data)
	if err != nil {
		return err
	}
	return mh.deps.Messaging.FileUploaded(ctx, client.ID(), p)
}
