package chat

import (
	"encoding/json"
	"time"
)

// Inbound events.
const (
	EventUserRegister       = "user:register"
	EventUserLogin          = "user:login"
	EventUserReconnect      = "user:reconnect"
	EventUserJoin           = "user:join"
	EventUserLogout         = "user:logout"
	EventUserChangePassword = "user:change-password"
	EventUserTheme          = "user:theme"
	EventUsersGet           = "users:get"
	EventGroupCreate        = "group:create"
	EventGroupsGet          = "groups:get"
	EventGroupsGetAll       = "groups:get:all"
	EventGroupJoin          = "group:join"
	EventGroupApprove       = "group:approve"
	EventGroupDecline       = "group:decline"
	EventGroupMembersGet    = "group:members:get"
	EventRoomJoin           = "room:join"
	EventRoomLeave          = "room:leave"
	EventGroupJoinRoom      = "group:join:room"
	EventGroupLeaveRoom     = "group:leave:room"
	EventMessageSend        = "message:send"
	EventMessagesGet        = "messages:get"
	EventGroupMessageSend   = "group:message:send"
	EventFileUploaded       = "file:uploaded"
)

// Outbound events.
const (
	EventRegisterSuccess      = "register:success"
	EventRegisterError        = "register:error"
	EventLoginSuccess         = "login:success"
	EventLoginError           = "login:error"
	EventPasswordSuccess      = "password:success"
	EventPasswordError        = "password:error"
	EventUsersOnline          = "users:online"
	EventUserJoined           = "user:joined"
	EventUserLeft             = "user:left"
	EventGroupsList           = "groups:list"
	EventGroupsAll            = "groups:all"
	EventGroupJoined          = "group:joined"
	EventGroupError           = "group:error"
	EventGroupCreated         = "group:created"
	EventGroupNew             = "group:new"
	EventGroupUpdated         = "group:updated"
	EventGroupJoinRequest     = "group:join:request"
	EventGroupJoinPending     = "group:join:pending"
	EventGroupMembersUpdate   = "group:members:update"
	EventMessagesHistory      = "messages:history"
	EventGroupMessagesHistory = "group:messages:history"
	EventMessageNew           = "message:new"
	EventMessageSent          = "message:sent"
	EventFileNew              = "file:new"
	EventThemeChanged         = "theme:changed"
	EventNotification         = "notification"
	EventError                = "error"
)

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload into an Envelope and marshals it.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

type PublicUser struct {
	UserID   string     `json:"userId"`
	Username string     `json:"username"`
	Email    string     `json:"email,omitempty"`
	Avatar   string     `json:"avatar,omitempty"`
	Bio      string     `json:"bio,omitempty"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
	JoinedAt time.Time  `json:"joinedAt,omitempty"`
}

type OnlineUsers struct {
	Count int          `json:"count"`
	Users []PublicUser `json:"users"`
}

type Notification struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

const (
	NotificationSuccess = "success"
	NotificationInfo    = "info"
	NotificationWarning = "warning"
)

// StatusMessage is a bare {message} payload.
type StatusMessage struct {
	Message string `json:"message"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type PresenceNotice struct {
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type AuthSuccess struct {
	Message string     `json:"message"`
	User    PublicUser `json:"user"`
	Token   string     `json:"token,omitempty"`
}

type RegisterPayload struct {
	Username string `json:"username" validate:"required,min=2,max=32"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password"`
	Avatar   string `json:"avatar,omitempty"`
	Bio      string `json:"bio,omitempty"`
}

type LoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserRef identifies an already established user on reconnect and in group actions.
type UserRef struct {
	UserID   string `json:"userId" validate:"required"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type LogoutPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type ChangePasswordPayload struct {
	UserID          string `json:"userId"`
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type ThemePayload struct {
	Username string `json:"username"`
	Theme    string `json:"theme" validate:"required"`
}

type CreateGroupPayload struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"createdBy" validate:"required"`
	IsPrivate   bool   `json:"isPrivate"`
}

type JoinGroupPayload struct {
	GroupID string  `json:"groupId" validate:"required"`
	User    UserRef `json:"user"`
}

type ApprovePayload struct {
	RequestID  string  `json:"requestId" validate:"required"`
	GroupID    string  `json:"groupId" validate:"required"`
	UserID     string  `json:"userId" validate:"required"`
	ApprovedBy UserRef `json:"approvedBy"`
}

type DeclinePayload struct {
	RequestID  string  `json:"requestId" validate:"required"`
	GroupID    string  `json:"groupId" validate:"required"`
	UserID     string  `json:"userId" validate:"required"`
	DeclinedBy UserRef `json:"declinedBy"`
}

type JoinRequest struct {
	RequestID   string    `json:"requestId"`
	GroupID     string    `json:"groupId"`
	GroupName   string    `json:"groupName"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	UserEmail   string    `json:"userEmail,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

type GroupMembers struct {
	GroupID string       `json:"groupId"`
	Users   []PublicUser `json:"users"`
}

type SendMessagePayload struct {
	Room     string          `json:"room,omitempty"`
	UserID   string          `json:"userId" validate:"required"`
	Username string          `json:"username" validate:"required"`
	Text     string          `json:"text,omitempty"`
	File     *FileAttachment `json:"file,omitempty"`
}

type GroupMessagePayload struct {
	GroupID  string          `json:"groupId" validate:"required"`
	UserID   string          `json:"userId" validate:"required"`
	Username string          `json:"username" validate:"required"`
	Text     string          `json:"text,omitempty"`
	File     *FileAttachment `json:"file,omitempty"`
}

type HistoryRequest struct {
	Room string `json:"room"`
}

// FileNotice is relayed as-is to the audience of file:new.
type FileNotice struct {
	Room         string `json:"room,omitempty"`
	Username     string `json:"username" validate:"required"`
	OriginalName string `json:"originalName" validate:"required"`
	FileName     string `json:"fileName,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	Size         int64  `json:"size,omitempty"`
	URL          string `json:"url,omitempty"`
}
