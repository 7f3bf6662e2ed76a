package api

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"pinghub/internal/presence"
	"pinghub/internal/websocket"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	ctx      context.Context
	upgrader gorilla.Upgrader
	handler  *websocket.MessageHandler
	hub      *websocket.Hub
	registry *presence.Registry
	log      *slog.Logger
}

// NewWebSocketHandler serves connections for as long as ctx lives, not for
// the duration of the upgrade request.
func NewWebSocketHandler(ctx context.Context, allowedOrigin string, handler *websocket.MessageHandler, hub *websocket.Hub, registry *presence.Registry, log *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		ctx:      ctx,
		upgrader: websocket.NewUpgrader(allowedOrigin),
		handler:  handler,
		hub:      hub,
		registry: registry,
		log:      log,
	}
}

// HandleWebSocket upgrades the request. The connection is anonymous until a
// user:register, user:login or user:reconnect event binds it.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already answered with an HTTP error.
		h.log.Debug("Websocket upgrade failed",
			slog.String("remote", c.ClientIP()),
			slog.Any("error", err))
		return
	}

	h.handler.Serve(h.ctx, conn)
}

type WebSocketInfoResponse struct {
	TotalConnections int                 `json:"totalConnections"`
	OnlineUsers      int                 `json:"onlineUsers"`
	Connections      []WebSocketUserInfo `json:"connections"`
	ServerTime       string              `json:"serverTime"`
}

type WebSocketUserInfo struct {
	ConnectionID string   `json:"connectionId"`
	UserID       string   `json:"userId"`
	Username     string   `json:"username"`
	JoinedAt     string   `json:"joinedAt"`
	Rooms        []string `json:"rooms"`
}

// GetConnectionInfo lists the bound connections and the rooms they joined.
func (h *WebSocketHandler) GetConnectionInfo(c *gin.Context) {
	online := h.registry.Snapshot()

	connections := make([]WebSocketUserInfo, 0, len(online))
	for userID := range online {
		for _, connID := range h.registry.ConnectionsOf(userID) {
			session, ok := h.registry.Lookup(connID)
			if !ok {
				continue
			}
			rooms := h.hub.Rooms(connID)
			if rooms == nil {
				rooms = []string{}
			}
			sort.Strings(rooms)
			connections = append(connections, WebSocketUserInfo{
				ConnectionID: connID,
				UserID:       session.UserID,
				Username:     session.Username,
				JoinedAt:     session.JoinedAt.UTC().Format(time.RFC3339),
				Rooms:        rooms,
			})
		}
	}
	sort.Slice(connections, func(i, j int) bool {
		return connections[i].Username < connections[j].Username
	})

	c.JSON(http.StatusOK, WebSocketInfoResponse{
		TotalConnections: h.hub.ClientCount(),
		OnlineUsers:      len(online),
		Connections:      connections,
		ServerTime:       time.Now().UTC().Format(time.RFC3339),
	})
}
