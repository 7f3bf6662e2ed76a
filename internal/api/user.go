package api

import (
	"context"
	"errors"
	"net/http"

	"pinghub/internal/directory"
	"pinghub/internal/presence"
	"pinghub/pkg/chat"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

type UserReader interface {
	GetUser(ctx context.Context, userID string) (*chat.User, error)
}

type UserHandlers struct {
	users       UserReader
	broadcaster *presence.Broadcaster
}

func NewUserHandlers(users UserReader, broadcaster *presence.Broadcaster) *UserHandlers {
	return &UserHandlers{users: users, broadcaster: broadcaster}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// OnlineUsersHandler returns the users with a live connection.
func (h *UserHandlers) OnlineUsersHandler(c *gin.Context) {
	snapshot, err := h.broadcaster.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch online users"})
		return
	}

	online := lo.Filter(snapshot.Users, func(u chat.PublicUser, _ int) bool {
		return u.IsOnline
	})
	c.JSON(http.StatusOK, online)
}

// AllUsersHandler returns every user, with isOnline taken from live
// connections rather than the persisted flag.
func (h *UserHandlers) AllUsersHandler(c *gin.Context) {
	snapshot, err := h.broadcaster.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch users"})
		return
	}
	c.JSON(http.StatusOK, snapshot.Users)
}

func (h *UserHandlers) GetUserHandler(c *gin.Context) {
	user, err := h.users.GetUser(c.Request.Context(), c.Param("userId"))
	if errors.Is(err, directory.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "User not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch user"})
		return
	}

	c.JSON(http.StatusOK, user.Public())
}
