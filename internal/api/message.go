package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"pinghub/internal/directory"
	"pinghub/pkg/chat"

	"github.com/gin-gonic/gin"
)

type MessageStore interface {
	RecentMessages(ctx context.Context, room string, limit int) ([]chat.Message, error)
	PinMessage(ctx context.Context, messageID string, pinned bool) error
}

type MessageHandlers struct {
	messages     MessageStore
	historyLimit int
}

func NewMessageHandlers(messages MessageStore, historyLimit int) *MessageHandlers {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &MessageHandlers{messages: messages, historyLimit: historyLimit}
}

// RecentMessagesHandler returns the tail of the global room. Group history is
// only served over the websocket, to members.
func (h *MessageHandlers) RecentMessagesHandler(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(h.historyLimit)))
	if err != nil || limit <= 0 || limit > h.historyLimit {
		limit = h.historyLimit
	}

	messages, err := h.messages.RecentMessages(c.Request.Context(), chat.GlobalRoom, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch messages"})
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

type PinMessageRequest struct {
	Pinned *bool `json:"pinned" binding:"required"`
}

func (h *MessageHandlers) PinMessageHandler(c *gin.Context) {
	var req PinMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "pinned is required"})
		return
	}

	err := h.messages.PinMessage(c.Request.Context(), c.Param("messageId"), *req.Pinned)
	if errors.Is(err, directory.ErrMessageNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Message not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to update message"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messageId": c.Param("messageId"), "pinned": *req.Pinned})
}
