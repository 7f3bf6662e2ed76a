package api

import (
	"net/http"

	"pinghub/internal/groups"
	"pinghub/pkg/chat"

	"github.com/gin-gonic/gin"
)

type GroupHandlers struct {
	groups *groups.Service
}

func NewGroupHandlers(service *groups.Service) *GroupHandlers {
	return &GroupHandlers{groups: service}
}

func (h *GroupHandlers) PublicGroupsHandler(c *gin.Context) {
	public, err := h.groups.Public(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch groups"})
		return
	}
	if public == nil {
		public = []chat.Group{}
	}
	c.JSON(http.StatusOK, public)
}
