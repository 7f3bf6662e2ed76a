package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	a "pinghub/internal/audit"
	"pinghub/pkg/chat"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

type GroupAdmins interface {
	IsAdmin(ctx context.Context, groupID, userID string) (bool, error)
}

type AuditHandlers struct {
	service *a.AuditService
	admins  GroupAdmins
}

func NewAuditHandlers(service *a.AuditService, admins GroupAdmins) *AuditHandlers {
	return &AuditHandlers{service: service, admins: admins}
}

type AuditLogResponse struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	ActorID     string         `json:"actorId"`
	TargetID    *string        `json:"targetId,omitempty"`
	GroupID     *string        `json:"groupId,omitempty"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   string         `json:"createdAt"`
}

type AuditLogsResponse struct {
	Logs  []AuditLogResponse `json:"logs"`
	Total int64              `json:"total"`
	Page  int                `json:"page"`
	Limit int                `json:"limit"`
}

// GetAuditLogsHandler lists audit entries. With groupId the caller must be an
// admin of that group; without it only the caller's own entries are listed.
func (h *AuditHandlers) GetAuditLogsHandler(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "User not authenticated"})
		return
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := (page - 1) * limit

	var groupFilter, actorFilter, actionFilter *string
	if groupID := c.Query("groupId"); groupID != "" {
		isAdmin, err := h.admins.IsAdmin(c.Request.Context(), groupID, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to retrieve audit logs"})
			return
		}
		if !isAdmin {
			c.JSON(http.StatusForbidden, ErrorResponse{Error: "Only group admins can view group audit logs"})
			return
		}
		groupFilter = &groupID
	} else {
		actorFilter = &userID
	}
	if action := c.Query("action"); action != "" {
		actionFilter = &action
	}

	logs, total, err := h.service.GetAuditLogs(c.Request.Context(), groupFilter, actorFilter, actionFilter, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to retrieve audit logs"})
		return
	}

	response := AuditLogsResponse{
		Logs: lo.Map(logs, func(log chat.AuditLog, _ int) AuditLogResponse {
			metadata := map[string]any{}
			if log.Metadata != "" {
				_ = json.Unmarshal([]byte(log.Metadata), &metadata)
			}
			return AuditLogResponse{
				ID:          log.ID,
				Action:      log.Action,
				ActorID:     log.ActorID,
				TargetID:    log.TargetID,
				GroupID:     log.GroupID,
				Description: log.Description,
				Metadata:    metadata,
				CreatedAt:   log.CreatedAt.UTC().Format(time.RFC3339),
			}
		}),
		Total: total,
		Page:  page,
		Limit: limit,
	}

	c.JSON(http.StatusOK, response)
}
