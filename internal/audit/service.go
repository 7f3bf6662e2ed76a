package audit

import (
	"context"
	"encoding/json"
	"fmt"

	. "pinghub/pkg/chat"

	"gorm.io/gorm"
)

type AuditService struct {
	db *gorm.DB
}

func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{db: db}
}

// Action constants for audit logging
const (
	ActionCreateGroup    = "CREATE_GROUP"
	ActionJoinGroup      = "JOIN_GROUP"
	ActionRequestJoin    = "REQUEST_JOIN"
	ActionApproveJoin    = "APPROVE_JOIN"
	ActionDeclineJoin    = "DECLINE_JOIN"
	ActionChangePassword = "CHANGE_PASSWORD"
)

type AuditMetadata struct {
	RequestID string `json:"request_id,omitempty"`
	IsPrivate bool   `json:"is_private,omitempty"`
	Admins    int    `json:"admins_notified,omitempty"`
}

func (s *AuditService) record(ctx context.Context, entry AuditLog, metadata AuditMetadata) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	entry.Metadata = string(metadataJSON)

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to write audit log %s: %w", entry.Action, err)
	}
	return nil
}

// LogGroupCreation logs when a group is created
func (s *AuditService) LogGroupCreation(ctx context.Context, actorID, groupID, groupName string, isPrivate bool) error {
	return s.record(ctx, AuditLog{
		Action:      ActionCreateGroup,
		ActorID:     actorID,
		GroupID:     &groupID,
		Description: "Created group '" + groupName + "'",
	}, AuditMetadata{IsPrivate: isPrivate})
}

// LogGroupJoin logs a direct join of a public group
func (s *AuditService) LogGroupJoin(ctx context.Context, userID, groupID, groupName string) error {
	return s.record(ctx, AuditLog{
		Action:      ActionJoinGroup,
		ActorID:     userID,
		GroupID:     &groupID,
		Description: "Joined group '" + groupName + "'",
	}, AuditMetadata{})
}

// LogJoinRequest logs a join request delivered to the group admins
func (s *AuditService) LogJoinRequest(ctx context.Context, userID, groupID, requestID string, adminsNotified int) error {
	return s.record(ctx, AuditLog{
		Action:      ActionRequestJoin,
		ActorID:     userID,
		GroupID:     &groupID,
		Description: "Requested to join group",
	}, AuditMetadata{RequestID: requestID, IsPrivate: true, Admins: adminsNotified})
}

// LogJoinDecision logs an admin approving or declining a join request
func (s *AuditService) LogJoinDecision(ctx context.Context, actorID, targetID, groupID, requestID string, approved bool) error {
	action := ActionApproveJoin
	description := "Approved join request"
	if !approved {
		action = ActionDeclineJoin
		description = "Declined join request"
	}

	return s.record(ctx, AuditLog{
		Action:      action,
		ActorID:     actorID,
		TargetID:    &targetID,
		GroupID:     &groupID,
		Description: description,
	}, AuditMetadata{RequestID: requestID})
}

// LogPasswordChange logs a successful password change
func (s *AuditService) LogPasswordChange(ctx context.Context, userID string) error {
	return s.record(ctx, AuditLog{
		Action:      ActionChangePassword,
		ActorID:     userID,
		Description: "Changed password",
	}, AuditMetadata{})
}

// GetAuditLogs retrieves audit logs with pagination and filtering
func (s *AuditService) GetAuditLogs(ctx context.Context, groupID *string, actorID *string, action *string, limit, offset int) ([]AuditLog, int64, error) {
	query := s.db.WithContext(ctx).Model(&AuditLog{})

	if groupID != nil {
		query = query.Where("group_id = ?", *groupID)
	}
	if actorID != nil {
		query = query.Where("actor_id = ?", *actorID)
	}
	if action != nil {
		query = query.Where("action = ?", *action)
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []AuditLog
	err := query.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&logs).Error

	return logs, total, err
}
