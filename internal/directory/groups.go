package directory

import (
	"context"
	"errors"
	"fmt"

	"pinghub/pkg/chat"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) groups(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Preload("Memberships", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC")
	})
}

// CreateGroup stores group and makes its creator both member and admin.
func (s *Store) CreateGroup(ctx context.Context, group *chat.Group) error {
	if group.Name == "" {
		return errors.New("group name cannot be empty")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Memberships").Create(group).Error; err != nil {
			return err
		}
		owner := chat.GroupMember{
			GroupID: group.ID,
			UserID:  group.CreatedBy,
			Role:    chat.RoleAdmin,
		}
		return tx.Omit("User").Create(&owner).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}

	group.Members = []string{group.CreatedBy}
	group.Admins = []string{group.CreatedBy}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*chat.Group, error) {
	var group chat.Group
	if err := s.groups(ctx).First(&group, "id = ?", groupID).Error; err != nil {
		return nil, notFound(err, ErrGroupNotFound)
	}
	return &group, nil
}

func (s *Store) PublicGroups(ctx context.Context) ([]chat.Group, error) {
	var groups []chat.Group
	if err := s.groups(ctx).Where("is_private = ?", false).Order("created_at ASC").Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("failed to list public groups: %w", err)
	}
	return groups, nil
}

func (s *Store) AllGroups(ctx context.Context) ([]chat.Group, error) {
	var groups []chat.Group
	if err := s.groups(ctx).Order("created_at ASC").Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return groups, nil
}

func (s *Store) UserGroups(ctx context.Context, userID string) ([]chat.Group, error) {
	var groups []chat.Group
	err := s.groups(ctx).
		Joins("JOIN group_members ON chat_groups.id = group_members.group_id").
		Where("group_members.user_id = ?", userID).
		Order("chat_groups.created_at ASC").
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list user groups: %w", err)
	}
	return groups, nil
}

func (s *Store) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	return s.hasMembership(ctx, groupID, userID, "")
}

func (s *Store) IsAdmin(ctx context.Context, groupID, userID string) (bool, error) {
	return s.hasMembership(ctx, groupID, userID, chat.RoleAdmin)
}

func (s *Store) hasMembership(ctx context.Context, groupID, userID, role string) (bool, error) {
	query := s.db.WithContext(ctx).Model(&chat.GroupMember{}).
		Where("group_id = ? AND user_id = ?", groupID, userID)
	if role != "" {
		query = query.Where("role = ?", role)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return count > 0, nil
}

// AddMember is idempotent: an existing membership keeps its role.
func (s *Store) AddMember(ctx context.Context, groupID, userID string) error {
	member := chat.GroupMember{GroupID: groupID, UserID: userID, Role: chat.RoleMember}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Omit("User").
		Create(&member).Error
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// MemberProfiles resolves the members of groupID to their user records.
func (s *Store) MemberProfiles(ctx context.Context, groupID string) ([]chat.User, error) {
	var users []chat.User
	err := s.db.WithContext(ctx).
		Joins("JOIN group_members ON users.id = group_members.user_id").
		Where("group_members.group_id = ?", groupID).
		Order("group_members.created_at ASC").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	return users, nil
}
