package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pinghub/pkg/chat"

	"gorm.io/gorm"
)

// CheckUserExists reports which of username or email is already taken.
// field is empty when neither is.
func (s *Store) CheckUserExists(ctx context.Context, username, email string) (field string, err error) {
	var existing chat.User
	err = s.db.WithContext(ctx).
		Where("username = ? OR email = ?", username, email).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check user uniqueness: %w", err)
	}

	if existing.Username == username {
		return "username", nil
	}
	return "email", nil
}

func (s *Store) CreateUser(ctx context.Context, user *chat.User) error {
	if user.JoinedAt.IsZero() {
		user.JoinedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*chat.User, error) {
	var user chat.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &user, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*chat.User, error) {
	var user chat.User
	if err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]chat.User, error) {
	var users []chat.User
	if err := s.db.WithContext(ctx).Order("username ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (s *Store) OnlineUsers(ctx context.Context) ([]chat.User, error) {
	var users []chat.User
	if err := s.db.WithContext(ctx).Where("is_online = ?", true).Order("username ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}
	return users, nil
}

// SetOnline records connID as the user's current connection.
func (s *Store) SetOnline(ctx context.Context, userID, connID string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&chat.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"is_online":     true,
			"connection_id": connID,
			"last_seen":     now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark user online: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetOfflineByConnection marks offline the user whose current connection is
// connID. A user that has since moved to another connection is left alone.
func (s *Store) SetOfflineByConnection(ctx context.Context, connID string) error {
	err := s.db.WithContext(ctx).Model(&chat.User{}).
		Where("connection_id = ?", connID).
		Updates(map[string]interface{}{
			"is_online":     false,
			"connection_id": "",
			"last_seen":     time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark connection offline: %w", err)
	}
	return nil
}

func (s *Store) SetOffline(ctx context.Context, userID string) error {
	err := s.db.WithContext(ctx).Model(&chat.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"is_online":     false,
			"connection_id": "",
			"last_seen":     time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark user offline: %w", err)
	}
	return nil
}

// ResetPresence marks every user offline. Run at startup: no connection
// survives a restart.
func (s *Store) ResetPresence(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&chat.User{}).
		Where("is_online = ?", true).
		Updates(map[string]interface{}{
			"is_online":     false,
			"connection_id": "",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset presence: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	result := s.db.WithContext(ctx).Model(&chat.User{}).
		Where("id = ?", userID).
		Update("password", passwordHash)
	if result.Error != nil {
		return fmt.Errorf("failed to update password: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
