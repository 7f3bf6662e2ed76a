package directory

import (
	"context"
	"fmt"

	"pinghub/pkg/chat"
)

func (s *Store) SaveMessage(ctx context.Context, message *chat.Message) error {
	if message.Room == "" {
		message.Room = chat.GlobalRoom
	}
	if err := s.db.WithContext(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit messages of room, oldest first.
func (s *Store) RecentMessages(ctx context.Context, room string, limit int) ([]chat.Message, error) {
	var messages []chat.Message
	err := s.db.WithContext(ctx).
		Where("room = ?", room).
		Order("timestamp DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}

	reverse(messages)
	return messages, nil
}

// PinnedMessages returns the last limit pinned messages of room, oldest first.
func (s *Store) PinnedMessages(ctx context.Context, room string, limit int) ([]chat.Message, error) {
	var messages []chat.Message
	err := s.db.WithContext(ctx).
		Where("room = ? AND is_pinned = ?", room, true).
		Order("timestamp DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pinned messages: %w", err)
	}

	reverse(messages)
	return messages, nil
}

// GroupMessages returns the full history of a group room.
func (s *Store) GroupMessages(ctx context.Context, groupID string) ([]chat.Message, error) {
	var messages []chat.Message
	err := s.db.WithContext(ctx).
		Where("room = ?", groupID).
		Order("timestamp ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load group messages: %w", err)
	}
	return messages, nil
}

// PinMessage sets the pinned flag shown to new registrations.
func (s *Store) PinMessage(ctx context.Context, messageID string, pinned bool) error {
	result := s.db.WithContext(ctx).Model(&chat.Message{}).
		Where("id = ?", messageID).
		Update("is_pinned", pinned)
	if result.Error != nil {
		return fmt.Errorf("failed to pin message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Reverse the order to show oldest first (chronological order)
func reverse(messages []chat.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
