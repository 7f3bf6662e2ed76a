//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_session.go -package=mocks
package session

import (
	"context"

	"pinghub/pkg/chat"
)

// Authenticator verifies credentials and owns password hashing.
type Authenticator interface {
	HashPassword(password string) (string, error)
	Authenticate(ctx context.Context, email, password string) (*chat.User, error)
	ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error
}

type TokenIssuer interface {
	GenerateToken(userID string, username string) (string, error)
}
