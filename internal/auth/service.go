package auth

import (
	"context"
	"errors"
	"fmt"

	"pinghub/internal/apperr"
	"pinghub/internal/directory"
	. "pinghub/pkg/chat"

	"golang.org/x/crypto/bcrypt"
)

// Message texts are shown verbatim to the connection that attempted the login.
var (
	ErrInvalidCredentials = &apperr.Error{Kind: apperr.ErrAuthorization, Message: "Invalid email or password."}
	ErrWrongPassword      = &apperr.Error{Kind: apperr.ErrAuthorization, Message: "Current password is incorrect."}
)

type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	GetUser(ctx context.Context, userID string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
}

type AuthService struct {
	users     UserStore
	minLength int
	cost      int
}

func NewAuthService(users UserStore, minPasswordLength int) *AuthService {
	return &AuthService{users: users, minLength: minPasswordLength, cost: bcrypt.DefaultCost}
}

// WithCost lowers the bcrypt cost, for tests.
func (s *AuthService) WithCost(cost int) *AuthService {
	s.cost = cost
	return s
}

func (s *AuthService) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", err
	}

	return string(bytes), nil
}

func VerifyPassword(password, hashed string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))

	return err == nil
}

// Authenticate returns the user owning email when password matches.
func (s *AuthService) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.users.FindUserByEmail(ctx, email)
	if errors.Is(err, directory.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, apperr.Internal("Login failed. Please try again.", err)
	}

	if !VerifyPassword(password, user.Password) {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if userID == "" || currentPassword == "" || newPassword == "" {
		return apperr.Validation("All fields are required.")
	}
	if len(newPassword) < s.minLength {
		return apperr.Validation("New password must be at least %d characters long.", s.minLength)
	}

	user, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, directory.ErrUserNotFound) {
		return apperr.NotFound("User not found.")
	}
	if err != nil {
		return apperr.Internal("Failed to change password.", err)
	}

	if !VerifyPassword(currentPassword, user.Password) {
		return ErrWrongPassword
	}

	hash, err := s.HashPassword(newPassword)
	if err != nil {
		return apperr.Validation("New password cannot be used: %v", err)
	}

	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return apperr.Internal("Failed to change password.", fmt.Errorf("update password: %w", err))
	}
	return nil
}
