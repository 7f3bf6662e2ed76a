package auth

import (
	"context"
	"testing"

	"pinghub/internal/apperr"
	"pinghub/internal/directory"
	"pinghub/internal/storage"
	. "pinghub/pkg/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func setupTestService(t *testing.T) (*AuthService, *directory.Store) {
	db, err := storage.Connect(":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := directory.NewStore(db)
	return NewAuthService(store, 6).WithCost(bcrypt.MinCost), store
}

func createTestUser(t *testing.T, s *AuthService, store *directory.Store, username, password string) *User {
	hash, err := s.HashPassword(password)
	require.NoError(t, err)

	user := &User{Username: username, Email: username + "@example.com", Password: hash}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return user
}

func TestAuthService_Authenticate(t *testing.T) {
	service, store := setupTestService(t)
	user := createTestUser(t, service, store, "testuser", "testpassword")

	tests := []struct {
		name        string
		email       string
		password    string
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid credentials",
			email:       "testuser@example.com",
			password:    "testpassword",
			expectError: false,
		},
		{
			name:        "wrong password",
			email:       "testuser@example.com",
			password:    "wrongpassword",
			expectError: true,
			errorMsg:    "Invalid email or password.",
		},
		{
			name:        "unknown email",
			email:       "nobody@example.com",
			password:    "testpassword",
			expectError: true,
			errorMsg:    "Invalid email or password.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := service.Authenticate(context.Background(), tt.email, tt.password)

			if tt.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, apperr.ErrAuthorization)
				assert.Equal(t, tt.errorMsg, err.Error())
				return
			}

			require.NoError(t, err)
			assert.Equal(t, user.ID, got.ID)
		})
	}
}

func TestAuthService_ChangePassword(t *testing.T) {
	service, store := setupTestService(t)
	user := createTestUser(t, service, store, "testuser", "testpassword")
	ctx := context.Background()

	tests := []struct {
		name    string
		userID  string
		current string
		next    string
		kind    error
	}{
		{name: "missing fields", userID: user.ID, current: "", next: "newpassword", kind: apperr.ErrValidation},
		{name: "new password too short", userID: user.ID, current: "testpassword", next: "abc", kind: apperr.ErrValidation},
		{name: "unknown user", userID: "missing", current: "testpassword", next: "newpassword", kind: apperr.ErrNotFound},
		{name: "wrong current password", userID: user.ID, current: "nope", next: "newpassword", kind: apperr.ErrAuthorization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := service.ChangePassword(ctx, tt.userID, tt.current, tt.next)
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	require.NoError(t, service.ChangePassword(ctx, user.ID, "testpassword", "newpassword"))

	_, err := service.Authenticate(ctx, "testuser@example.com", "testpassword")
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	got, err := service.Authenticate(ctx, "testuser@example.com", "newpassword")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}

func TestVerifyPassword(t *testing.T) {
	service := NewAuthService(nil, 6).WithCost(bcrypt.MinCost)

	hash, err := service.HashPassword("password123")
	require.NoError(t, err)

	assert.True(t, VerifyPassword("password123", hash))
	assert.False(t, VerifyPassword("password124", hash))
	assert.False(t, VerifyPassword("password123", "not-a-hash"))
}
