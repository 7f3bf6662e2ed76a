package directory

import (
	"context"
	"testing"
	"time"

	"pinghub/internal/storage"
	. "pinghub/pkg/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestStore(t *testing.T) (*Store, *gorm.DB) {
	db, err := storage.Connect(":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return NewStore(db), db
}

func createTestUser(t *testing.T, s *Store, username string) *User {
	user := &User{Username: username, Email: username + "@example.com", Password: "hashedpassword"}
	if err := s.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return user
}

func TestStore_CheckUserExists(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	createTestUser(t, s, "alice")

	tests := []struct {
		name     string
		username string
		email    string
		field    string
	}{
		{name: "free", username: "bob", email: "bob@example.com", field: ""},
		{name: "username taken", username: "alice", email: "other@example.com", field: "username"},
		{name: "email taken", username: "carol", email: "alice@example.com", field: "email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field, err := s.CheckUserExists(ctx, tt.username, tt.email)
			require.NoError(t, err)
			assert.Equal(t, tt.field, field)
		})
	}
}

func TestStore_OnlineOffline(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	alice := createTestUser(t, s, "alice")

	require.NoError(t, s.SetOnline(ctx, alice.ID, "conn-1"))
	user, err := s.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, user.IsOnline)
	assert.Equal(t, "conn-1", user.ConnectionID)
	assert.NotNil(t, user.LastSeen)

	// A stale connection does not take the user offline.
	require.NoError(t, s.SetOnline(ctx, alice.ID, "conn-2"))
	require.NoError(t, s.SetOfflineByConnection(ctx, "conn-1"))
	user, err = s.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, user.IsOnline)

	require.NoError(t, s.SetOfflineByConnection(ctx, "conn-2"))
	user, err = s.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, user.IsOnline)
	assert.Empty(t, user.ConnectionID)

	assert.ErrorIs(t, s.SetOnline(ctx, "missing", "conn-3"), ErrUserNotFound)
	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestStore_ResetPresence(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	alice := createTestUser(t, s, "alice")
	bob := createTestUser(t, s, "bob")
	createTestUser(t, s, "carol")
	require.NoError(t, s.SetOnline(ctx, alice.ID, "conn-1"))
	require.NoError(t, s.SetOnline(ctx, bob.ID, "conn-2"))

	reset, err := s.ResetPresence(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, reset)

	online, err := s.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestStore_GroupMembership(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	alice := createTestUser(t, s, "alice")
	bob := createTestUser(t, s, "bob")

	group := &Group{Name: "gophers", CreatedBy: alice.ID, IsPrivate: true}
	require.NoError(t, s.CreateGroup(ctx, group))
	assert.NotEmpty(t, group.ID)
	assert.Equal(t, []string{alice.ID}, group.Admins)

	isAdmin, err := s.IsAdmin(ctx, group.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, isAdmin)

	isMember, err := s.IsMember(ctx, group.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, isMember)

	require.NoError(t, s.AddMember(ctx, group.ID, bob.ID))
	require.NoError(t, s.AddMember(ctx, group.ID, bob.ID))

	loaded, err := s.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice.ID, bob.ID}, loaded.Members)
	assert.Equal(t, []string{alice.ID}, loaded.Admins)

	isAdmin, err = s.IsAdmin(ctx, group.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, isAdmin)

	members, err := s.MemberProfiles(ctx, group.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = s.GetGroup(ctx, "nope")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestStore_GroupListings(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	alice := createTestUser(t, s, "alice")
	bob := createTestUser(t, s, "bob")

	public := &Group{Name: "lobby", CreatedBy: alice.ID}
	private := &Group{Name: "staff", CreatedBy: alice.ID, IsPrivate: true}
	require.NoError(t, s.CreateGroup(ctx, public))
	require.NoError(t, s.CreateGroup(ctx, private))

	publicGroups, err := s.PublicGroups(ctx)
	require.NoError(t, err)
	require.Len(t, publicGroups, 1)
	assert.Equal(t, "lobby", publicGroups[0].Name)

	all, err := s.AllGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := s.UserGroups(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	theirs, err := s.UserGroups(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestStore_MessageHistory(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	alice := createTestUser(t, s, "alice")
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, text := range []string{"one", "two", "three", "four"} {
		msg := &Message{
			Room:      GlobalRoom,
			UserID:    alice.ID,
			Username:  alice.Username,
			Text:      text,
			IsPinned:  i%2 == 0,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.SaveMessage(ctx, msg))
	}
	require.NoError(t, s.SaveMessage(ctx, &Message{
		Room:     "group-1",
		UserID:   alice.ID,
		Username: alice.Username,
		File:     &FileAttachment{OriginalName: "notes.txt", URL: "/api/files/notes.txt"},
	}))

	recent, err := s.RecentMessages(ctx, GlobalRoom, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "three", recent[0].Text)
	assert.Equal(t, "four", recent[1].Text)

	pinned, err := s.PinnedMessages(ctx, GlobalRoom, 10)
	require.NoError(t, err)
	require.Len(t, pinned, 2)
	assert.Equal(t, "one", pinned[0].Text)

	groupHistory, err := s.GroupMessages(ctx, "group-1")
	require.NoError(t, err)
	require.Len(t, groupHistory, 1)
	require.NotNil(t, groupHistory[0].File)
	assert.Equal(t, "notes.txt", groupHistory[0].File.OriginalName)

	require.NoError(t, s.PinMessage(ctx, recent[1].ID, true))
	assert.ErrorIs(t, s.PinMessage(ctx, "missing", true), ErrMessageNotFound)
	pinned, err = s.PinnedMessages(ctx, GlobalRoom, 10)
	require.NoError(t, err)
	assert.Len(t, pinned, 3)
}

func TestStore_UpdatePassword(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	alice := createTestUser(t, s, "alice")

	require.NoError(t, s.UpdatePassword(ctx, alice.ID, "newhash"))
	user, err := s.FindUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "newhash", user.Password)

	assert.ErrorIs(t, s.UpdatePassword(ctx, "missing", "hash"), ErrUserNotFound)
}
