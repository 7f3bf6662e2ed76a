package chat

import (
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
	"gorm.io/gorm"
)

// GlobalRoom is the implicit room every connection belongs to.
const GlobalRoom = "global"

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

type User struct {
	ID           string     `gorm:"primaryKey;size:12" json:"userId"`
	Username     string     `gorm:"uniqueIndex;not null" json:"username"`
	Email        string     `gorm:"uniqueIndex;not null" json:"email"`
	Password     string     `gorm:"not null" json:"-"`
	Avatar       string     `json:"avatar,omitempty"`
	Bio          string     `json:"bio,omitempty"`
	IsOnline     bool       `gorm:"default:false" json:"isOnline"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
	ConnectionID string     `gorm:"index" json:"-"`
	JoinedAt     time.Time  `json:"joinedAt"`
	CreatedAt    time.Time  `json:"-"`
	UpdatedAt    time.Time  `json:"-"`
}

// Public strips the credential and transport fields.
func (u *User) Public() PublicUser {
	return PublicUser{
		UserID:   u.ID,
		Username: u.Username,
		Email:    u.Email,
		Avatar:   u.Avatar,
		Bio:      u.Bio,
		IsOnline: u.IsOnline,
		LastSeen: u.LastSeen,
		JoinedAt: u.JoinedAt,
	}
}

type Group struct {
	ID          string        `gorm:"primaryKey;size:10" json:"groupId"`
	Name        string        `gorm:"not null" json:"name"`
	Description string        `json:"description,omitempty"`
	IsPrivate   bool          `gorm:"default:false" json:"isPrivate"`
	CreatedBy   string        `gorm:"not null" json:"createdBy"`
	Memberships []GroupMember `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Members     []string      `gorm:"-" json:"members"`
	Admins      []string      `gorm:"-" json:"admins"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"-"`
}

// TableName avoids the GROUPS keyword of sqlite window functions.
func (Group) TableName() string {
	return "chat_groups"
}

// AfterFind flattens the membership rows into the id lists sent on the wire.
func (g *Group) AfterFind(tx *gorm.DB) error {
	g.Members = make([]string, 0, len(g.Memberships))
	g.Admins = make([]string, 0)
	for _, m := range g.Memberships {
		g.Members = append(g.Members, m.UserID)
		if m.Role == RoleAdmin {
			g.Admins = append(g.Admins, m.UserID)
		}
	}
	return nil
}

type GroupMember struct {
	GroupID   string `gorm:"primaryKey;size:10"`
	UserID    string `gorm:"primaryKey;size:12"`
	Role      string `gorm:"not null;default:member"`
	CreatedAt time.Time

	User User `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

type FileAttachment struct {
	FileName     string `json:"fileName,omitempty"`
	OriginalName string `json:"originalName,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	Size         int64  `json:"size,omitempty"`
	URL          string `json:"url,omitempty"`
}

type Message struct {
	ID        string          `gorm:"primaryKey;size:16" json:"messageId"`
	Room      string          `gorm:"index;not null" json:"room"`
	UserID    string          `gorm:"index;not null" json:"userId"`
	Username  string          `json:"username"`
	Text      string          `json:"text,omitempty"`
	File      *FileAttachment `gorm:"embedded;embeddedPrefix:file_" json:"file,omitempty"`
	IsPinned  bool            `gorm:"default:false" json:"isPinned"`
	Timestamp time.Time       `gorm:"index" json:"timestamp"`
}

type AuditLog struct {
	ID          string    `gorm:"primaryKey;size:16" json:"id"`
	Action      string    `gorm:"index;not null" json:"action"`
	ActorID     string    `gorm:"index;not null" json:"actorId"`
	TargetID    *string   `json:"targetId,omitempty"`
	GroupID     *string   `gorm:"index" json:"groupId,omitempty"`
	Description string    `json:"description"`
	Metadata    string    `json:"metadata"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID, err = nanoid.New(12)
	}
	return
}

func (g *Group) BeforeCreate(tx *gorm.DB) (err error) {
	if g.ID == "" {
		g.ID, err = nanoid.New(10)
	}
	return
}

func (m *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == "" {
		m.ID, err = nanoid.New(16)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == "" {
		a.ID, err = nanoid.New(16)
	}
	return
}

// AfterFind drops the zero attachment gorm allocates for text-only rows.
func (m *Message) AfterFind(tx *gorm.DB) error {
	if m.File != nil && *m.File == (FileAttachment{}) {
		m.File = nil
	}
	return nil
}
