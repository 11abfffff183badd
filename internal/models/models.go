package models

import "time"

// User is the durable identity record. Created on the first authentication
// request for an email, never hard-deleted.
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;size:255;not null"`
	DisplayName  string `gorm:"size:128;not null"`
	Verified     bool
	Banned       bool
	BanExpiresAt *time.Time
	MessageCount int64
	LastActiveAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is an opaque token mapped to one user. Invalidated on logout by
// clearing Active, never deleted.
type Session struct {
	ID             uint   `gorm:"primaryKey"`
	Token          string `gorm:"uniqueIndex;size:128;not null"`
	UserID         uint   `gorm:"index;not null"`
	Active         bool
	ExpiresAt      time.Time `gorm:"index;not null"`
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// LoginCode holds the bcrypt hash of a short-lived email verification code.
type LoginCode struct {
	ID         uint      `gorm:"primaryKey"`
	Email      string    `gorm:"index;size:255;not null"`
	CodeHash   string    `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null"`
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// ReplySnapshot is the frozen view of a parent message stored on each reply,
// so reply rendering survives later edits or deletions of the parent.
type ReplySnapshot struct {
	MessageID   string    `json:"message_id"`
	UserEmail   string    `json:"userEmail"`
	DisplayName string    `json:"displayName"`
	Body        string    `json:"message"`
	CreatedAt   time.Time `json:"timestamp"`
}

const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeSystem = "system"
)

// Message is one chat message. TopicID is nil unless the message belongs to a
// reply chain, in which case it carries the id of the chain's first message.
type Message struct {
	ID          string    `gorm:"primaryKey;size:36"`
	RoomID      string    `gorm:"size:128;not null;index:idx_msg_room_history,priority:1"`
	UserEmail   string    `gorm:"size:255;not null;index"`
	DisplayName string    `gorm:"size:128;not null"`
	Body        string    `gorm:"type:text;not null"`
	Type        string    `gorm:"size:16;not null;default:text"`
	CreatedAt   time.Time `gorm:"index:idx_msg_room_history,priority:3;index:idx_msg_topic,priority:2"`
	Edited      bool
	EditedAt    *time.Time
	Deleted     bool              `gorm:"index:idx_msg_room_history,priority:2"`
	Metadata    map[string]string `gorm:"serializer:json"`
	Mentions    []string          `gorm:"serializer:json"`
	Attachments []string          `gorm:"serializer:json"`
	ReplyCount  int
	ReplyTo     *ReplySnapshot `gorm:"serializer:json"`
	TopicID     *string        `gorm:"size:36;index:idx_msg_topic,priority:1"`
}

// Reaction is one (emoji, user) pair on a message. The unique index gives
// add-to-set semantics: inserting a duplicate is a no-op.
type Reaction struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID string `gorm:"size:36;not null;uniqueIndex:idx_reaction_set,priority:1"`
	UserEmail string `gorm:"size:255;not null;uniqueIndex:idx_reaction_set,priority:2"`
	Emoji     string `gorm:"size:32;not null;uniqueIndex:idx_reaction_set,priority:3"`
	CreatedAt time.Time
}

// Presence is the durable cross-process record of who is online where,
// uniquely keyed by (room, user email). FirstSeen is written once on insert.
type Presence struct {
	RoomID      string `gorm:"primaryKey;size:128"`
	UserEmail   string `gorm:"primaryKey;size:255"`
	DisplayName string `gorm:"size:128;not null"`
	Online      bool
	FirstSeen   time.Time
	LastSeen    time.Time
}
