package models

import "time"

// ConversationType distinguishes support threads from regular group chats.
type ConversationType string

const (
	ConversationTypeSupport ConversationType = "support"
	ConversationTypeGroup   ConversationType = "group"
)

// Conversation is a chat channel with an ordered message history.
type Conversation struct {
	ID               uint                      `gorm:"primaryKey" json:"id"`
	Type             ConversationType          `gorm:"size:16;not null" json:"type"`
	Title            *string                   `gorm:"size:255" json:"title"`
	CreatedBy        string                    `gorm:"size:64;index;not null" json:"created_by"`
	ParticipantCount int                       `gorm:"not null;default:0" json:"participant_count"`
	LastMessage      *string                   `gorm:"type:text" json:"last_message"`
	LastMessageAt    *time.Time                `gorm:"index" json:"last_message_at"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
	Participants     []ConversationParticipant `gorm:"foreignKey:ConversationID" json:"participants,omitempty"`
}

// ConversationParticipant binds a user to a conversation and carries the read watermark.
type ConversationParticipant struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"not null;uniqueIndex:idx_participant_conversation_user" json:"conversation_id"`
	UserID         string    `gorm:"size:64;not null;uniqueIndex:idx_participant_conversation_user;index" json:"user_id"`
	JoinedAt       time.Time `gorm:"not null" json:"joined_at"`
	LastReadAt     time.Time `gorm:"not null" json:"last_read_at"`
}
