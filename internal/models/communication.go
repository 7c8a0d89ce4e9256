package models

import (
	"time"

	"gorm.io/datatypes"
)

// MessageType describes how a message body should be interpreted.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeSystem MessageType = "system"
	MessageTypeFile   MessageType = "file"
)

// DeletedMessagePlaceholder replaces the content of soft-deleted messages.
const DeletedMessagePlaceholder = "This message has been deleted"

// Message is a single entry in a conversation history.
type Message struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	ConversationID uint        `gorm:"not null;index:idx_message_conversation_created,priority:1" json:"conversation_id"`
	SenderID       string      `gorm:"size:64;index;not null" json:"sender_id"`
	Content        string      `gorm:"type:text" json:"content"`
	MessageType    MessageType `gorm:"size:16;not null" json:"message_type"`
	IsDeleted      bool        `gorm:"not null;default:false" json:"is_deleted"`
	EditedAt       *time.Time  `json:"edited_at"`
	CreatedAt      time.Time   `gorm:"index:idx_message_conversation_created,priority:2" json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// NotificationType mirrors the severity levels rendered by clients.
type NotificationType string

const (
	NotificationTypeInfo    NotificationType = "info"
	NotificationTypeSuccess NotificationType = "success"
	NotificationTypeWarning NotificationType = "warning"
	NotificationTypeError   NotificationType = "error"
)

// Notification represents a notification targeted to a specific user.
type Notification struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	UserID          string            `gorm:"size:64;index" json:"user_id"`
	Title           string            `gorm:"size:255" json:"title"`
	Message         string            `gorm:"type:text" json:"message"`
	Type            NotificationType  `gorm:"size:32" json:"type"`
	Read            bool              `gorm:"not null;default:false" json:"read"`
	RelatedEntityID *string           `gorm:"size:64;index" json:"related_entity_id"`
	Metadata        datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// All lists the models migrated at startup.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Conversation{},
		&ConversationParticipant{},
		&Message{},
		&Notification{},
	}
}
