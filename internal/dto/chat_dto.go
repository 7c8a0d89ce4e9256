package dto

import (
	"time"

	"github.com/noah-isme/lexcoach-api/internal/models"
)

// UnknownUserName is rendered for participants whose user record cannot be resolved.
const UnknownUserName = "Unknown user"

// UserSummary is the display subset of a user record.
type UserSummary struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	FullName  string `json:"full_name"`
}

// NewUserSummary converts a user model.
func NewUserSummary(user models.User) UserSummary {
	return UserSummary{
		ID:        user.ID,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Email:     user.Email,
		Role:      string(user.Role),
		FullName:  user.FullName(),
	}
}

// UnknownUserSummary is the placeholder for an unresolvable user id.
func UnknownUserSummary(id string) UserSummary {
	return UserSummary{ID: id, FirstName: UnknownUserName, FullName: UnknownUserName}
}

// ConversationCreateRequest starts a conversation with one or more users.
type ConversationCreateRequest struct {
	TargetUserIDs []string `json:"target_user_ids" validate:"required,min=1,max=50,dive,required,max=64"`
	Title         *string  `json:"title" validate:"omitempty,max=255"`
	Type          string   `json:"type" validate:"omitempty,oneof=support group"`
}

// QuickChatRequest opens or reuses a 1:1 conversation.
type QuickChatRequest struct {
	TargetUserID string `json:"target_user_id" validate:"required,max=64"`
}

// ConversationResponse is a conversation as seen by one viewer.
type ConversationResponse struct {
	ID               uint       `json:"id"`
	Type             string     `json:"type"`
	Title            *string    `json:"title"`
	DisplayTitle     string     `json:"display_title"`
	CreatedBy        string     `json:"created_by"`
	ParticipantCount int        `json:"participant_count"`
	ParticipantIDs   []string   `json:"participant_ids"`
	LastMessage      *string    `json:"last_message"`
	LastMessageAt    *time.Time `json:"last_message_at"`
	UnreadCount      int        `json:"unread_count"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// HasExactParticipants reports whether the participant set equals ids.
func (c ConversationResponse) HasExactParticipants(ids ...string) bool {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	if len(want) != len(c.ParticipantIDs) {
		return false
	}
	for _, id := range c.ParticipantIDs {
		if _, ok := want[id]; !ok {
			return false
		}
	}
	return true
}

// ConversationUnreadResponse is the viewer's unread total across conversations.
type ConversationUnreadResponse struct {
	Total          int          `json:"total"`
	ByConversation map[uint]int `json:"by_conversation"`
}

// ParticipantResponse joins a participant row with display fields.
type ParticipantResponse struct {
	ID             uint        `json:"id"`
	ConversationID uint        `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	JoinedAt       time.Time   `json:"joined_at"`
	LastReadAt     time.Time   `json:"last_read_at"`
	User           UserSummary `json:"user"`
	Resolved       bool        `json:"resolved"`
}

// MessageSendRequest carries new message content.
type MessageSendRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

// MessageUpdateRequest carries edited message content.
type MessageUpdateRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

// MessagePageQuery selects a page of history older than BeforeID.
type MessagePageQuery struct {
	BeforeID uint `query:"before_id"`
	Limit    int  `query:"limit" validate:"omitempty,min=1,max=100"`
}

// MessageResponse is a message enriched with sender display info.
type MessageResponse struct {
	ID             uint       `json:"id"`
	ConversationID uint       `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	SenderName     string     `json:"sender_name"`
	SenderRole     string     `json:"sender_role"`
	Content        string     `json:"content"`
	MessageType    string     `json:"message_type"`
	IsDeleted      bool       `json:"is_deleted"`
	EditedAt       *time.Time `json:"edited_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NewMessageResponse converts a message model using the resolved sender.
func NewMessageResponse(message models.Message, sender UserSummary) MessageResponse {
	return MessageResponse{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		SenderName:     sender.FullName,
		SenderRole:     sender.Role,
		Content:        message.Content,
		MessageType:    string(message.MessageType),
		IsDeleted:      message.IsDeleted,
		EditedAt:       message.EditedAt,
		CreatedAt:      message.CreatedAt,
	}
}

// MessagePage is one page of history, oldest first.
type MessagePage struct {
	Items   []MessageResponse `json:"items"`
	HasMore bool              `json:"has_more"`
}

// SendMessageResult is the confirmed message plus its notification fan-out outcome.
type SendMessageResult struct {
	Message  MessageResponse            `json:"message"`
	Delivery NotificationDeliveryReport `json:"delivery"`
}
