package dto

import (
	"time"

	"github.com/noah-isme/lexcoach-api/internal/models"
)

// NotificationCreateRequest describes the payload to create a notification.
type NotificationCreateRequest struct {
	UserID          string                 `json:"user_id" validate:"required,max=64"`
	Title           string                 `json:"title" validate:"required,min=1,max=255"`
	Type            string                 `json:"type" validate:"omitempty,oneof=info success warning error"`
	Message         string                 `json:"message" validate:"required,min=1,max=2000"`
	RelatedEntityID *string                `json:"related_entity_id" validate:"omitempty,max=64"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// NotificationResponse represents notification data returned to clients.
type NotificationResponse struct {
	ID              uint                   `json:"id"`
	UserID          string                 `json:"user_id"`
	Title           string                 `json:"title"`
	Type            string                 `json:"type"`
	Message         string                 `json:"message"`
	Read            bool                   `json:"read"`
	RelatedEntityID *string                `json:"related_entity_id"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// NotificationUnreadResponse carries the unread badge count.
type NotificationUnreadResponse struct {
	Count int64 `json:"count"`
}

// NotificationBulkReadResponse reports how many notifications were flipped to read.
type NotificationBulkReadResponse struct {
	Updated int64 `json:"updated"`
}

// NewNotificationResponse converts a notification model to DTO.
func NewNotificationResponse(model models.Notification) NotificationResponse {
	var metadata map[string]interface{}
	if len(model.Metadata) > 0 {
		metadata = map[string]interface{}(model.Metadata)
	}

	return NotificationResponse{
		ID:              model.ID,
		UserID:          model.UserID,
		Title:           model.Title,
		Type:            string(model.Type),
		Message:         model.Message,
		Read:            model.Read,
		RelatedEntityID: model.RelatedEntityID,
		Metadata:        metadata,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	}
}

// NewNotificationResponseSlice converts notification models into DTOs.
func NewNotificationResponseSlice(items []models.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationResponse(item))
	}
	return out
}

// NotificationDeliveryReport summarises one message's notification fan-out.
type NotificationDeliveryReport struct {
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Retried   int  `json:"retried"`
	Failed    int  `json:"failed"`
	Degraded  bool `json:"degraded"`
}
