package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/lexcoach-api/internal/models"
)

const maxMessagePage = 100

// MessageCursor is a position in the (created_at, id) total order of a conversation.
type MessageCursor struct {
	CreatedAt time.Time
	ID        uint
}

// MessageRepository persists chat messages.
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	FindByID(ctx context.Context, id uint) (models.Message, error)
	ListBefore(ctx context.Context, conversationID uint, before *MessageCursor, limit int) ([]models.Message, error)
	ListSince(ctx context.Context, conversationID uint, after time.Time, limit int) ([]models.Message, error)
	Update(ctx context.Context, message *models.Message) error
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// Create inserts the message and bumps the conversation's last message fields.
func (r *messageRepository) Create(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return err
		}

		return tx.Model(&models.Conversation{}).
			Where("id = ?", message.ConversationID).
			UpdateColumns(map[string]interface{}{
				"last_message":    message.Content,
				"last_message_at": message.CreatedAt,
				"updated_at":      message.CreatedAt,
			}).Error
	})
}

func (r *messageRepository) FindByID(ctx context.Context, id uint) (models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// ListBefore returns up to limit messages strictly older than before, oldest first.
// A nil cursor returns the newest page.
func (r *messageRepository) ListBefore(ctx context.Context, conversationID uint, before *MessageCursor, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > maxMessagePage {
		limit = 50
	}

	query := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if before != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", before.CreatedAt, before.CreatedAt, before.ID)
	}

	var messages []models.Message
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// ListSince returns messages created at or after the given instant, oldest first.
// Callers dedupe by id; the inclusive bound keeps same-timestamp siblings visible.
func (r *messageRepository) ListSince(ctx context.Context, conversationID uint, after time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > maxMessagePage {
		limit = maxMessagePage
	}

	query := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !after.IsZero() {
		query = query.Where("created_at >= ?", after)
	}

	var messages []models.Message
	if err := query.Order("created_at ASC").Order("id ASC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) Update(ctx context.Context, message *models.Message) error {
	result := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", message.ID).
		Updates(map[string]interface{}{
			"content":    message.Content,
			"edited_at":  message.EditedAt,
			"is_deleted": message.IsDeleted,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
