package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/lexcoach-api/internal/models"
)

// ConversationRepository persists conversations and their participant rows.
type ConversationRepository interface {
	ListForUser(ctx context.Context, userID string) ([]models.Conversation, error)
	FindByID(ctx context.Context, id uint) (models.Conversation, error)
	Create(ctx context.Context, conversation *models.Conversation, userIDs []string) error
	RemoveParticipant(ctx context.Context, conversationID uint, userID string) error
	FindParticipant(ctx context.Context, conversationID uint, userID string) (models.ConversationParticipant, error)
	ListParticipants(ctx context.Context, conversationID uint) ([]models.ConversationParticipant, error)
	MarkRead(ctx context.Context, conversationID uint, userID string, at time.Time) error
	UnreadCounts(ctx context.Context, userID string) (map[uint]int, error)
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository constructs a conversation repository backed by GORM.
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	memberships := r.db.Model(&models.ConversationParticipant{}).
		Select("conversation_id").
		Where("user_id = ?", userID)

	var conversations []models.Conversation
	if err := r.db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC, id ASC")
		}).
		Where("id IN (?)", memberships).
		Find(&conversations).Error; err != nil {
		return nil, err
	}

	return conversations, nil
}

func (r *conversationRepository) FindByID(ctx context.Context, id uint) (models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC, id ASC")
		}).
		First(&conversation, id).Error; err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

// Create inserts the conversation and one participant row per user id in a single
// transaction. userIDs must already be unique.
func (r *conversationRepository) Create(ctx context.Context, conversation *models.Conversation, userIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conversation.ParticipantCount = len(userIDs)
		conversation.Participants = nil
		if err := tx.Create(conversation).Error; err != nil {
			return err
		}

		joined := conversation.CreatedAt
		if joined.IsZero() {
			joined = time.Now().UTC()
		}

		participants := make([]models.ConversationParticipant, 0, len(userIDs))
		for _, userID := range userIDs {
			participants = append(participants, models.ConversationParticipant{
				ConversationID: conversation.ID,
				UserID:         userID,
				JoinedAt:       joined,
				LastReadAt:     joined,
			})
		}

		if len(participants) > 0 {
			if err := tx.Create(&participants).Error; err != nil {
				return err
			}
		}

		conversation.Participants = participants
		return nil
	})
}

func (r *conversationRepository) RemoveParticipant(ctx context.Context, conversationID uint, userID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("conversation_id = ? AND user_id = ?", conversationID, userID).
			Delete(&models.ConversationParticipant{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		return tx.Model(&models.Conversation{}).
			Where("id = ? AND participant_count > 0", conversationID).
			UpdateColumn("participant_count", gorm.Expr("participant_count - 1")).
			Error
	})
}

func (r *conversationRepository) FindParticipant(ctx context.Context, conversationID uint, userID string) (models.ConversationParticipant, error) {
	var participant models.ConversationParticipant
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&participant).Error; err != nil {
		return models.ConversationParticipant{}, err
	}
	return participant, nil
}

func (r *conversationRepository) ListParticipants(ctx context.Context, conversationID uint) ([]models.ConversationParticipant, error) {
	var participants []models.ConversationParticipant
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC, id ASC").
		Find(&participants).Error; err != nil {
		return nil, err
	}
	return participants, nil
}

func (r *conversationRepository) MarkRead(ctx context.Context, conversationID uint, userID string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		UpdateColumn("last_read_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

type unreadRow struct {
	ConversationID uint
	Unread         int
}

// UnreadCounts counts, per conversation, messages from others newer than the viewer's watermark.
func (r *conversationRepository) UnreadCounts(ctx context.Context, userID string) (map[uint]int, error) {
	var rows []unreadRow
	if err := r.db.WithContext(ctx).
		Table("messages AS m").
		Select("m.conversation_id AS conversation_id, COUNT(*) AS unread").
		Joins("JOIN conversation_participants AS p ON p.conversation_id = m.conversation_id AND p.user_id = ?", userID).
		Where("m.sender_id <> ? AND m.created_at > p.last_read_at", userID).
		Group("m.conversation_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[uint]int, len(rows))
	for _, row := range rows {
		counts[row.ConversationID] = row.Unread
	}
	return counts, nil
}
