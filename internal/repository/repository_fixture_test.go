package repository

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/lexcoach-api/internal/models"
)

var baseTime = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", name)), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id string, role models.Role) models.User {
	t.Helper()
	user := models.User{ID: id, Email: id + "@example.com", FirstName: strings.ToUpper(id[:1]) + id[1:], LastName: "Tester", Role: role}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func seedMessage(t *testing.T, db *gorm.DB, conversationID uint, senderID string, at time.Time) models.Message {
	t.Helper()
	message := models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        fmt.Sprintf("from %s at %s", senderID, at.Format(time.TimeOnly)),
		MessageType:    models.MessageTypeText,
		CreatedAt:      at,
	}
	require.NoError(t, db.Create(&message).Error)
	return message
}

func messageIDs(messages []models.Message) []uint {
	ids := make([]uint, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}
	return ids
}
