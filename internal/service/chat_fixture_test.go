package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/lexcoach-api/internal/models"
	"github.com/noah-isme/lexcoach-api/internal/permission"
	"github.com/noah-isme/lexcoach-api/internal/realtime"
	"github.com/noah-isme/lexcoach-api/internal/repository"
)

var (
	student    = permission.Actor{ID: "s1", Role: models.RoleStudent}
	student2   = permission.Actor{ID: "s2", Role: models.RoleStudent}
	instructor = permission.Actor{ID: "i1", Role: models.RoleInstructor}
	springer   = permission.Actor{ID: "p1", Role: models.RoleSpringer}
	admin      = permission.Actor{ID: "a1", Role: models.RoleAdmin}
)

type chatFixture struct {
	db               *gorm.DB
	broker           *realtime.Broker
	conversationRepo repository.ConversationRepository
	messageRepo      repository.MessageRepository
	notificationRepo repository.NotificationRepository
	conversations    ConversationService
	messages         MessageService
	notifications    NotificationService
}

func setupChatServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", name)), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))

	users := []models.User{
		{ID: "s1", Email: "s1@example.com", FirstName: "Sam", LastName: "Student", Role: models.RoleStudent},
		{ID: "s2", Email: "s2@example.com", FirstName: "Sue", LastName: "Scholar", Role: models.RoleStudent},
		{ID: "i1", Email: "i1@example.com", FirstName: "Ian", LastName: "Tutor", Role: models.RoleInstructor},
		{ID: "p1", Email: "p1@example.com", FirstName: "Pia", LastName: "Springer", Role: models.RoleSpringer},
		{ID: "a1", Email: "a1@example.com", FirstName: "Ada", LastName: "Admin", Role: models.RoleAdmin},
		{ID: "a2", Email: "a2@example.com", FirstName: "Al", LastName: "Boss", Role: models.RoleAdmin},
	}
	for i := range users {
		require.NoError(t, db.Create(&users[i]).Error)
	}
	return db
}

// newChatFixture wires the three services over sqlite. wrap, when set, decorates the
// notification repository used by the fan-out.
func newChatFixture(t *testing.T, wrap func(repository.NotificationRepository) repository.NotificationRepository) *chatFixture {
	t.Helper()
	db := setupChatServiceDB(t)
	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	broker := realtime.NewBroker(nil, "", nil, logger)

	users := repository.NewUserRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	fanOutRepo := notificationRepo
	if wrap != nil {
		fanOutRepo = wrap(notificationRepo)
	}

	notifications := NewNotificationService(fanOutRepo, conversationRepo, users, broker, logger)
	return &chatFixture{
		db:               db,
		broker:           broker,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		notificationRepo: notificationRepo,
		conversations:    NewConversationService(conversationRepo, users, broker, validate, logger),
		messages:         NewMessageService(messageRepo, conversationRepo, users, notifications, broker, validate, logger, MessageServiceOptions{}),
		notifications:    notifications,
	}
}

func (f *chatFixture) notificationsFor(t *testing.T, userID string) []models.Notification {
	t.Helper()
	var items []models.Notification
	require.NoError(t, f.db.Where("user_id = ?", userID).Order("id ASC").Find(&items).Error)
	return items
}

// failingNotificationRepo fails the primary insert for selected users and, optionally,
// the direct insert too.
type failingNotificationRepo struct {
	repository.NotificationRepository
	failPrimary map[string]bool
	failDirect  map[string]bool
}

func (r *failingNotificationRepo) Create(ctx context.Context, notification *models.Notification) error {
	if r.failPrimary[notification.UserID] {
		return fmt.Errorf("insert notification for %s: connection reset", notification.UserID)
	}
	return r.NotificationRepository.Create(ctx, notification)
}

func (r *failingNotificationRepo) CreateDirect(ctx context.Context, notification *models.Notification) error {
	if r.failDirect[notification.UserID] {
		return fmt.Errorf("direct insert for %s: connection reset", notification.UserID)
	}
	return r.NotificationRepository.CreateDirect(ctx, notification)
}
