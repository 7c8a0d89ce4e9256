package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/lexcoach-api/internal/chat"
	"github.com/noah-isme/lexcoach-api/internal/config"
	"github.com/noah-isme/lexcoach-api/internal/handler"
	"github.com/noah-isme/lexcoach-api/internal/middleware"
	"github.com/noah-isme/lexcoach-api/internal/models"
	"github.com/noah-isme/lexcoach-api/internal/realtime"
	"github.com/noah-isme/lexcoach-api/internal/repository"
	"github.com/noah-isme/lexcoach-api/internal/router"
	"github.com/noah-isme/lexcoach-api/internal/service"
)

const testJWTSecret = "handler-test-secret"

type apiFixture struct {
	app           *fiber.App
	db            *gorm.DB
	broker        *realtime.Broker
	notifications service.NotificationService
	roles         map[string]models.Role
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Message string          `json:"message"`
	Kind    string          `json:"kind"`
}

type apiFixtureOptions struct {
	sendLimit int
}

func newAPIFixture(t *testing.T, opts apiFixtureOptions) *apiFixture {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:api_%s?mode=memory&cache=shared", name)), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))

	users := []models.User{
		{ID: "s1", Email: "s1@example.com", FirstName: "Sam", LastName: "Student", Role: models.RoleStudent},
		{ID: "i1", Email: "i1@example.com", FirstName: "Ian", LastName: "Tutor", Role: models.RoleInstructor},
		{ID: "p1", Email: "p1@example.com", FirstName: "Pia", LastName: "Springer", Role: models.RoleSpringer},
		{ID: "a1", Email: "a1@example.com", FirstName: "Ada", LastName: "Admin", Role: models.RoleAdmin},
	}
	roles := make(map[string]models.Role, len(users))
	for i := range users {
		require.NoError(t, db.Create(&users[i]).Error)
		roles[users[i].ID] = users[i].Role
	}

	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	broker := realtime.NewBroker(nil, "", nil, logger)

	userRepo := repository.NewUserRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	notifications := service.NewNotificationService(notificationRepo, conversationRepo, userRepo, broker, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	notifications.Start(ctx)
	conversations := service.NewConversationService(conversationRepo, userRepo, broker, validate, logger)
	messages := service.NewMessageService(messageRepo, conversationRepo, userRepo, notifications, broker, validate, logger, service.MessageServiceOptions{PageSize: 10})

	var limiter fiber.Handler
	if opts.sendLimit > 0 {
		limiter = middleware.RateLimit("messages", opts.sendLimit, time.Minute)
	}

	cfg := config.Config{AppName: "LexCoach Test", AppEnv: "test"}
	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ConversationHandler: handler.NewConversationHandler(conversations, messages, validate, logger, handler.ConversationHandlerOptions{SendLimiter: limiter}),
		NotificationHandler: handler.NewNotificationHandler(notifications, logger, time.Second),
		ChatHandler: handler.NewChatHandler(conversations, messages, broker, validate, logger, chat.SessionOptions{
			PageSize:     10,
			PollInterval: time.Hour,
		}),
		JWTMiddleware: middleware.JWTProtected(testJWTSecret),
	})

	return &apiFixture{app: app, db: db, broker: broker, notifications: notifications, roles: roles}
}

func (f *apiFixture) token(t *testing.T, userID string) string {
	t.Helper()
	role := string(f.roles[userID])
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

// call performs an authenticated request as userID; an empty userID sends no token.
func (f *apiFixture) call(t *testing.T, method, path, userID string, body interface{}) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, userID))
	}

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func decodeData(t *testing.T, env envelope, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func startFiberServer(t *testing.T, app *fiber.App) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	t.Cleanup(func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	})

	return listener.Addr().String()
}
