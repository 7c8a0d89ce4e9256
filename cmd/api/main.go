package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/lexcoach-api/internal/chat"
	"github.com/noah-isme/lexcoach-api/internal/config"
	"github.com/noah-isme/lexcoach-api/internal/database"
	"github.com/noah-isme/lexcoach-api/internal/handler"
	"github.com/noah-isme/lexcoach-api/internal/middleware"
	"github.com/noah-isme/lexcoach-api/internal/models"
	"github.com/noah-isme/lexcoach-api/internal/realtime"
	"github.com/noah-isme/lexcoach-api/internal/repository"
	"github.com/noah-isme/lexcoach-api/internal/router"
	"github.com/noah-isme/lexcoach-api/internal/service"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logger.With().Str("service", cfg.AppName).Str("env", cfg.AppEnv).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL, cfg.AppName)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis not configured; user cache and cross-node redis relay disabled")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer natsConn.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := realtime.NewBroker(redisClient, cfg.RealtimeChannel, natsConn, logger)
	broker.Start(ctx)

	validate := validator.New(validator.WithRequiredStructEnabled())

	users := repository.NewCachedUserRepository(repository.NewUserRepository(db), redisClient, "lexcoach", cfg.UserCacheTTL, logger)
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	notificationService := service.NewNotificationService(notificationRepo, conversationRepo, users, broker, logger)
	notificationService.Start(ctx)
	conversationService := service.NewConversationService(conversationRepo, users, broker, validate, logger)
	messageService := service.NewMessageService(messageRepo, conversationRepo, users, notificationService, broker, validate, logger, service.MessageServiceOptions{
		PageSize: cfg.ChatPageSize,
	})

	conversationHandler := handler.NewConversationHandler(conversationService, messageService, validate, logger, handler.ConversationHandlerOptions{
		SendLimiter: middleware.RateLimit("messages", cfg.MessageRateLimit, cfg.MessageRateWindow),
	})
	notificationHandler := handler.NewNotificationHandler(notificationService, logger, cfg.NotificationKeepAlive)
	chatHandler := handler.NewChatHandler(conversationService, messageService, broker, validate, logger, chat.SessionOptions{
		PageSize:     cfg.ChatPageSize,
		PollInterval: cfg.ChatPollInterval,
	})

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSAllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		ConversationHandler: conversationHandler,
		NotificationHandler: notificationHandler,
		ChatHandler:         chatHandler,
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(ctx, app, logger)
}

func waitForShutdown(ctx context.Context, app *fiber.App, logger zerolog.Logger) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
