package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/lexcoach-api/internal/config"
	"github.com/noah-isme/lexcoach-api/internal/handler"
	"github.com/noah-isme/lexcoach-api/internal/middleware"
	"github.com/noah-isme/lexcoach-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ConversationHandler *handler.ConversationHandler
	NotificationHandler *handler.NotificationHandler
	ChatHandler         *handler.ChatHandler
	JWTMiddleware       fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	v2 := app.Group("/api/v2", jwtMiddleware, middleware.RequirePlatformRole())

	if deps.ConversationHandler != nil {
		deps.ConversationHandler.Register(v2.Group("/conversations"))
		deps.ConversationHandler.RegisterMessages(v2.Group("/messages"))
	}

	if deps.NotificationHandler != nil {
		deps.NotificationHandler.Register(v2.Group("/notifications"))
	}

	if deps.ChatHandler != nil {
		deps.ChatHandler.Register(v2.Group("/chat"))
	}
}
