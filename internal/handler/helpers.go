package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/lexcoach-api/internal/apperror"
	"github.com/noah-isme/lexcoach-api/internal/middleware"
	"github.com/noah-isme/lexcoach-api/internal/permission"
)

// ActorResolver turns the authenticated user id into the actor record used by services.
type ActorResolver interface {
	ResolveActor(ctx context.Context, userID string) (permission.Actor, error)
}

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func parseIDParam(c *fiber.Ctx, name string) (uint, error) {
	raw := strings.TrimSpace(c.Params(name))
	if raw == "" {
		return 0, apperror.Validation(fmt.Sprintf("%s is required", name))
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || parsed == 0 {
		return 0, apperror.Validation(fmt.Sprintf("invalid %s", name))
	}
	return uint(parsed), nil
}

func userIDStringFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_id"); v != nil {
		switch id := v.(type) {
		case string:
			return strings.TrimSpace(id)
		case fmt.Stringer:
			return strings.TrimSpace(id.String())
		}
	}
	return ""
}

// requestContext carries the correlation id of the request into service calls.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

// resolveActor loads the current user record. The role comes from the store, not the token.
func resolveActor(c *fiber.Ctx, resolver ActorResolver) (permission.Actor, error) {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return permission.Actor{}, apperror.PermissionDenied("user not authenticated")
	}
	actor, err := resolver.ResolveActor(requestContext(c), userID)
	if errors.Is(err, apperror.ErrNotFound) {
		return permission.Actor{}, apperror.PermissionDenied("unknown user")
	}
	return actor, err
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// bindBody parses and validates a JSON request body.
func bindBody(c *fiber.Ctx, validate *validator.Validate, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return apperror.Validation("invalid request body")
	}
	if err := validate.Struct(out); err != nil {
		if isValidationError(err) {
			return apperror.Invalid(err)
		}
		return apperror.Validation(err.Error())
	}
	return nil
}
