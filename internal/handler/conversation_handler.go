package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/lexcoach-api/internal/apperror"
	"github.com/noah-isme/lexcoach-api/internal/dto"
	"github.com/noah-isme/lexcoach-api/internal/middleware"
	"github.com/noah-isme/lexcoach-api/internal/service"
	"github.com/noah-isme/lexcoach-api/internal/utils"
)

// ConversationHandler exposes conversations, membership and message history over REST.
type ConversationHandler struct {
	conversations service.ConversationService
	messages      service.MessageService
	validator     *validator.Validate
	logger        zerolog.Logger
	sendLimiter   fiber.Handler
}

// ConversationHandlerOptions tunes the message send limiter.
type ConversationHandlerOptions struct {
	SendLimiter fiber.Handler
}

// NewConversationHandler constructs the handler.
func NewConversationHandler(conversations service.ConversationService, messages service.MessageService, validate *validator.Validate, logger zerolog.Logger, opts ConversationHandlerOptions) *ConversationHandler {
	limiter := opts.SendLimiter
	if limiter == nil {
		limiter = func(c *fiber.Ctx) error { return c.Next() }
	}
	return &ConversationHandler{
		conversations: conversations,
		messages:      messages,
		validator:     validate,
		logger:        logger.With().Str("component", "conversation_handler").Logger(),
		sendLimiter:   limiter,
	}
}

// Register binds conversation routes under the provided router group.
func (h *ConversationHandler) Register(router fiber.Router) {
	auth := middleware.AuthOptions{RequireUser: true}

	router.Get("/", middleware.WithAuth(h.list, auth))
	router.Post("/", middleware.WithAuth(h.create, auth))
	router.Post("/quick", middleware.WithAuth(h.quickChat, auth))
	router.Get("/partners", middleware.WithAuth(h.partners, auth))
	router.Get("/unread", middleware.WithAuth(h.unread, auth))
	router.Get("/:id/participants", middleware.WithAuth(h.participants, auth))
	router.Delete("/:id/participants/me", middleware.WithAuth(h.leave, auth))
	router.Post("/:id/read", middleware.WithAuth(h.markRead, auth))
	router.Get("/:id/messages", middleware.WithAuth(h.history, auth))
	router.Post("/:id/messages", h.sendLimiter, middleware.WithAuth(h.send, auth))
}

// RegisterMessages binds routes that address a message directly.
func (h *ConversationHandler) RegisterMessages(router fiber.Router) {
	auth := middleware.AuthOptions{RequireUser: true}

	router.Patch("/:id", middleware.WithAuth(h.edit, auth))
	router.Delete("/:id", middleware.WithAuth(h.delete, auth))
}

func (h *ConversationHandler) list(c *fiber.Ctx) error {
	actor, err := resolveActor(c, h.conversations)
	if err != nil {
		return utils.SendAppError(c, err)
	}

	conversations, err := h.conversations.List(requestContext(c), actor)
	if err != nil {
		return h.fail(c, err, "list conversations")
	}
	return utils.SendSuccess(c, "conversations", conversations)
}

func (h *ConversationHandler) create(c *fiber.Ctx) error {
	actor, err := resolveActor(c, h.conversations)
	if err != nil {
		return utils.SendAppError(c, err)
	}

	var payload dto.ConversationCreateRequest
	if err := bindBody(c, h.validator, &payload); err != nil {
		return utils.SendAppError(c, err)
	}

	conversation, err := h.conversations.Create(requestContext(c), actor, payload)
	if err != nil {
		return h.fail(c, err, "create conversation")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "conversation created", conversation)
}

func (h *ConversationHandler) quickChat(c *fiber.Ctx) error {
	actor, err := resolveActor(c, h.conversations)
	if err != nil {
		return utils.SendAppError(c, err)
	}

	var payload dto.QuickChatRequest
	if err := bindBody(c, h.validator, &payload); err != nil {
		return utils.SendAppError(c, err)
	}

	conversation, err := h.conversations.QuickChat(requestContext(c), actor, payload.TargetUserID)
	if err != nil {
		return h.fail(c, err, "quick chat")
	}
	return utils.SendSuccess(c, "conversation ready", conversation)
}

func (h *ConversationHandler) partners(c *fiber.Ctx) error {
	actor, err := resolveActor(c, h.conversations)
	if err != nil {
		return utils.SendAppError(c, err)
	}

	partners, err := h.conversations.AvailablePartners(requestContext(c), actor)
	if err != nil {
		return h.fail(c, err, "list chat partners")
	}
	return utils.SendSuccess(c, "chat partners", partners)
}

func (h *ConversationHandler) unread(c *fiber.Ctx) error {
	actor, err := resolveActor(c, h.conversations)
	if err != nil {
		return utils.SendAppError(c, err)
	}

	unread, err := h.conversations.Unread(requestContext(c), actor)
	if err != nil {
		return h.fail(c, err, "count unread")
	}
	return utils.SendSuccess(c, "unread counts", unread)
}

func (h *ConversationHandler) participants(c *fiber.Ctx) error {
	actor, err := resolveActor(c, h.conversations)
	if err != nil {
		return utils.SendAppError(c, err)
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendAppError(c, err)
	}

	participants, err := h.conversations.Participants(requestContext(c), actor, id)
	if err != nil {
		return h.fail(c, err, "list participants")
	}
	return utils.SendSuccess(c, "participants", participants)
}

func (h *ConversationHandler) leave(c *fiber.Ctx) error {
	actor, err := resolveActor(c, h.conversations)
	if err != nil {
		return utils.SendAppError(c, err)
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendAppError(c, err)
	}

	if err := h.conversations.Leave(requestContext(c), actor, id); err != nil {
		return h.fail(c, err, "leave conversation")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ConversationHandler) markRead(c *fiber.Ctx) error {
	actor, err := resolveActor(c, h.conversations)
	if err != nil {
		return utils.SendAppError(c, err)
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendAppError(c, err)
	}

	if err := h.conversations.MarkRead(requestContext(c), actor, id); err != nil {
		return h.fail(c, err, "mark conversation read")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ConversationHandler) history(c *fiber.Ctx) error {
	actor, err := resolveActor(c, h.conversations)
	if err != nil {
		return utils.SendAppError(c, err)
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendAppError(c, err)
	}

	var query dto.MessagePageQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendAppError(c, apperror.Validation("invalid query"))
	}
	if err := h.validator.Struct(query); err != nil {
		return utils.SendAppError(c, apperror.Invalid(err))
	}

	page, err := h.messages.Page(requestContext(c), actor, id, query)
	if err != nil {
		return h.fail(c, err, "load messages")
	}
	return utils.OK(c, page.Items, "messages", fiber.Map{"has_more": page.HasMore})
}

func (h *ConversationHandler) send(c *fiber.Ctx) error {
	actor, err := resolveActor(c, h.conversations)
	if err != nil {
		return utils.SendAppError(c, err)
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendAppError(c, err)
	}

	var payload dto.MessageSendRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendAppError(c, apperror.Validation("invalid request body"))
	}

	result, err := h.messages.Send(requestContext(c), actor, id, payload)
	if err != nil {
		return h.fail(c, err, "send message")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", result)
}

func (h *ConversationHandler) edit(c *fiber.Ctx) error {
	actor, err := resolveActor(c, h.conversations)
	if err != nil {
		return utils.SendAppError(c, err)
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendAppError(c, err)
	}

	var payload dto.MessageUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendAppError(c, apperror.Validation("invalid request body"))
	}

	message, err := h.messages.Edit(requestContext(c), actor, id, payload)
	if err != nil {
		return h.fail(c, err, "edit message")
	}
	return utils.SendSuccess(c, "message updated", message)
}

func (h *ConversationHandler) delete(c *fiber.Ctx) error {
	actor, err := resolveActor(c, h.conversations)
	if err != nil {
		return utils.SendAppError(c, err)
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendAppError(c, err)
	}

	message, err := h.messages.Delete(requestContext(c), actor, id)
	if err != nil {
		return h.fail(c, err, "delete message")
	}
	return utils.SendSuccess(c, "message deleted", message)
}

func (h *ConversationHandler) fail(c *fiber.Ctx, err error, op string) error {
	if apperror.KindOf(err) == apperror.KindTransientIO {
		requestLogger(h.logger, c).Error().Err(err).Str("operation", op).Msg("store operation failed")
	}
	return utils.SendAppError(c, err)
}
