package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/lexcoach-api/internal/apperror"
	"github.com/noah-isme/lexcoach-api/internal/dto"
	"github.com/noah-isme/lexcoach-api/internal/models"
	"github.com/noah-isme/lexcoach-api/internal/observability"
	"github.com/noah-isme/lexcoach-api/internal/permission"
	"github.com/noah-isme/lexcoach-api/internal/realtime"
	"github.com/noah-isme/lexcoach-api/internal/repository"
)

const defaultMessagePageSize = 50

// MessageNotifier fans a persisted message out to its recipients.
type MessageNotifier interface {
	FanOut(ctx context.Context, message models.Message) dto.NotificationDeliveryReport
}

// MessageService exposes message history and mutation use-cases.
type MessageService interface {
	Page(ctx context.Context, actor permission.Actor, conversationID uint, query dto.MessagePageQuery) (dto.MessagePage, error)
	Since(ctx context.Context, actor permission.Actor, conversationID uint, after time.Time) ([]dto.MessageResponse, error)
	Get(ctx context.Context, actor permission.Actor, id uint) (dto.MessageResponse, error)
	Send(ctx context.Context, actor permission.Actor, conversationID uint, payload dto.MessageSendRequest) (dto.SendMessageResult, error)
	Edit(ctx context.Context, actor permission.Actor, id uint, payload dto.MessageUpdateRequest) (dto.MessageResponse, error)
	Delete(ctx context.Context, actor permission.Actor, id uint) (dto.MessageResponse, error)
}

// MessageServiceOptions tunes paging.
type MessageServiceOptions struct {
	PageSize int
}

type messageService struct {
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	directory     userDirectory
	notifier      MessageNotifier
	publisher     realtime.Publisher
	validator     *validator.Validate
	logger        zerolog.Logger
	tracer        trace.Tracer
	sanitizer     *bluemonday.Policy
	pageSize      int
	now           func() time.Time
}

// NewMessageService constructs a message service. publisher may be nil.
func NewMessageService(messages repository.MessageRepository, conversations repository.ConversationRepository, users repository.UserRepository, notifier MessageNotifier, publisher realtime.Publisher, validate *validator.Validate, logger zerolog.Logger, opts MessageServiceOptions) MessageService {
	policy := bluemonday.UGCPolicy()
	policy.AllowElements("br")

	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = defaultMessagePageSize
	}

	serviceLogger := logger.With().Str("component", "message_service").Logger()
	return &messageService{
		messages:      messages,
		conversations: conversations,
		directory:     userDirectory{users: users, logger: serviceLogger},
		notifier:      notifier,
		publisher:     publisher,
		validator:     validate,
		logger:        serviceLogger,
		tracer:        otel.Tracer("github.com/noah-isme/lexcoach-api/internal/service/message"),
		sanitizer:     policy,
		pageSize:      pageSize,
		now:           time.Now,
	}
}

func (s *messageService) Page(ctx context.Context, actor permission.Actor, conversationID uint, query dto.MessagePageQuery) (dto.MessagePage, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.MessagePage{}, apperror.Invalid(err)
	}
	if err := s.ensureReader(ctx, actor, conversationID); err != nil {
		return dto.MessagePage{}, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = s.pageSize
	}

	var cursor *repository.MessageCursor
	if query.BeforeID != 0 {
		anchor, err := s.messages.FindByID(ctx, query.BeforeID)
		if err != nil {
			return dto.MessagePage{}, apperror.FromStore("cursor message", err)
		}
		if anchor.ConversationID != conversationID {
			return dto.MessagePage{}, apperror.Validation("cursor belongs to another conversation")
		}
		cursor = &repository.MessageCursor{CreatedAt: anchor.CreatedAt, ID: anchor.ID}
	}

	messages, err := s.messages.ListBefore(ctx, conversationID, cursor, limit)
	if err != nil {
		return dto.MessagePage{}, apperror.FromStore("messages", err)
	}

	items, err := s.enrich(ctx, messages)
	if err != nil {
		return dto.MessagePage{}, err
	}

	return dto.MessagePage{Items: items, HasMore: len(messages) == limit}, nil
}

func (s *messageService) Since(ctx context.Context, actor permission.Actor, conversationID uint, after time.Time) ([]dto.MessageResponse, error) {
	if err := s.ensureReader(ctx, actor, conversationID); err != nil {
		return nil, err
	}

	messages, err := s.messages.ListSince(ctx, conversationID, after, 0)
	if err != nil {
		return nil, apperror.FromStore("messages", err)
	}
	return s.enrich(ctx, messages)
}

func (s *messageService) Get(ctx context.Context, actor permission.Actor, id uint) (dto.MessageResponse, error) {
	message, err := s.messages.FindByID(ctx, id)
	if err != nil {
		return dto.MessageResponse{}, apperror.FromStore("message", err)
	}
	if err := s.ensureReader(ctx, actor, message.ConversationID); err != nil {
		return dto.MessageResponse{}, err
	}

	sender, _ := s.directory.summary(ctx, message.SenderID)
	return dto.NewMessageResponse(message, sender), nil
}

func (s *messageService) Send(ctx context.Context, actor permission.Actor, conversationID uint, payload dto.MessageSendRequest) (dto.SendMessageResult, error) {
	if strings.TrimSpace(payload.Content) == "" {
		return dto.SendMessageResult{}, apperror.Validation("message content is required")
	}
	if err := s.validator.Struct(payload); err != nil {
		return dto.SendMessageResult{}, apperror.Invalid(err)
	}

	content := strings.TrimSpace(s.sanitizer.Sanitize(payload.Content))
	if content == "" {
		return dto.SendMessageResult{}, apperror.Validation("message content empty after sanitization")
	}

	spanCtx, span := s.tracer.Start(ctx, "messages.send", trace.WithAttributes(
		attribute.Int64("chat.conversation_id", int64(conversationID)),
		attribute.String("chat.sender_id", actor.ID),
	))
	defer span.End()

	if _, err := s.conversations.FindParticipant(spanCtx, conversationID, actor.ID); err != nil {
		mapped := apperror.FromStore("conversation participant", err)
		if isNotFound(mapped) {
			return dto.SendMessageResult{}, apperror.PermissionDenied("only participants can send messages")
		}
		span.RecordError(err)
		return dto.SendMessageResult{}, mapped
	}

	message := models.Message{
		ConversationID: conversationID,
		SenderID:       actor.ID,
		Content:        content,
		MessageType:    models.MessageTypeText,
		CreatedAt:      s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.messages.Create(spanCtx, &message); err != nil {
		span.RecordError(err)
		return dto.SendMessageResult{}, apperror.FromStore("message", err)
	}

	sender, _ := s.directory.summary(spanCtx, actor.ID)
	response := dto.NewMessageResponse(message, sender)

	publishChange(spanCtx, s.publisher, s.logger, realtime.TableMessages, realtime.ActionInsert, message.ID,
		messageColumns(message), response)
	publishChange(spanCtx, s.publisher, s.logger, realtime.TableConversations, realtime.ActionUpdate, conversationID,
		map[string]string{"id": idString(conversationID)}, nil)
	observability.ChatMessagesSentTotal().WithLabelValues(string(message.MessageType)).Inc()

	// exactly one fan-out per persisted message, before the send returns.
	var delivery dto.NotificationDeliveryReport
	if s.notifier != nil {
		delivery = s.notifier.FanOut(spanCtx, message)
	}
	if delivery.Degraded {
		s.logger.Warn().
			Uint("message_id", message.ID).
			Int("failed", delivery.Failed).
			Msg("message sent with degraded notification delivery")
	}

	return dto.SendMessageResult{Message: response, Delivery: delivery}, nil
}

func (s *messageService) Edit(ctx context.Context, actor permission.Actor, id uint, payload dto.MessageUpdateRequest) (dto.MessageResponse, error) {
	if strings.TrimSpace(payload.Content) == "" {
		return dto.MessageResponse{}, apperror.Validation("message content is required")
	}
	if err := s.validator.Struct(payload); err != nil {
		return dto.MessageResponse{}, apperror.Invalid(err)
	}

	content := strings.TrimSpace(s.sanitizer.Sanitize(payload.Content))
	if content == "" {
		return dto.MessageResponse{}, apperror.Validation("message content empty after sanitization")
	}

	spanCtx, span := s.tracer.Start(ctx, "messages.edit", trace.WithAttributes(
		attribute.Int64("chat.message_id", int64(id)),
		attribute.String("chat.actor_id", actor.ID),
	))
	defer span.End()

	message, err := s.messages.FindByID(spanCtx, id)
	if err != nil {
		return dto.MessageResponse{}, apperror.FromStore("message", err)
	}
	if !permission.CanEditMessage(message.SenderID, actor.ID) {
		return dto.MessageResponse{}, apperror.PermissionDenied("only the author can edit a message")
	}
	if message.IsDeleted {
		return dto.MessageResponse{}, apperror.Validation("deleted messages cannot be edited")
	}

	edited := s.now().UTC().Truncate(time.Microsecond)
	message.Content = content
	message.EditedAt = &edited
	if err := s.messages.Update(spanCtx, &message); err != nil {
		span.RecordError(err)
		return dto.MessageResponse{}, apperror.FromStore("message", err)
	}

	return s.afterUpdate(spanCtx, message), nil
}

func (s *messageService) Delete(ctx context.Context, actor permission.Actor, id uint) (dto.MessageResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "messages.delete", trace.WithAttributes(
		attribute.Int64("chat.message_id", int64(id)),
		attribute.String("chat.actor_id", actor.ID),
	))
	defer span.End()

	message, err := s.messages.FindByID(spanCtx, id)
	if err != nil {
		return dto.MessageResponse{}, apperror.FromStore("message", err)
	}
	if !permission.CanDeleteMessage(actor.Role, message.SenderID, actor.ID) {
		return dto.MessageResponse{}, apperror.PermissionDenied("only the author or an admin can delete a message")
	}

	if message.IsDeleted {
		sender, _ := s.directory.summary(spanCtx, message.SenderID)
		return dto.NewMessageResponse(message, sender), nil
	}

	message.Content = models.DeletedMessagePlaceholder
	message.IsDeleted = true
	if err := s.messages.Update(spanCtx, &message); err != nil {
		span.RecordError(err)
		return dto.MessageResponse{}, apperror.FromStore("message", err)
	}

	if message.SenderID != actor.ID {
		s.logger.Info().Uint("message_id", message.ID).Str("moderator_id", actor.ID).Msg("message removed by moderator")
	}

	return s.afterUpdate(spanCtx, message), nil
}

func (s *messageService) afterUpdate(ctx context.Context, message models.Message) dto.MessageResponse {
	sender, _ := s.directory.summary(ctx, message.SenderID)
	response := dto.NewMessageResponse(message, sender)
	publishChange(ctx, s.publisher, s.logger, realtime.TableMessages, realtime.ActionUpdate, message.ID,
		messageColumns(message), response)
	return response
}

// ensureReader allows participants and admins.
func (s *messageService) ensureReader(ctx context.Context, actor permission.Actor, conversationID uint) error {
	_, err := s.conversations.FindParticipant(ctx, conversationID, actor.ID)
	if err == nil {
		return nil
	}

	mapped := apperror.FromStore("conversation participant", err)
	if !isNotFound(mapped) {
		return mapped
	}
	if actor.Role != models.RoleAdmin {
		return apperror.PermissionDenied("not a participant of this conversation")
	}
	if _, err := s.conversations.FindByID(ctx, conversationID); err != nil {
		return apperror.FromStore("conversation", err)
	}
	return nil
}

func (s *messageService) enrich(ctx context.Context, messages []models.Message) ([]dto.MessageResponse, error) {
	ids := make([]string, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.SenderID)
	}

	senders, _, err := s.directory.summaries(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]dto.MessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, dto.NewMessageResponse(message, senders[message.SenderID]))
	}
	return out, nil
}

func messageColumns(message models.Message) map[string]string {
	return map[string]string{
		"conversation_id": idString(message.ConversationID),
		"sender_id":       message.SenderID,
	}
}
