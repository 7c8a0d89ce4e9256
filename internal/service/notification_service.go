package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/lexcoach-api/internal/apperror"
	"github.com/noah-isme/lexcoach-api/internal/dto"
	"github.com/noah-isme/lexcoach-api/internal/models"
	"github.com/noah-isme/lexcoach-api/internal/observability"
	"github.com/noah-isme/lexcoach-api/internal/realtime"
	"github.com/noah-isme/lexcoach-api/internal/repository"
)

const (
	notificationBufferSize = 16

	// NewMessageTitle heads participant notifications.
	NewMessageTitle = "New message"
	// SupportOversightTitle heads the admin copy of support conversation messages.
	SupportOversightTitle = "New support message"

	notificationPreviewRunes = 50
)

// NotificationService fans messages out to recipients and streams notifications via SSE.
type NotificationService interface {
	FanOut(ctx context.Context, message models.Message) dto.NotificationDeliveryReport
	List(ctx context.Context, userID string, limit, offset int) ([]dto.NotificationResponse, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	MarkRead(ctx context.Context, id uint, userID string) (dto.NotificationResponse, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, id uint, userID string) error
	Subscribe(userID string) (<-chan dto.NotificationResponse, func())
	Start(ctx context.Context)
}

type notificationService struct {
	repo          repository.NotificationRepository
	conversations repository.ConversationRepository
	users         repository.UserRepository
	directory     userDirectory
	feed          ChangeFeed
	logger        zerolog.Logger
	tracer        trace.Tracer
	sanitizer     *bluemonday.Policy
	broker        *notificationBroker
}

type notificationBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan dto.NotificationResponse]struct{}
}

// NewNotificationService constructs a notification service. When feed is nil,
// notifications are streamed to local subscribers only.
func NewNotificationService(repo repository.NotificationRepository, conversations repository.ConversationRepository, users repository.UserRepository, feed ChangeFeed, logger zerolog.Logger) NotificationService {
	serviceLogger := logger.With().Str("component", "notification_service").Logger()
	return &notificationService{
		repo:          repo,
		conversations: conversations,
		users:         users,
		directory:     userDirectory{users: users, logger: serviceLogger},
		feed:          feed,
		logger:        serviceLogger,
		tracer:        otel.Tracer("github.com/noah-isme/lexcoach-api/internal/service/notification"),
		sanitizer:     bluemonday.StrictPolicy(),
		broker: &notificationBroker{
			subscribers: make(map[string]map[chan dto.NotificationResponse]struct{}),
		},
	}
}

// Start relays notification inserts from the change feed, local and bridged, to SSE subscribers.
func (s *notificationService) Start(ctx context.Context) {
	if s.feed == nil {
		return
	}

	sub := s.feed.Subscribe(realtime.Filter{Table: realtime.TableNotifications, Actions: []realtime.Action{realtime.ActionInsert}})
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				s.handleEvent(event)
			}
		}
	}()
}

// FanOut creates one notification per other participant and, for support conversations,
// an oversight copy for every admin not already notified. Per-recipient failures are
// retried once through the direct insert path and then only reported.
func (s *notificationService) FanOut(ctx context.Context, message models.Message) dto.NotificationDeliveryReport {
	spanCtx, span := s.tracer.Start(ctx, "notifications.fan_out", trace.WithAttributes(
		attribute.Int64("chat.conversation_id", int64(message.ConversationID)),
		attribute.Int64("chat.message_id", int64(message.ID)),
	))
	defer span.End()

	var report dto.NotificationDeliveryReport

	conversation, err := s.conversations.FindByID(spanCtx, message.ConversationID)
	if err != nil {
		span.RecordError(err)
		s.logger.Error().Err(err).Uint("conversation_id", message.ConversationID).Msg("fan-out could not resolve conversation")
		report.Degraded = true
		return report
	}

	sender, _ := s.directory.summary(spanCtx, message.SenderID)
	body := s.previewBody(sender.FullName, message.Content)

	notified := map[string]struct{}{message.SenderID: {}}
	for _, participant := range conversation.Participants {
		if _, done := notified[participant.UserID]; done {
			continue
		}
		notified[participant.UserID] = struct{}{}

		s.deliver(spanCtx, &report, s.chatNotification(participant.UserID, NewMessageTitle, body, message, conversation, false))
	}

	if conversation.Type == models.ConversationTypeSupport {
		admins, err := s.users.ListByRole(spanCtx, models.RoleAdmin)
		if err != nil {
			span.RecordError(err)
			s.logger.Error().Err(err).Uint("conversation_id", conversation.ID).Msg("fan-out could not resolve admins")
			report.Degraded = true
		}
		for _, admin := range admins {
			if _, done := notified[admin.ID]; done {
				continue
			}
			notified[admin.ID] = struct{}{}

			s.deliver(spanCtx, &report, s.chatNotification(admin.ID, SupportOversightTitle, body, message, conversation, true))
		}
	}

	if report.Failed > 0 {
		report.Degraded = true
	}
	span.SetAttributes(
		attribute.Int("notifications.delivered", report.Delivered),
		attribute.Int("notifications.failed", report.Failed),
	)
	return report
}

func (s *notificationService) chatNotification(userID, title, body string, message models.Message, conversation models.Conversation, oversight bool) models.Notification {
	related := idString(conversation.ID)
	return models.Notification{
		UserID:          userID,
		Title:           title,
		Message:         body,
		Type:            models.NotificationTypeInfo,
		RelatedEntityID: &related,
		Metadata: datatypes.JSONMap{
			"message_id":        message.ID,
			"sender_id":         message.SenderID,
			"conversation_type": string(conversation.Type),
			"oversight":         oversight,
		},
	}
}

func (s *notificationService) deliver(ctx context.Context, report *dto.NotificationDeliveryReport, notification models.Notification) {
	report.Attempted++

	if err := s.repo.Create(ctx, &notification); err != nil {
		report.Retried++
		observability.NotificationFanout().WithLabelValues("retried").Inc()
		s.logger.Warn().Err(err).Str("user_id", notification.UserID).Msg("notification insert failed, retrying direct insert")

		notification.ID = 0
		if err := s.repo.CreateDirect(ctx, &notification); err != nil {
			report.Failed++
			observability.NotificationFanout().WithLabelValues("failed").Inc()
			s.logger.Error().Err(err).Str("user_id", notification.UserID).Msg("notification dropped after retry")
			return
		}
	}

	report.Delivered++
	observability.NotificationFanout().WithLabelValues("delivered").Inc()
	s.emit(ctx, dto.NewNotificationResponse(notification))
}

// previewBody renders "{sender}: {content}" with content cut to 50 runes.
func (s *notificationService) previewBody(senderName, content string) string {
	clean := strings.TrimSpace(s.sanitizer.Sanitize(content))
	runes := []rune(clean)
	if len(runes) > notificationPreviewRunes {
		clean = string(runes[:notificationPreviewRunes]) + "..."
	}
	return senderName + ": " + clean
}

func (s *notificationService) List(ctx context.Context, userID string, limit, offset int) ([]dto.NotificationResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperror.Validation("user id is required")
	}

	notifications, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperror.FromStore("notifications", err)
	}

	return dto.NewNotificationResponseSlice(notifications), nil
}

func (s *notificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, apperror.Validation("user id is required")
	}

	count, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, apperror.FromStore("notifications", err)
	}
	return count, nil
}

func (s *notificationService) MarkRead(ctx context.Context, id uint, userID string) (dto.NotificationResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "notifications.mark_read", trace.WithAttributes(attribute.String("notification.user_id", userID)))
	defer span.End()

	notification, err := s.repo.MarkRead(spanCtx, id, userID)
	if err != nil {
		span.RecordError(err)
		return dto.NotificationResponse{}, apperror.FromStore("notification", err)
	}

	return dto.NewNotificationResponse(notification), nil
}

func (s *notificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, apperror.Validation("user id is required")
	}

	updated, err := s.repo.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, apperror.FromStore("notifications", err)
	}
	return updated, nil
}

func (s *notificationService) Delete(ctx context.Context, id uint, userID string) error {
	if err := s.repo.Delete(ctx, id, userID); err != nil {
		return apperror.FromStore("notification", err)
	}
	return nil
}

func (s *notificationService) Subscribe(userID string) (<-chan dto.NotificationResponse, func()) {
	channel := make(chan dto.NotificationResponse, notificationBufferSize)

	s.broker.subscribe(userID, channel)
	observability.SSEClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(userID, channel)
			observability.SSEClientsActive().Dec()
		})
	}

	return channel, cleanup
}

func (s *notificationService) emit(ctx context.Context, notification dto.NotificationResponse) {
	if s.feed == nil {
		s.broadcast(notification)
		return
	}
	publishChange(ctx, s.feed, s.logger, realtime.TableNotifications, realtime.ActionInsert, notification.ID,
		map[string]string{"user_id": notification.UserID}, notification)
}

func (s *notificationService) handleEvent(event realtime.Event) {
	var notification dto.NotificationResponse
	if err := json.Unmarshal(event.Record, &notification); err != nil {
		s.logger.Warn().Err(err).Msg("invalid notification event payload")
		return
	}
	s.broadcast(notification)
}

func (s *notificationService) broadcast(notification dto.NotificationResponse) {
	if notification.Type == "" {
		notification.Type = string(models.NotificationTypeInfo)
	}
	observability.NotificationsPublishedTotal().WithLabelValues(notification.Type).Inc()
	s.broker.broadcast(notification.UserID, notification)
}

func (b *notificationBroker) subscribe(userID string, ch chan dto.NotificationResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[userID]; !exists {
		b.subscribers[userID] = make(map[chan dto.NotificationResponse]struct{})
	}
	b.subscribers[userID][ch] = struct{}{}
}

func (b *notificationBroker) unsubscribe(userID string, ch chan dto.NotificationResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[userID]; ok {
		if _, present := subscribers[ch]; !present {
			return
		}
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, userID)
		}
	}
}

func (b *notificationBroker) broadcast(userID string, notification dto.NotificationResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[userID] {
		select {
		case ch <- notification:
		default:
		}
	}
}
