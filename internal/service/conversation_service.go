package service

import (
	"context"
	"errors"
	"sort"
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
	"github.com/noah-isme/lexcoach-api/internal/permission"
	"github.com/noah-isme/lexcoach-api/internal/realtime"
	"github.com/noah-isme/lexcoach-api/internal/repository"
)

// ConversationService exposes conversation and membership use-cases.
type ConversationService interface {
	ResolveActor(ctx context.Context, userID string) (permission.Actor, error)
	List(ctx context.Context, actor permission.Actor) ([]dto.ConversationResponse, error)
	Get(ctx context.Context, actor permission.Actor, id uint) (dto.ConversationResponse, error)
	Create(ctx context.Context, actor permission.Actor, payload dto.ConversationCreateRequest) (dto.ConversationResponse, error)
	QuickChat(ctx context.Context, actor permission.Actor, targetUserID string) (dto.ConversationResponse, error)
	Leave(ctx context.Context, actor permission.Actor, id uint) error
	Participants(ctx context.Context, actor permission.Actor, id uint) ([]dto.ParticipantResponse, error)
	MarkRead(ctx context.Context, actor permission.Actor, id uint) error
	AvailablePartners(ctx context.Context, actor permission.Actor) ([]dto.UserSummary, error)
	Unread(ctx context.Context, actor permission.Actor) (dto.ConversationUnreadResponse, error)
}

type conversationService struct {
	repo      repository.ConversationRepository
	users     repository.UserRepository
	directory userDirectory
	publisher realtime.Publisher
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

// NewConversationService constructs a conversation service. publisher may be nil.
func NewConversationService(repo repository.ConversationRepository, users repository.UserRepository, publisher realtime.Publisher, validate *validator.Validate, logger zerolog.Logger) ConversationService {
	serviceLogger := logger.With().Str("component", "conversation_service").Logger()
	return &conversationService{
		repo:      repo,
		users:     users,
		directory: userDirectory{users: users, logger: serviceLogger},
		publisher: publisher,
		validator: validate,
		logger:    serviceLogger,
		tracer:    otel.Tracer("github.com/noah-isme/lexcoach-api/internal/service/conversation"),
		sanitizer: bluemonday.StrictPolicy(),
		now:       time.Now,
	}
}

func (s *conversationService) ResolveActor(ctx context.Context, userID string) (permission.Actor, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return permission.Actor{}, apperror.Validation("user id is required")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return permission.Actor{}, apperror.FromStore("user", err)
	}
	return permission.Actor{ID: user.ID, Role: user.Role}, nil
}

func (s *conversationService) List(ctx context.Context, actor permission.Actor) ([]dto.ConversationResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "conversations.list", trace.WithAttributes(attribute.String("chat.viewer_id", actor.ID)))
	defer span.End()

	conversations, err := s.repo.ListForUser(spanCtx, actor.ID)
	if err != nil {
		span.RecordError(err)
		return nil, apperror.FromStore("conversations", err)
	}

	counts, err := s.repo.UnreadCounts(spanCtx, actor.ID)
	if err != nil {
		span.RecordError(err)
		return nil, apperror.FromStore("unread counts", err)
	}

	ids := make([]string, 0)
	for _, conversation := range conversations {
		for _, participant := range conversation.Participants {
			ids = append(ids, participant.UserID)
		}
	}
	_, records, err := s.directory.summaries(spanCtx, ids)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	sortConversations(conversations)

	out := make([]dto.ConversationResponse, 0, len(conversations))
	for _, conversation := range conversations {
		out = append(out, s.toResponse(conversation, actor.ID, records, counts[conversation.ID]))
	}
	return out, nil
}

func (s *conversationService) Get(ctx context.Context, actor permission.Actor, id uint) (dto.ConversationResponse, error) {
	conversation, err := s.readable(ctx, actor, id)
	if err != nil {
		return dto.ConversationResponse{}, err
	}

	counts, err := s.repo.UnreadCounts(ctx, actor.ID)
	if err != nil {
		return dto.ConversationResponse{}, apperror.FromStore("unread counts", err)
	}

	_, records, err := s.directory.summaries(ctx, participantIDs(conversation))
	if err != nil {
		return dto.ConversationResponse{}, err
	}

	return s.toResponse(conversation, actor.ID, records, counts[conversation.ID]), nil
}

func (s *conversationService) Create(ctx context.Context, actor permission.Actor, payload dto.ConversationCreateRequest) (dto.ConversationResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.ConversationResponse{}, apperror.Invalid(err)
	}
	if !actor.Role.Known() {
		return dto.ConversationResponse{}, apperror.PermissionDenied("unknown role cannot start conversations")
	}

	targets := make([]string, 0, len(payload.TargetUserIDs))
	for _, id := range uniqueStrings(payload.TargetUserIDs) {
		id = strings.TrimSpace(id)
		if id == "" || id == actor.ID {
			continue
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return dto.ConversationResponse{}, apperror.Validation("at least one other participant is required")
	}

	spanCtx, span := s.tracer.Start(ctx, "conversations.create", trace.WithAttributes(
		attribute.String("chat.initiator_id", actor.ID),
		attribute.Int("chat.target_count", len(targets)),
	))
	defer span.End()

	users, err := s.users.FindByIDs(spanCtx, targets)
	if err != nil {
		span.RecordError(err)
		return dto.ConversationResponse{}, apperror.FromStore("users", err)
	}

	records := make(map[string]models.User, len(users))
	for _, user := range users {
		records[user.ID] = user
	}

	roles := []models.Role{actor.Role}
	for _, id := range targets {
		user, ok := records[id]
		if !ok || !permission.CanChatWith(actor.Role, user.Role) {
			return dto.ConversationResponse{}, apperror.PermissionDenied("user " + id + " is not an eligible chat partner")
		}
		roles = append(roles, user.Role)
	}

	derived := permission.ConversationType(roles)
	if payload.Type != "" && models.ConversationType(payload.Type) != derived {
		return dto.ConversationResponse{}, apperror.Validation("conversation type " + payload.Type + " does not match participants")
	}

	conversation := models.Conversation{
		Type:      derived,
		Title:     s.cleanTitle(payload.Title),
		CreatedBy: actor.ID,
	}

	members := append([]string{actor.ID}, targets...)
	if err := s.repo.Create(spanCtx, &conversation, members); err != nil {
		span.RecordError(err)
		return dto.ConversationResponse{}, apperror.FromStore("conversation", err)
	}

	publishChange(spanCtx, s.publisher, s.logger, realtime.TableConversations, realtime.ActionInsert, conversation.ID,
		map[string]string{"id": idString(conversation.ID)}, conversation)
	for _, participant := range conversation.Participants {
		publishChange(spanCtx, s.publisher, s.logger, realtime.TableParticipants, realtime.ActionInsert, participant.ID,
			map[string]string{"conversation_id": idString(conversation.ID), "user_id": participant.UserID}, participant)
	}

	s.logger.Info().
		Uint("conversation_id", conversation.ID).
		Str("type", string(conversation.Type)).
		Int("participants", len(members)).
		Msg("conversation created")

	return s.toResponse(conversation, actor.ID, records, 0), nil
}

func (s *conversationService) QuickChat(ctx context.Context, actor permission.Actor, targetUserID string) (dto.ConversationResponse, error) {
	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		return dto.ConversationResponse{}, apperror.Validation("target user id is required")
	}
	if targetUserID == actor.ID {
		return dto.ConversationResponse{}, apperror.Validation("cannot start a conversation with yourself")
	}

	conversations, err := s.repo.ListForUser(ctx, actor.ID)
	if err != nil {
		return dto.ConversationResponse{}, apperror.FromStore("conversations", err)
	}

	for _, conversation := range conversations {
		ids := participantIDs(conversation)
		if len(ids) == 2 && containsString(ids, actor.ID) && containsString(ids, targetUserID) {
			return s.Get(ctx, actor, conversation.ID)
		}
	}

	return s.Create(ctx, actor, dto.ConversationCreateRequest{TargetUserIDs: []string{targetUserID}})
}

func (s *conversationService) Leave(ctx context.Context, actor permission.Actor, id uint) error {
	spanCtx, span := s.tracer.Start(ctx, "conversations.leave", trace.WithAttributes(
		attribute.Int64("chat.conversation_id", int64(id)),
		attribute.String("chat.user_id", actor.ID),
	))
	defer span.End()

	if err := s.repo.RemoveParticipant(spanCtx, id, actor.ID); err != nil {
		span.RecordError(err)
		return apperror.FromStore("conversation participant", err)
	}

	publishChange(spanCtx, s.publisher, s.logger, realtime.TableParticipants, realtime.ActionDelete, 0,
		map[string]string{"conversation_id": idString(id), "user_id": actor.ID}, nil)
	publishChange(spanCtx, s.publisher, s.logger, realtime.TableConversations, realtime.ActionUpdate, id,
		map[string]string{"id": idString(id)}, nil)

	return nil
}

func (s *conversationService) Participants(ctx context.Context, actor permission.Actor, id uint) ([]dto.ParticipantResponse, error) {
	conversation, err := s.readable(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	summaries, records, err := s.directory.summaries(ctx, participantIDs(conversation))
	if err != nil {
		return nil, err
	}

	out := make([]dto.ParticipantResponse, 0, len(conversation.Participants))
	for _, participant := range conversation.Participants {
		_, resolved := records[participant.UserID]
		out = append(out, dto.ParticipantResponse{
			ID:             participant.ID,
			ConversationID: participant.ConversationID,
			UserID:         participant.UserID,
			JoinedAt:       participant.JoinedAt,
			LastReadAt:     participant.LastReadAt,
			User:           summaries[participant.UserID],
			Resolved:       resolved,
		})
	}
	return out, nil
}

func (s *conversationService) MarkRead(ctx context.Context, actor permission.Actor, id uint) error {
	at := s.now().UTC()
	if err := s.repo.MarkRead(ctx, id, actor.ID, at); err != nil {
		return apperror.FromStore("conversation participant", err)
	}

	publishChange(ctx, s.publisher, s.logger, realtime.TableParticipants, realtime.ActionUpdate, 0,
		map[string]string{"conversation_id": idString(id), "user_id": actor.ID}, nil)
	return nil
}

func (s *conversationService) AvailablePartners(ctx context.Context, actor permission.Actor) ([]dto.UserSummary, error) {
	users, err := s.users.ListExcept(ctx, actor.ID)
	if err != nil {
		return nil, apperror.FromStore("users", err)
	}

	candidates := make([]permission.Participant, 0, len(users))
	for _, user := range users {
		candidates = append(candidates, permission.FromUser(user))
	}

	partners := permission.AvailableChatPartners(permission.Participant{ID: actor.ID, Role: actor.Role}, candidates)
	permission.SortChatPartners(partners)

	out := make([]dto.UserSummary, 0, len(partners))
	for _, partner := range partners {
		out = append(out, dto.UserSummary{
			ID:        partner.ID,
			FirstName: partner.FirstName,
			LastName:  partner.LastName,
			Email:     partner.Email,
			Role:      string(partner.Role),
			FullName:  partner.FullName(),
		})
	}
	return out, nil
}

func (s *conversationService) Unread(ctx context.Context, actor permission.Actor) (dto.ConversationUnreadResponse, error) {
	counts, err := s.repo.UnreadCounts(ctx, actor.ID)
	if err != nil {
		return dto.ConversationUnreadResponse{}, apperror.FromStore("unread counts", err)
	}

	total := 0
	for _, count := range counts {
		total += count
	}
	return dto.ConversationUnreadResponse{Total: total, ByConversation: counts}, nil
}

// readable loads a conversation the actor belongs to. Admins may read any conversation.
func (s *conversationService) readable(ctx context.Context, actor permission.Actor, id uint) (models.Conversation, error) {
	conversation, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return models.Conversation{}, apperror.FromStore("conversation", err)
	}
	if actor.Role == models.RoleAdmin || containsString(participantIDs(conversation), actor.ID) {
		return conversation, nil
	}
	return models.Conversation{}, apperror.PermissionDenied("not a participant of this conversation")
}

func (s *conversationService) cleanTitle(title *string) *string {
	if title == nil {
		return nil
	}
	clean := strings.TrimSpace(s.sanitizer.Sanitize(*title))
	if clean == "" {
		return nil
	}
	return &clean
}

func (s *conversationService) toResponse(conversation models.Conversation, viewerID string, users map[string]models.User, unread int) dto.ConversationResponse {
	ids := participantIDs(conversation)

	participants := make([]permission.Participant, 0, len(ids))
	for _, id := range ids {
		user, ok := users[id]
		if !ok {
			participants = append(participants, permission.Participant{ID: id, FirstName: dto.UnknownUserName})
			continue
		}
		participants = append(participants, permission.FromUser(user))
	}

	display := permission.ConversationTitle(participants, viewerID)
	if conversation.Title != nil && strings.TrimSpace(*conversation.Title) != "" {
		display = *conversation.Title
	}

	return dto.ConversationResponse{
		ID:               conversation.ID,
		Type:             string(conversation.Type),
		Title:            conversation.Title,
		DisplayTitle:     display,
		CreatedBy:        conversation.CreatedBy,
		ParticipantCount: conversation.ParticipantCount,
		ParticipantIDs:   ids,
		LastMessage:      conversation.LastMessage,
		LastMessageAt:    conversation.LastMessageAt,
		UnreadCount:      unread,
		CreatedAt:        conversation.CreatedAt,
		UpdatedAt:        conversation.UpdatedAt,
	}
}

// sortConversations orders by last activity: last_message_at desc with nulls last, then updated_at desc.
func sortConversations(conversations []models.Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		a, b := conversations[i], conversations[j]
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt == nil:
			return true
		case a.LastMessageAt == nil && b.LastMessageAt != nil:
			return false
		case a.LastMessageAt != nil && b.LastMessageAt != nil && !a.LastMessageAt.Equal(*b.LastMessageAt):
			return a.LastMessageAt.After(*b.LastMessageAt)
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
}

func participantIDs(conversation models.Conversation) []string {
	ids := make([]string, 0, len(conversation.Participants))
	for _, participant := range conversation.Participants {
		ids = append(ids, participant.UserID)
	}
	return ids
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

// isNotFound reports whether err maps to a missing entity.
func isNotFound(err error) bool {
	return errors.Is(err, apperror.ErrNotFound)
}
