package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/lexcoach-api/internal/apperror"
	"github.com/noah-isme/lexcoach-api/internal/dto"
	"github.com/noah-isme/lexcoach-api/internal/observability"
	"github.com/noah-isme/lexcoach-api/internal/permission"
	"github.com/noah-isme/lexcoach-api/internal/realtime"
)

const defaultFrameBuffer = 64

// SessionOptions configures a chat session.
type SessionOptions struct {
	PageSize     int
	PollInterval time.Duration
	FrameBuffer  int
}

// Session is one client's chat state: its conversation list, the active conversation and
// the feed bound to it. State changes are emitted on Frames.
type Session struct {
	actor  permission.Actor
	store  *ConversationStore
	feed   *MessageFeed
	logger zerolog.Logger

	frames chan dto.ChatFrame

	// ctx is created once and cancelled by Close or by the context given to Start.
	ctx        context.Context
	cancel     context.CancelFunc
	stopFollow func() bool

	mu      sync.Mutex
	active  uint
	started bool

	emitMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewSession wires a store and a feed for actor. changes may be nil.
func NewSession(actor permission.Actor, conversations ConversationBackend, messages MessageBackend, changes realtime.Subscriber, logger zerolog.Logger, opts SessionOptions) *Session {
	buffer := opts.FrameBuffer
	if buffer <= 0 {
		buffer = defaultFrameBuffer
	}

	sessionLogger := logger.With().Str("component", "chat_session").Str("user_id", actor.ID).Logger()
	s := &Session{
		actor:  actor,
		store:  NewConversationStore(conversations, changes, actor, logger),
		feed:   NewMessageFeed(messages, changes, actor, logger, FeedOptions{PageSize: opts.PageSize, PollInterval: opts.PollInterval}),
		logger: sessionLogger,
		frames: make(chan dto.ChatFrame, buffer),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Frames is closed once the session is closed.
func (s *Session) Frames() <-chan dto.ChatFrame {
	return s.frames
}

// Actor returns the session owner.
func (s *Session) Actor() permission.Actor {
	return s.actor
}

// Start loads the conversation list and begins watching for changes. The session lives
// until ctx is cancelled or Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopFollow = context.AfterFunc(ctx, s.cancel)
	s.mu.Unlock()

	s.store.OnChange(func(conversations []dto.ConversationResponse, total int) {
		s.emit(dto.ChatFrame{
			Type:                 dto.FrameConversations,
			Conversations:        conversations,
			TotalUnread:          total,
			ActiveConversationID: s.ActiveConversationID(),
		})
	})
	s.feed.OnChange(func(snapshot FeedSnapshot) {
		s.emit(dto.ChatFrame{
			Type:           dto.FrameMessages,
			ConversationID: snapshot.ConversationID,
			Messages:       snapshot.Messages,
			HasMore:        snapshot.HasMore,
			State:          string(snapshot.State),
		})
	})

	observability.ChatSessionsActive().Inc()
	if err := s.store.Load(s.ctx); err != nil {
		return err
	}
	s.store.Watch(s.ctx)
	return nil
}

// Close tears down the feed binding and the store watch, then closes Frames.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		stopFollow := s.stopFollow
		s.mu.Unlock()

		if stopFollow != nil {
			stopFollow()
		}
		s.cancel()
		s.feed.Unbind()
		s.store.Close()

		s.emitMu.Lock()
		s.closed = true
		close(s.frames)
		s.emitMu.Unlock()

		if started {
			observability.ChatSessionsActive().Dec()
		}
	})
}

// emit blocks until the frame is queued or the session is cancelled.
func (s *Session) emit(frame dto.ChatFrame) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- frame:
	case <-s.ctx.Done():
	}
}

// ActiveConversationID returns the selected conversation, 0 when none.
func (s *Session) ActiveConversationID() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) setActive(id uint) {
	s.mu.Lock()
	s.active = id
	s.mu.Unlock()
}

// Conversations returns the local list.
func (s *Session) Conversations() []dto.ConversationResponse {
	return s.store.Conversations()
}

// Messages returns the bound feed state.
func (s *Session) Messages() FeedSnapshot {
	return s.feed.Snapshot()
}

// Select activates a conversation: it is marked read and the feed is rebound to it.
func (s *Session) Select(ctx context.Context, id uint) error {
	if _, ok := s.store.Find(id); !ok {
		return apperror.NotFound("conversation")
	}

	if err := s.store.MarkRead(ctx, id); err != nil {
		s.logger.Warn().Err(err).Uint("conversation_id", id).Msg("mark read on select failed")
	}

	s.setActive(id)
	if err := s.feed.Bind(s.ctx, id); err != nil {
		s.setActive(0)
		return err
	}
	return nil
}

// StartConversation creates a conversation and selects it.
func (s *Session) StartConversation(ctx context.Context, payload dto.ConversationCreateRequest) (dto.ConversationResponse, error) {
	conversation, err := s.store.Create(ctx, payload)
	if err != nil {
		return dto.ConversationResponse{}, err
	}
	if err := s.Select(ctx, conversation.ID); err != nil {
		return conversation, err
	}
	return conversation, nil
}

// QuickChat selects the existing 1:1 conversation with target, creating it when absent.
func (s *Session) QuickChat(ctx context.Context, targetUserID string) (dto.ConversationResponse, error) {
	if targetUserID == "" || targetUserID == s.actor.ID {
		return dto.ConversationResponse{}, apperror.Validation("a different target user is required")
	}

	if existing, ok := s.store.FindDirect(targetUserID); ok {
		return existing, s.Select(ctx, existing.ID)
	}
	return s.StartConversation(ctx, dto.ConversationCreateRequest{TargetUserIDs: []string{targetUserID}})
}

// Send posts to the active conversation.
func (s *Session) Send(ctx context.Context, content string) (dto.SendMessageResult, error) {
	if s.ActiveConversationID() == 0 {
		return dto.SendMessageResult{}, apperror.Validation("no active conversation")
	}
	return s.feed.Send(ctx, content)
}

// Edit rewrites a message in the active conversation.
func (s *Session) Edit(ctx context.Context, messageID uint, content string) (dto.MessageResponse, error) {
	return s.feed.Edit(ctx, messageID, content)
}

// Delete soft-deletes a message in the active conversation.
func (s *Session) Delete(ctx context.Context, messageID uint) (dto.MessageResponse, error) {
	return s.feed.Delete(ctx, messageID)
}

// LoadMore pages older history into the active conversation.
func (s *Session) LoadMore(ctx context.Context) error {
	return s.feed.LoadMore(ctx)
}

// MarkRead marks id read; 0 means the active conversation.
func (s *Session) MarkRead(ctx context.Context, id uint) error {
	if id == 0 {
		id = s.ActiveConversationID()
	}
	if id == 0 {
		return apperror.Validation("no active conversation")
	}
	return s.store.MarkRead(ctx, id)
}

// Leave removes the viewer from id, unbinding the feed when it was active.
func (s *Session) Leave(ctx context.Context, id uint) error {
	if id == 0 {
		id = s.ActiveConversationID()
	}
	if id == 0 {
		return apperror.Validation("no active conversation")
	}
	if err := s.store.Leave(ctx, id); err != nil {
		return err
	}

	if s.ActiveConversationID() == id {
		s.setActive(0)
		s.feed.Unbind()
	}
	return nil
}

// Participants lists the members of id; 0 means the active conversation.
func (s *Session) Participants(ctx context.Context, id uint) ([]dto.ParticipantResponse, error) {
	if id == 0 {
		id = s.ActiveConversationID()
	}
	if id == 0 {
		return nil, apperror.Validation("no active conversation")
	}
	return s.store.Participants(ctx, id)
}

// AvailablePartners lists the users the viewer may start a conversation with.
func (s *Session) AvailablePartners(ctx context.Context) ([]dto.UserSummary, error) {
	return s.store.AvailablePartners(ctx)
}

// TotalUnreadCount sums unread counts across the local list.
func (s *Session) TotalUnreadCount() int {
	return s.store.TotalUnread()
}
