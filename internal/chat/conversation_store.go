// Package chat holds the per-connection session core: the viewer's conversation list,
// the bound message feed and the session that ties them to a websocket.
package chat

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/lexcoach-api/internal/apperror"
	"github.com/noah-isme/lexcoach-api/internal/dto"
	"github.com/noah-isme/lexcoach-api/internal/permission"
	"github.com/noah-isme/lexcoach-api/internal/realtime"
)

// ConversationBackend is the server-side conversation surface the store drives.
type ConversationBackend interface {
	List(ctx context.Context, actor permission.Actor) ([]dto.ConversationResponse, error)
	Create(ctx context.Context, actor permission.Actor, payload dto.ConversationCreateRequest) (dto.ConversationResponse, error)
	Leave(ctx context.Context, actor permission.Actor, id uint) error
	Participants(ctx context.Context, actor permission.Actor, id uint) ([]dto.ParticipantResponse, error)
	MarkRead(ctx context.Context, actor permission.Actor, id uint) error
	AvailablePartners(ctx context.Context, actor permission.Actor) ([]dto.UserSummary, error)
}

// ConversationStore owns the viewer's local conversation list and keeps it in sync with
// change events.
type ConversationStore struct {
	backend ConversationBackend
	changes realtime.Subscriber
	actor   permission.Actor
	logger  zerolog.Logger

	mu            sync.RWMutex
	conversations []dto.ConversationResponse
	onChange      func([]dto.ConversationResponse, int)

	watchMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConversationStore constructs a store for actor. changes may be nil, in which case the
// list only refreshes on explicit Load.
func NewConversationStore(backend ConversationBackend, changes realtime.Subscriber, actor permission.Actor, logger zerolog.Logger) *ConversationStore {
	return &ConversationStore{
		backend: backend,
		changes: changes,
		actor:   actor,
		logger:  logger.With().Str("component", "conversation_store").Str("user_id", actor.ID).Logger(),
	}
}

// OnChange registers a callback receiving the list snapshot and the unread total after
// every mutation. It runs under the store lock and must not call back into the store.
func (s *ConversationStore) OnChange(fn func([]dto.ConversationResponse, int)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Load replaces the local list with the server's.
func (s *ConversationStore) Load(ctx context.Context) error {
	conversations, err := s.backend.List(ctx, s.actor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = conversations
	s.notifyLocked()
	return nil
}

// Watch subscribes to conversation, participant and message-insert events and re-lists
// on any relevant one. Bursts collapse into a single refresh.
func (s *ConversationStore) Watch(ctx context.Context) {
	if s.changes == nil {
		return
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.cancel != nil {
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	sub := s.changes.Subscribe(
		realtime.Filter{Table: realtime.TableConversations},
		realtime.Filter{Table: realtime.TableParticipants},
		realtime.Filter{Table: realtime.TableMessages, Actions: []realtime.Action{realtime.ActionInsert}},
	)
	refresh := make(chan struct{}, 1)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				if !s.relevant(event) {
					continue
				}
				select {
				case refresh <- struct{}{}:
				default:
				}
			}
		}
	}()

	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-refresh:
				if err := s.Load(watchCtx); err != nil && watchCtx.Err() == nil {
					s.logger.Warn().Err(err).Msg("conversation refresh failed")
				}
			}
		}
	}()
}

// Close stops watching and waits for the watch goroutines.
func (s *ConversationStore) Close() {
	s.watchMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.watchMu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *ConversationStore) relevant(event realtime.Event) bool {
	if event.Table == realtime.TableParticipants && event.Column("user_id") == s.actor.ID {
		return true
	}

	var conversationID uint
	switch event.Table {
	case realtime.TableConversations:
		conversationID = event.RecordID
	default:
		conversationID = event.UintColumn("conversation_id")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexLocked(conversationID) >= 0
}

// Conversations returns a copy of the local list.
func (s *ConversationStore) Conversations() []dto.ConversationResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dto.ConversationResponse(nil), s.conversations...)
}

// Find returns the local entry for id.
func (s *ConversationStore) Find(id uint) (dto.ConversationResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.conversations[i], true
	}
	return dto.ConversationResponse{}, false
}

// FindDirect returns the conversation whose participants are exactly the viewer and target.
func (s *ConversationStore) FindDirect(targetUserID string) (dto.ConversationResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conversation := range s.conversations {
		if conversation.HasExactParticipants(s.actor.ID, targetUserID) {
			return conversation, true
		}
	}
	return dto.ConversationResponse{}, false
}

// Create opens a conversation and re-lists so the new entry carries server-side fields.
func (s *ConversationStore) Create(ctx context.Context, payload dto.ConversationCreateRequest) (dto.ConversationResponse, error) {
	conversation, err := s.backend.Create(ctx, s.actor, payload)
	if err != nil {
		return dto.ConversationResponse{}, err
	}

	if err := s.Load(ctx); err != nil {
		s.logger.Warn().Err(err).Uint("conversation_id", conversation.ID).Msg("re-list after create failed, inserting locally")
		s.mu.Lock()
		if s.indexLocked(conversation.ID) < 0 {
			s.conversations = append([]dto.ConversationResponse{conversation}, s.conversations...)
			s.notifyLocked()
		}
		s.mu.Unlock()
	}
	return conversation, nil
}

// Leave removes the viewer from the conversation and drops it locally.
func (s *ConversationStore) Leave(ctx context.Context, id uint) error {
	if err := s.backend.Leave(ctx, s.actor, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
		s.notifyLocked()
	}
	return nil
}

// Participants proxies to the backend.
func (s *ConversationStore) Participants(ctx context.Context, id uint) ([]dto.ParticipantResponse, error) {
	return s.backend.Participants(ctx, s.actor, id)
}

// AvailablePartners proxies to the backend, which filters and sorts.
func (s *ConversationStore) AvailablePartners(ctx context.Context) ([]dto.UserSummary, error) {
	return s.backend.AvailablePartners(ctx, s.actor)
}

// MarkRead zeroes the local unread count before the server write. If the write fails
// the list is re-fetched, and if that fails too the previous count is restored.
func (s *ConversationStore) MarkRead(ctx context.Context, id uint) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return apperror.NotFound("conversation")
	}
	previous := s.conversations[i].UnreadCount
	if previous != 0 {
		s.conversations[i].UnreadCount = 0
		s.notifyLocked()
	}
	s.mu.Unlock()

	err := s.backend.MarkRead(ctx, s.actor, id)
	if err == nil {
		return nil
	}

	s.logger.Warn().Err(err).Uint("conversation_id", id).Msg("mark read failed, reconciling")
	if loadErr := s.Load(ctx); loadErr != nil {
		s.mu.Lock()
		if i := s.indexLocked(id); i >= 0 && s.conversations[i].UnreadCount == 0 {
			s.conversations[i].UnreadCount = previous
			s.notifyLocked()
		}
		s.mu.Unlock()
	}
	return err
}

// TotalUnread sums the local unread counts.
func (s *ConversationStore) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalLocked()
}

func (s *ConversationStore) totalLocked() int {
	total := 0
	for _, conversation := range s.conversations {
		total += conversation.UnreadCount
	}
	return total
}

func (s *ConversationStore) indexLocked(id uint) int {
	if id == 0 {
		return -1
	}
	for i, conversation := range s.conversations {
		if conversation.ID == id {
			return i
		}
	}
	return -1
}

func (s *ConversationStore) notifyLocked() {
	if s.onChange == nil {
		return
	}
	s.onChange(append([]dto.ConversationResponse(nil), s.conversations...), s.totalLocked())
}

func idString(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
