package chat

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/lexcoach-api/internal/apperror"
	"github.com/noah-isme/lexcoach-api/internal/dto"
	"github.com/noah-isme/lexcoach-api/internal/observability"
	"github.com/noah-isme/lexcoach-api/internal/permission"
	"github.com/noah-isme/lexcoach-api/internal/realtime"
)

const (
	defaultFeedPageSize     = 50
	defaultFeedPollInterval = 2 * time.Second
)

// MessageBackend is the server-side message surface the feed drives.
type MessageBackend interface {
	Page(ctx context.Context, actor permission.Actor, conversationID uint, query dto.MessagePageQuery) (dto.MessagePage, error)
	Since(ctx context.Context, actor permission.Actor, conversationID uint, after time.Time) ([]dto.MessageResponse, error)
	Get(ctx context.Context, actor permission.Actor, id uint) (dto.MessageResponse, error)
	Send(ctx context.Context, actor permission.Actor, conversationID uint, payload dto.MessageSendRequest) (dto.SendMessageResult, error)
	Edit(ctx context.Context, actor permission.Actor, id uint, payload dto.MessageUpdateRequest) (dto.MessageResponse, error)
	Delete(ctx context.Context, actor permission.Actor, id uint) (dto.MessageResponse, error)
}

// FeedState is the binding lifecycle of a feed.
type FeedState string

const (
	FeedUnbound FeedState = "unbound"
	FeedLoading FeedState = "loading"
	FeedReady   FeedState = "ready"
)

// Feed event sources, used as metric labels.
const (
	sourcePage = "page"
	sourcePush = "push"
	sourcePoll = "poll"
	sourceSend = "send"
)

// FeedSnapshot is a consistent copy of the feed state.
type FeedSnapshot struct {
	ConversationID uint
	State          FeedState
	Messages       []dto.MessageResponse
	HasMore        bool
	LastSeenID     uint
}

// FeedOptions tunes paging and polling. Zero values take the defaults.
type FeedOptions struct {
	PageSize     int
	PollInterval time.Duration
}

// MessageFeed holds the ordered history of one bound conversation. Page loads, push
// events, polling and local sends all merge through the same dedup-by-id sink.
type MessageFeed struct {
	backend      MessageBackend
	changes      realtime.Subscriber
	actor        permission.Actor
	logger       zerolog.Logger
	pageSize     int
	pollInterval time.Duration

	bindMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	generation     uint64
	conversationID uint
	state          FeedState
	messages       []dto.MessageResponse
	seen           map[uint]struct{}
	hasMore        bool
	lastSeenID     uint
	onChange       func(FeedSnapshot)

	// watermark is the newest created_at merged since Bind, or the bind instant when the
	// first page was empty. Clearing the list on a failed load keeps it.
	watermark time.Time
	now       func() time.Time
}

// NewMessageFeed constructs an unbound feed. changes may be nil, leaving polling as the
// only live path.
func NewMessageFeed(backend MessageBackend, changes realtime.Subscriber, actor permission.Actor, logger zerolog.Logger, opts FeedOptions) *MessageFeed {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultFeedPageSize
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultFeedPollInterval
	}

	return &MessageFeed{
		backend:      backend,
		changes:      changes,
		actor:        actor,
		logger:       logger.With().Str("component", "message_feed").Str("user_id", actor.ID).Logger(),
		pageSize:     pageSize,
		pollInterval: pollInterval,
		state:        FeedUnbound,
		seen:         make(map[uint]struct{}),
		now:          time.Now,
	}
}

// OnChange registers a callback receiving a snapshot after every mutation. It runs under
// the feed lock and must not call back into the feed.
func (f *MessageFeed) OnChange(fn func(FeedSnapshot)) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (f *MessageFeed) Snapshot() FeedSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

// Bind tears down any previous binding, then subscribes to pushes for conversationID,
// loads the newest page and starts polling. A failed load leaves the feed unbound.
func (f *MessageFeed) Bind(ctx context.Context, conversationID uint) error {
	if conversationID == 0 {
		return apperror.Validation("conversation id is required")
	}

	f.bindMu.Lock()
	defer f.bindMu.Unlock()

	f.unbindLocked()

	f.mu.Lock()
	f.generation++
	generation := f.generation
	f.conversationID = conversationID
	f.state = FeedLoading
	f.resetLocked()
	f.watermark = time.Time{}
	boundAt := f.now().UTC()
	f.notifyLocked()
	f.mu.Unlock()

	bindCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	// subscribe before the first page so nothing written during the load is missed
	if f.changes != nil {
		sub := f.changes.Subscribe(realtime.Filter{
			Table:  realtime.TableMessages,
			Column: "conversation_id",
			Value:  idString(conversationID),
		})
		f.wg.Add(1)
		go f.consume(bindCtx, generation, sub)
	}

	if err := f.loadPage(bindCtx, generation, true); err != nil {
		f.unbindLocked()
		return err
	}

	f.mu.Lock()
	if f.generation == generation {
		if f.watermark.IsZero() {
			f.watermark = boundAt
		}
		f.state = FeedReady
		f.notifyLocked()
	}
	f.mu.Unlock()

	f.wg.Add(1)
	go f.poll(bindCtx, generation)
	return nil
}

// Unbind cancels the push and poll goroutines, waits for them and clears the state.
func (f *MessageFeed) Unbind() {
	f.bindMu.Lock()
	defer f.bindMu.Unlock()
	f.unbindLocked()
}

func (f *MessageFeed) unbindLocked() {
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == FeedUnbound && f.conversationID == 0 {
		return
	}
	f.generation++
	f.conversationID = 0
	f.state = FeedUnbound
	f.resetLocked()
	f.watermark = time.Time{}
	f.notifyLocked()
}

// LoadMore prepends the next older page. It is a no-op when the history is exhausted.
func (f *MessageFeed) LoadMore(ctx context.Context) error {
	f.mu.Lock()
	generation := f.generation
	state := f.state
	hasMore := f.hasMore
	f.mu.Unlock()

	if state != FeedReady {
		return apperror.Validation("no conversation bound")
	}
	if !hasMore {
		return nil
	}
	return f.loadPage(ctx, generation, false)
}

func (f *MessageFeed) loadPage(ctx context.Context, generation uint64, reset bool) error {
	f.mu.Lock()
	if f.generation != generation {
		f.mu.Unlock()
		return nil
	}
	conversationID := f.conversationID
	query := dto.MessagePageQuery{Limit: f.pageSize}
	if !reset && len(f.messages) > 0 {
		query.BeforeID = f.messages[0].ID
	}
	f.mu.Unlock()

	page, err := f.backend.Page(ctx, f.actor, conversationID, query)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generation != generation {
		observability.ChatFeedEvents().WithLabelValues(sourcePage, "stale").Inc()
		return nil
	}
	if err != nil {
		observability.ChatFeedEvents().WithLabelValues(sourcePage, "error").Inc()
		f.resetLocked()
		f.notifyLocked()
		return err
	}

	if reset {
		f.replaceWithPageLocked(page.Items)
	} else {
		for _, message := range page.Items {
			f.insertLocked(sourcePage, message)
		}
	}
	f.hasMore = len(page.Items) == f.pageSize
	f.notifyLocked()
	return nil
}

// replaceWithPageLocked swaps in a fresh newest page, keeping pushed messages that are
// newer than anything the page returned.
func (f *MessageFeed) replaceWithPageLocked(items []dto.MessageResponse) {
	previous := f.messages
	f.messages = make([]dto.MessageResponse, 0, len(items)+len(previous))
	f.seen = make(map[uint]struct{}, len(items)+len(previous))
	f.lastSeenID = 0

	for _, message := range items {
		f.insertLocked(sourcePage, message)
	}

	if len(f.messages) == 0 {
		f.messages = append(f.messages, previous...)
		for _, message := range previous {
			f.markSeenLocked(message.ID)
		}
		return
	}

	newest := f.messages[len(f.messages)-1]
	for _, message := range previous {
		if messageBefore(newest, message) {
			f.messages = append(f.messages, message)
			f.markSeenLocked(message.ID)
		}
	}
}

// CheckForNewMessages polls for messages at or after the newest local one. With an empty
// list it asks only for what is newer than the watermark, so a cleared feed is never
// refilled with old history.
func (f *MessageFeed) CheckForNewMessages(ctx context.Context) error {
	f.mu.Lock()
	generation := f.generation
	f.mu.Unlock()
	return f.checkForNewMessages(ctx, generation)
}

func (f *MessageFeed) checkForNewMessages(ctx context.Context, generation uint64) error {
	f.mu.Lock()
	if f.generation != generation || f.state != FeedReady {
		f.mu.Unlock()
		return nil
	}
	conversationID := f.conversationID
	after := f.watermark
	if n := len(f.messages); n > 0 {
		after = f.messages[n-1].CreatedAt
	}
	f.mu.Unlock()

	messages, err := f.backend.Since(ctx, f.actor, conversationID, after)
	if err != nil {
		observability.ChatFeedEvents().WithLabelValues(sourcePoll, "error").Inc()
		return err
	}
	f.merge(generation, sourcePoll, messages...)
	return nil
}

func (f *MessageFeed) poll(ctx context.Context, generation uint64) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.checkForNewMessages(ctx, generation); err != nil && ctx.Err() == nil {
				f.logger.Debug().Err(err).Msg("message poll failed")
			}
		}
	}
}

func (f *MessageFeed) consume(ctx context.Context, generation uint64, sub *realtime.Subscription) {
	defer f.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			f.handlePush(ctx, generation, event)
		}
	}
}

func (f *MessageFeed) handlePush(ctx context.Context, generation uint64, event realtime.Event) {
	f.mu.Lock()
	current := f.generation == generation && event.UintColumn("conversation_id") == f.conversationID
	f.mu.Unlock()
	if !current {
		observability.ChatFeedEvents().WithLabelValues(sourcePush, "stale").Inc()
		return
	}

	switch event.Action {
	case realtime.ActionInsert:
		message, err := f.backend.Get(ctx, f.actor, event.RecordID)
		if err != nil {
			observability.ChatFeedEvents().WithLabelValues(sourcePush, "error").Inc()
			if ctx.Err() == nil {
				f.logger.Warn().Err(err).Uint("message_id", event.RecordID).Msg("pushed message could not be fetched")
			}
			return
		}
		f.merge(generation, sourcePush, message)
	case realtime.ActionUpdate:
		var message dto.MessageResponse
		if err := json.Unmarshal(event.Record, &message); err != nil || message.ID == 0 {
			fetched, getErr := f.backend.Get(ctx, f.actor, event.RecordID)
			if getErr != nil {
				observability.ChatFeedEvents().WithLabelValues(sourcePush, "error").Inc()
				return
			}
			message = fetched
		}
		f.replace(generation, message)
	case realtime.ActionDelete:
		f.remove(generation, event.RecordID)
	}
}

// Send posts content to the bound conversation and merges the confirmed row.
func (f *MessageFeed) Send(ctx context.Context, content string) (dto.SendMessageResult, error) {
	if strings.TrimSpace(content) == "" {
		return dto.SendMessageResult{}, apperror.Validation("message content is required")
	}

	f.mu.Lock()
	generation := f.generation
	conversationID := f.conversationID
	state := f.state
	f.mu.Unlock()
	if state == FeedUnbound {
		return dto.SendMessageResult{}, apperror.Validation("no conversation bound")
	}

	result, err := f.backend.Send(ctx, f.actor, conversationID, dto.MessageSendRequest{Content: content})
	if err != nil {
		return dto.SendMessageResult{}, err
	}
	f.merge(generation, sourceSend, result.Message)
	return result, nil
}

// Edit rewrites one of the actor's own messages once the server confirms it.
func (f *MessageFeed) Edit(ctx context.Context, id uint, content string) (dto.MessageResponse, error) {
	if strings.TrimSpace(content) == "" {
		return dto.MessageResponse{}, apperror.Validation("message content is required")
	}

	generation, message, err := f.lookup(id)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	if !permission.CanEditMessage(message.SenderID, f.actor.ID) {
		return dto.MessageResponse{}, apperror.PermissionDenied("only the author can edit a message")
	}
	if message.IsDeleted {
		return dto.MessageResponse{}, apperror.Validation("deleted messages cannot be edited")
	}

	updated, err := f.backend.Edit(ctx, f.actor, id, dto.MessageUpdateRequest{Content: content})
	if err != nil {
		return dto.MessageResponse{}, err
	}
	f.replace(generation, updated)
	return updated, nil
}

// Delete soft-deletes a message once the server confirms it.
func (f *MessageFeed) Delete(ctx context.Context, id uint) (dto.MessageResponse, error) {
	generation, message, err := f.lookup(id)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	if !permission.CanDeleteMessage(f.actor.Role, message.SenderID, f.actor.ID) {
		return dto.MessageResponse{}, apperror.PermissionDenied("only the author or an admin can delete a message")
	}

	deleted, err := f.backend.Delete(ctx, f.actor, id)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	f.replace(generation, deleted)
	return deleted, nil
}

func (f *MessageFeed) lookup(id uint) (uint64, dto.MessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == FeedUnbound {
		return 0, dto.MessageResponse{}, apperror.Validation("no conversation bound")
	}
	if i := f.indexLocked(id); i >= 0 {
		return f.generation, f.messages[i], nil
	}
	return 0, dto.MessageResponse{}, apperror.NotFound("message")
}

// merge is the single insertion sink: events from another binding or conversation are
// dropped, known ids are skipped and the rest are inserted in (created_at, id) order.
func (f *MessageFeed) merge(generation uint64, source string, messages ...dto.MessageResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.generation != generation || f.state == FeedUnbound {
		observability.ChatFeedEvents().WithLabelValues(source, "stale").Add(float64(len(messages)))
		return
	}

	changed := false
	for _, message := range messages {
		if f.insertLocked(source, message) {
			changed = true
		}
	}
	if changed {
		f.notifyLocked()
	}
}

func (f *MessageFeed) insertLocked(source string, message dto.MessageResponse) bool {
	if message.ConversationID != f.conversationID {
		observability.ChatFeedEvents().WithLabelValues(source, "stale").Inc()
		return false
	}
	if _, dup := f.seen[message.ID]; dup {
		observability.ChatFeedEvents().WithLabelValues(source, "duplicate").Inc()
		return false
	}

	i := sort.Search(len(f.messages), func(i int) bool {
		return messageBefore(message, f.messages[i])
	})
	f.messages = append(f.messages, dto.MessageResponse{})
	copy(f.messages[i+1:], f.messages[i:])
	f.messages[i] = message
	f.markSeenLocked(message.ID)
	if message.CreatedAt.After(f.watermark) {
		f.watermark = message.CreatedAt
	}

	observability.ChatFeedEvents().WithLabelValues(source, "added").Inc()
	return true
}

func (f *MessageFeed) markSeenLocked(id uint) {
	f.seen[id] = struct{}{}
	if id > f.lastSeenID {
		f.lastSeenID = id
	}
}

func (f *MessageFeed) replace(generation uint64, message dto.MessageResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generation != generation || message.ConversationID != f.conversationID {
		return
	}
	if i := f.indexLocked(message.ID); i >= 0 {
		f.messages[i] = message
		f.notifyLocked()
	}
}

func (f *MessageFeed) remove(generation uint64, id uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generation != generation {
		return
	}
	if i := f.indexLocked(id); i >= 0 {
		f.messages = append(f.messages[:i], f.messages[i+1:]...)
		delete(f.seen, id)
		f.notifyLocked()
	}
}

func (f *MessageFeed) indexLocked(id uint) int {
	for i := range f.messages {
		if f.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (f *MessageFeed) resetLocked() {
	f.messages = nil
	f.seen = make(map[uint]struct{})
	f.hasMore = false
	f.lastSeenID = 0
}

func (f *MessageFeed) snapshotLocked() FeedSnapshot {
	return FeedSnapshot{
		ConversationID: f.conversationID,
		State:          f.state,
		Messages:       append([]dto.MessageResponse(nil), f.messages...),
		HasMore:        f.hasMore,
		LastSeenID:     f.lastSeenID,
	}
}

func (f *MessageFeed) notifyLocked() {
	if f.onChange != nil {
		f.onChange(f.snapshotLocked())
	}
}

// messageBefore orders by (created_at, id).
func messageBefore(a, b dto.MessageResponse) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
