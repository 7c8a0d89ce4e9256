package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/lexcoach-api/internal/apperror"
	"github.com/noah-isme/lexcoach-api/internal/dto"
	"github.com/noah-isme/lexcoach-api/internal/models"
	"github.com/noah-isme/lexcoach-api/internal/permission"
)

var (
	errStoreDown = errors.New("connection refused")

	viewer    = permission.Actor{ID: "i1", Role: models.RoleInstructor}
	learner   = permission.Actor{ID: "s1", Role: models.RoleStudent}
	moderator = permission.Actor{ID: "a1", Role: models.RoleAdmin}
)

// fakeBackend is an in-memory ConversationBackend and MessageBackend.
type fakeBackend struct {
	mu sync.Mutex

	conversations []*dto.ConversationResponse
	messages      map[uint][]dto.MessageResponse
	nextConvID    uint
	nextMsgID     uint
	clock         time.Time

	listErr     error
	markReadErr error
	pageErr     error
	calls       map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages:   make(map[uint][]dto.MessageResponse),
		nextConvID: 100,
		nextMsgID:  1000,
		clock:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		calls:      make(map[string]int),
	}
}

func (b *fakeBackend) record(name string) {
	b.calls[name]++
}

func (b *fakeBackend) callCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) setErr(target *error, err error) {
	b.mu.Lock()
	*target = err
	b.mu.Unlock()
}

func (b *fakeBackend) addConversation(unread int, participants ...string) uint {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextConvID++
	b.conversations = append(b.conversations, &dto.ConversationResponse{
		ID:               b.nextConvID,
		Type:             string(models.ConversationTypeGroup),
		ParticipantIDs:   append([]string(nil), participants...),
		ParticipantCount: len(participants),
		UnreadCount:      unread,
	})
	return b.nextConvID
}

// addMessage stores a message offset seconds after the base clock.
func (b *fakeBackend) addMessage(conversationID uint, senderID, content string, offset int) dto.MessageResponse {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addMessageLocked(conversationID, senderID, content, b.clock.Add(time.Duration(offset)*time.Second))
}

func (b *fakeBackend) addMessageLocked(conversationID uint, senderID, content string, at time.Time) dto.MessageResponse {
	b.nextMsgID++
	message := dto.MessageResponse{
		ID:             b.nextMsgID,
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     senderID,
		Content:        content,
		MessageType:    string(models.MessageTypeText),
		CreatedAt:      at,
	}
	list := append(b.messages[conversationID], message)
	sort.SliceStable(list, func(i, j int) bool { return messageBefore(list[i], list[j]) })
	b.messages[conversationID] = list
	return message
}

func (b *fakeBackend) conversationLocked(id uint) *dto.ConversationResponse {
	for _, conversation := range b.conversations {
		if conversation.ID == id {
			return conversation
		}
	}
	return nil
}

func (b *fakeBackend) List(_ context.Context, actor permission.Actor) ([]dto.ConversationResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("list")
	if b.listErr != nil {
		return nil, apperror.TransientIO("conversations", b.listErr)
	}
	out := make([]dto.ConversationResponse, 0, len(b.conversations))
	for _, conversation := range b.conversations {
		for _, id := range conversation.ParticipantIDs {
			if id == actor.ID {
				out = append(out, *conversation)
				break
			}
		}
	}
	return out, nil
}

func (b *fakeBackend) Create(_ context.Context, actor permission.Actor, payload dto.ConversationCreateRequest) (dto.ConversationResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("create")
	b.nextConvID++
	conversation := &dto.ConversationResponse{
		ID:               b.nextConvID,
		Type:             string(models.ConversationTypeGroup),
		ParticipantIDs:   append([]string{actor.ID}, payload.TargetUserIDs...),
		ParticipantCount: len(payload.TargetUserIDs) + 1,
	}
	b.conversations = append(b.conversations, conversation)
	return *conversation, nil
}

func (b *fakeBackend) Leave(_ context.Context, actor permission.Actor, id uint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("leave")
	conversation := b.conversationLocked(id)
	if conversation == nil {
		return apperror.NotFound("conversation")
	}
	kept := conversation.ParticipantIDs[:0]
	for _, participant := range conversation.ParticipantIDs {
		if participant != actor.ID {
			kept = append(kept, participant)
		}
	}
	conversation.ParticipantIDs = kept
	conversation.ParticipantCount = len(kept)
	return nil
}

func (b *fakeBackend) Participants(_ context.Context, _ permission.Actor, id uint) ([]dto.ParticipantResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conversation := b.conversationLocked(id)
	if conversation == nil {
		return nil, apperror.NotFound("conversation")
	}
	out := make([]dto.ParticipantResponse, 0, len(conversation.ParticipantIDs))
	for _, userID := range conversation.ParticipantIDs {
		out = append(out, dto.ParticipantResponse{ConversationID: id, UserID: userID, Resolved: true})
	}
	return out, nil
}

func (b *fakeBackend) MarkRead(_ context.Context, _ permission.Actor, id uint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("mark_read")
	if b.markReadErr != nil {
		return apperror.TransientIO("mark read", b.markReadErr)
	}
	if conversation := b.conversationLocked(id); conversation != nil {
		conversation.UnreadCount = 0
	}
	return nil
}

func (b *fakeBackend) AvailablePartners(_ context.Context, _ permission.Actor) ([]dto.UserSummary, error) {
	return []dto.UserSummary{{ID: "a1", Role: "admin", FullName: "Ada Admin"}}, nil
}

func (b *fakeBackend) Page(_ context.Context, _ permission.Actor, conversationID uint, query dto.MessagePageQuery) (dto.MessagePage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("page")
	if b.pageErr != nil {
		return dto.MessagePage{}, apperror.TransientIO("messages", b.pageErr)
	}

	list := b.messages[conversationID]
	end := len(list)
	if query.BeforeID != 0 {
		end = 0
		for i, message := range list {
			if message.ID == query.BeforeID {
				end = i
				break
			}
		}
	}
	start := end - query.Limit
	if start < 0 {
		start = 0
	}
	items := append([]dto.MessageResponse(nil), list[start:end]...)
	return dto.MessagePage{Items: items, HasMore: len(items) == query.Limit}, nil
}

func (b *fakeBackend) Since(_ context.Context, _ permission.Actor, conversationID uint, after time.Time) ([]dto.MessageResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("since")
	var out []dto.MessageResponse
	for _, message := range b.messages[conversationID] {
		if !message.CreatedAt.Before(after) {
			out = append(out, message)
		}
	}
	return out, nil
}

func (b *fakeBackend) Get(_ context.Context, _ permission.Actor, id uint) (dto.MessageResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("get")
	for _, list := range b.messages {
		for _, message := range list {
			if message.ID == id {
				return message, nil
			}
		}
	}
	return dto.MessageResponse{}, apperror.NotFound("message")
}

func (b *fakeBackend) Send(_ context.Context, actor permission.Actor, conversationID uint, payload dto.MessageSendRequest) (dto.SendMessageResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("send")
	list := b.messages[conversationID]
	at := b.clock
	if n := len(list); n > 0 {
		at = list[n-1].CreatedAt.Add(time.Second)
	}
	message := b.addMessageLocked(conversationID, actor.ID, payload.Content, at)
	return dto.SendMessageResult{Message: message, Delivery: dto.NotificationDeliveryReport{Attempted: 1, Delivered: 1}}, nil
}

func (b *fakeBackend) update(id uint, mutate func(*dto.MessageResponse)) (dto.MessageResponse, error) {
	for conversationID, list := range b.messages {
		for i := range list {
			if list[i].ID == id {
				mutate(&list[i])
				b.messages[conversationID] = list
				return list[i], nil
			}
		}
	}
	return dto.MessageResponse{}, apperror.NotFound("message")
}

func (b *fakeBackend) Edit(_ context.Context, _ permission.Actor, id uint, payload dto.MessageUpdateRequest) (dto.MessageResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("edit")
	return b.update(id, func(message *dto.MessageResponse) {
		edited := b.clock.Add(time.Hour)
		message.Content = payload.Content
		message.EditedAt = &edited
	})
}

func (b *fakeBackend) Delete(_ context.Context, _ permission.Actor, id uint) (dto.MessageResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("delete")
	return b.update(id, func(message *dto.MessageResponse) {
		message.Content = models.DeletedMessagePlaceholder
		message.IsDeleted = true
	})
}
