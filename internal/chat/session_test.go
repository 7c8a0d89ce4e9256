package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lexcoach-api/internal/apperror"
	"github.com/noah-isme/lexcoach-api/internal/dto"
	"github.com/noah-isme/lexcoach-api/internal/realtime"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []dto.ChatFrame
	done   chan struct{}
}

func recordFrames(session *Session) *frameRecorder {
	recorder := &frameRecorder{done: make(chan struct{})}
	go func() {
		defer close(recorder.done)
		for frame := range session.Frames() {
			recorder.mu.Lock()
			recorder.frames = append(recorder.frames, frame)
			recorder.mu.Unlock()
		}
	}()
	return recorder
}

func (r *frameRecorder) last(frameType string) (dto.ChatFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].Type == frameType {
			return r.frames[i], true
		}
	}
	return dto.ChatFrame{}, false
}

func startTestSession(t *testing.T, backend *fakeBackend, changes realtime.Subscriber) (*Session, *frameRecorder) {
	t.Helper()
	session := NewSession(viewer, backend, backend, changes, zerolog.Nop(), SessionOptions{PageSize: 10, PollInterval: time.Hour})
	recorder := recordFrames(session)
	require.NoError(t, session.Start(context.Background()))
	t.Cleanup(func() {
		session.Close()
		<-recorder.done
	})
	return session, recorder
}

func TestSessionStartEmitsConversationList(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(2, "i1", "s1")
	backend.addConversation(1, "i1", "p1")

	session, recorder := startTestSession(t, backend, nil)
	require.Equal(t, 3, session.TotalUnreadCount())

	require.Eventually(t, func() bool {
		frame, ok := recorder.last(dto.FrameConversations)
		return ok && len(frame.Conversations) == 2 && frame.TotalUnread == 3
	}, time.Second, 5*time.Millisecond)
}

func TestSessionSelectMarksReadAndBindsFeed(t *testing.T) {
	backend := newFakeBackend()
	id := backend.addConversation(2, "i1", "s1")
	message := backend.addMessage(id, "s1", "hello tutor", 1)

	session, recorder := startTestSession(t, backend, nil)
	require.NoError(t, session.Select(context.Background(), id))

	require.Equal(t, id, session.ActiveConversationID())
	require.Zero(t, session.TotalUnreadCount())
	require.Equal(t, 1, backend.callCount("mark_read"))
	require.Equal(t, []uint{message.ID}, messageIDs(session.Messages().Messages))

	require.Eventually(t, func() bool {
		frame, ok := recorder.last(dto.FrameMessages)
		return ok && frame.State == string(FeedReady) && len(frame.Messages) == 1
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, session.Select(context.Background(), 9999), apperror.ErrNotFound)
	require.Equal(t, id, session.ActiveConversationID(), "a failed select keeps the active conversation")
}

func TestSessionSwitchIsolatesConversations(t *testing.T) {
	backend := newFakeBackend()
	broker := realtime.NewBroker(nil, "", nil, zerolog.Nop())
	first := backend.addConversation(0, "i1", "s1")
	second := backend.addConversation(0, "i1", "p1")
	backend.addMessage(first, "s1", "first", 1)
	onlySecond := backend.addMessage(second, "p1", "second", 1)

	session, _ := startTestSession(t, backend, broker)
	require.NoError(t, session.Select(context.Background(), first))
	require.NoError(t, session.Select(context.Background(), second))

	late := backend.addMessage(first, "s1", "late", 2)
	publishMessageEvent(t, broker, realtime.ActionInsert, first, late.ID, nil)

	require.Never(t, func() bool {
		return len(session.Messages().Messages) != 1
	}, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, []uint{onlySecond.ID}, messageIDs(session.Messages().Messages))
}

func TestSessionQuickChatReusesDirectConversation(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(0, "i1", "s1", "p1")
	direct := backend.addConversation(0, "i1", "s1")

	session, _ := startTestSession(t, backend, nil)

	conversation, err := session.QuickChat(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, direct, conversation.ID)
	require.Zero(t, backend.callCount("create"))
	require.Equal(t, direct, session.ActiveConversationID())

	created, err := session.QuickChat(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 1, backend.callCount("create"))
	require.Equal(t, created.ID, session.ActiveConversationID())

	again, err := session.QuickChat(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, created.ID, again.ID)
	require.Equal(t, 1, backend.callCount("create"))

	_, err = session.QuickChat(context.Background(), viewer.ID)
	require.ErrorIs(t, err, apperror.ErrValidation)
}

func TestSessionLeaveActiveConversationUnbindsFeed(t *testing.T) {
	backend := newFakeBackend()
	id := backend.addConversation(0, "i1", "s1")
	backend.addMessage(id, "s1", "bye", 1)

	session, _ := startTestSession(t, backend, nil)
	require.NoError(t, session.Select(context.Background(), id))
	require.NoError(t, session.Leave(context.Background(), 0))

	require.Zero(t, session.ActiveConversationID())
	require.Equal(t, FeedUnbound, session.Messages().State)
	require.Empty(t, session.Conversations())

	_, err := session.Send(context.Background(), "anyone there")
	require.ErrorIs(t, err, apperror.ErrValidation)
}

func TestDispatcherRepliesWithAckAndErrorFrames(t *testing.T) {
	backend := newFakeBackend()
	id := backend.addConversation(0, "i1", "s1")

	session, _ := startTestSession(t, backend, nil)
	dispatcher := NewDispatcher(session, validator.New(validator.WithRequiredStructEnabled()))
	ctx := context.Background()

	frame := dispatcher.Dispatch(ctx, dto.ChatCommand{Type: dto.CommandSend, RequestID: "r1", Content: "hi"})
	require.Equal(t, dto.FrameError, frame.Type)
	require.Equal(t, "r1", frame.RequestID)
	require.Equal(t, string(apperror.KindValidation), frame.Error.Kind)

	frame = dispatcher.Dispatch(ctx, dto.ChatCommand{Type: "shout"})
	require.Equal(t, dto.FrameError, frame.Type)
	require.Equal(t, string(apperror.KindValidation), frame.Error.Kind)

	frame = dispatcher.Dispatch(ctx, dto.ChatCommand{Type: dto.CommandSelect, ConversationID: id})
	require.Equal(t, dto.FrameAck, frame.Type)
	require.Equal(t, id, frame.ActiveConversationID)

	frame = dispatcher.Dispatch(ctx, dto.ChatCommand{Type: dto.CommandSend, RequestID: "r2", Content: "hello"})
	require.Equal(t, dto.FrameAck, frame.Type)
	require.NotNil(t, frame.Message)
	require.Equal(t, "hello", frame.Message.Content)
	require.Equal(t, 1, frame.Delivery.Delivered)

	frame = dispatcher.Dispatch(ctx, dto.ChatCommand{Type: dto.CommandParticipants})
	require.Equal(t, dto.FrameParticipants, frame.Type)
	require.Equal(t, id, frame.ConversationID)
	require.Len(t, frame.Participants, 2)

	frame = dispatcher.Dispatch(ctx, dto.ChatCommand{Type: dto.CommandPartners})
	require.Equal(t, dto.FramePartners, frame.Type)
	require.Len(t, frame.Partners, 1)

	backend.setErr(&backend.markReadErr, errStoreDown)
	frame = dispatcher.Dispatch(ctx, dto.ChatCommand{Type: dto.CommandMarkRead})
	require.Equal(t, dto.FrameError, frame.Type)
	require.Equal(t, string(apperror.KindTransientIO), frame.Error.Kind)
	require.NotContains(t, frame.Error.Message, "connection refused")
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	session := NewSession(viewer, backend, backend, nil, zerolog.Nop(), SessionOptions{})
	recorder := recordFrames(session)
	require.NoError(t, session.Start(context.Background()))

	session.Close()
	session.Close()
	<-recorder.done
}

func TestSessionEndsWithStartContext(t *testing.T) {
	backend := newFakeBackend()
	session := NewSession(viewer, backend, backend, nil, zerolog.Nop(), SessionOptions{})
	recorder := recordFrames(session)
	sessionCtx := session.ctx

	parent, cancel := context.WithCancel(context.Background())
	require.NoError(t, session.Start(parent))
	require.NoError(t, sessionCtx.Err())

	cancel()
	require.Eventually(t, func() bool { return sessionCtx.Err() != nil }, time.Second, 5*time.Millisecond)

	session.Close()
	<-recorder.done
}

func TestSessionCloseCancelsContextWithoutStart(t *testing.T) {
	session := NewSession(viewer, newFakeBackend(), newFakeBackend(), nil, zerolog.Nop(), SessionOptions{})
	recorder := recordFrames(session)

	session.Close()
	<-recorder.done
	require.ErrorIs(t, session.ctx.Err(), context.Canceled)
}

func TestSessionCloseDetachesFromStartContext(t *testing.T) {
	backend := newFakeBackend()
	session := NewSession(viewer, backend, backend, nil, zerolog.Nop(), SessionOptions{})
	recorder := recordFrames(session)

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, session.Start(parent))

	session.Close()
	<-recorder.done
	require.ErrorIs(t, session.ctx.Err(), context.Canceled)
	require.NoError(t, parent.Err())
}
