package chat

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lexcoach-api/internal/apperror"
	"github.com/noah-isme/lexcoach-api/internal/dto"
	"github.com/noah-isme/lexcoach-api/internal/realtime"
)

func newTestStore(t *testing.T, backend *fakeBackend, changes realtime.Subscriber) *ConversationStore {
	t.Helper()
	store := NewConversationStore(backend, changes, viewer, zerolog.Nop())
	t.Cleanup(store.Close)
	return store
}

func TestConversationStoreLoadAndTotals(t *testing.T) {
	backend := newFakeBackend()
	first := backend.addConversation(2, "i1", "s1")
	backend.addConversation(3, "i1", "p1")
	backend.addConversation(7, "s1", "a1")

	store := newTestStore(t, backend, nil)
	var lastTotal int
	store.OnChange(func(_ []dto.ConversationResponse, total int) { lastTotal = total })

	require.NoError(t, store.Load(context.Background()))
	require.Len(t, store.Conversations(), 2)
	require.Equal(t, 5, store.TotalUnread())
	require.Equal(t, 5, lastTotal)

	found, ok := store.Find(first)
	require.True(t, ok)
	require.Equal(t, 2, found.UnreadCount)

	_, ok = store.Find(9999)
	require.False(t, ok)
}

func TestConversationStoreMarkReadIsOptimisticAndIdempotent(t *testing.T) {
	backend := newFakeBackend()
	id := backend.addConversation(4, "i1", "s1")

	store := newTestStore(t, backend, nil)
	require.NoError(t, store.Load(context.Background()))

	for i := 0; i < 2; i++ {
		require.NoError(t, store.MarkRead(context.Background(), id))
		require.Zero(t, store.TotalUnread())
	}

	require.ErrorIs(t, store.MarkRead(context.Background(), 9999), apperror.ErrNotFound)
}

func TestConversationStoreMarkReadReconcilesOnFailure(t *testing.T) {
	backend := newFakeBackend()
	id := backend.addConversation(4, "i1", "s1")

	store := newTestStore(t, backend, nil)
	require.NoError(t, store.Load(context.Background()))

	var observed []int
	store.OnChange(func(_ []dto.ConversationResponse, total int) { observed = append(observed, total) })

	backend.setErr(&backend.markReadErr, errStoreDown)
	require.ErrorIs(t, store.MarkRead(context.Background(), id), apperror.ErrTransientIO)
	require.Equal(t, 4, store.TotalUnread(), "the re-list restores the server count")
	require.Equal(t, []int{0, 4}, observed, "the reset is visible before the write settles")

	backend.setErr(&backend.listErr, errStoreDown)
	require.Error(t, store.MarkRead(context.Background(), id))
	require.Equal(t, 4, store.TotalUnread(), "the previous count is restored when the re-list fails too")
}

func TestConversationStoreCreateLeaveAndFindDirect(t *testing.T) {
	backend := newFakeBackend()
	group := backend.addConversation(0, "i1", "s1", "p1")

	store := newTestStore(t, backend, nil)
	require.NoError(t, store.Load(context.Background()))

	_, ok := store.FindDirect("s1")
	require.False(t, ok, "a group containing the target is not a direct match")

	created, err := store.Create(context.Background(), dto.ConversationCreateRequest{TargetUserIDs: []string{"s1"}})
	require.NoError(t, err)
	direct, ok := store.FindDirect("s1")
	require.True(t, ok)
	require.Equal(t, created.ID, direct.ID)
	require.Len(t, store.Conversations(), 2)

	require.NoError(t, store.Leave(context.Background(), group))
	_, ok = store.Find(group)
	require.False(t, ok)
	require.Len(t, store.Conversations(), 1)
}

func TestConversationStoreCreateSurvivesRelistFailure(t *testing.T) {
	backend := newFakeBackend()
	store := newTestStore(t, backend, nil)
	require.NoError(t, store.Load(context.Background()))

	backend.setErr(&backend.listErr, errStoreDown)
	created, err := store.Create(context.Background(), dto.ConversationCreateRequest{TargetUserIDs: []string{"s1"}})
	require.NoError(t, err)

	_, ok := store.Find(created.ID)
	require.True(t, ok)
}

func TestConversationStoreWatchRelistsOnRelevantEvents(t *testing.T) {
	backend := newFakeBackend()
	broker := realtime.NewBroker(nil, "", nil, zerolog.Nop())
	mine := backend.addConversation(0, "i1", "s1")
	theirs := backend.addConversation(0, "s1", "a1")

	store := newTestStore(t, backend, broker)
	require.NoError(t, store.Load(context.Background()))
	store.Watch(context.Background())
	lists := backend.callCount("list")

	publish := func(table realtime.Table, action realtime.Action, id uint, columns map[string]string) {
		event, err := realtime.NewEvent(table, action, id, columns, nil)
		require.NoError(t, err)
		require.NoError(t, broker.Publish(context.Background(), event))
	}

	publish(realtime.TableMessages, realtime.ActionInsert, 1, map[string]string{"conversation_id": idString(theirs)})
	publish(realtime.TableConversations, realtime.ActionUpdate, theirs, map[string]string{"id": idString(theirs)})
	require.Never(t, func() bool {
		return backend.callCount("list") != lists
	}, 100*time.Millisecond, 10*time.Millisecond)

	publish(realtime.TableMessages, realtime.ActionInsert, 2, map[string]string{"conversation_id": idString(mine)})
	require.Eventually(t, func() bool {
		return backend.callCount("list") > lists
	}, time.Second, 5*time.Millisecond)

	added := backend.addConversation(1, "a1", "i1")
	publish(realtime.TableParticipants, realtime.ActionInsert, 77, map[string]string{
		"conversation_id": idString(added),
		"user_id":         viewer.ID,
	})
	require.Eventually(t, func() bool {
		_, ok := store.Find(added)
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, store.TotalUnread())
}
