package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalchat/internal/domain"
	"portalchat/internal/engine"
	"portalchat/internal/roster"
	"portalchat/internal/wire"
)

var (
	alpha = domain.Participant{ID: 1, Name: "Alpha Office", OfficeID: 11}
	beta  = domain.Participant{ID: 2, Name: "Beta Office", OfficeID: 22}
	gamma = domain.Participant{ID: 3, Name: "Gamma Office", OfficeID: 33}
)

type fakeChannel struct {
	mu   sync.Mutex
	cmds []wire.Command
}

func (f *fakeChannel) Send(cmd wire.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeChannel) commands() []wire.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Command(nil), f.cmds...)
}

func (f *fakeChannel) sendCommands() []wire.SendMessage {
	var out []wire.SendMessage
	for _, c := range f.commands() {
		if sc, ok := c.(wire.SendMessage); ok {
			out = append(out, sc)
		}
	}
	return out
}

type fakeAPI struct {
	mu    sync.Mutex
	msgs  map[int64][]*domain.Message
	gates map[int64]chan struct{}

	addMembersResult *domain.Conversation
	addMembersCalls  int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		msgs:  make(map[int64][]*domain.Message),
		gates: make(map[int64]chan struct{}),
	}
}

func (f *fakeAPI) Messages(ctx context.Context, conversationID int64) ([]*domain.Message, error) {
	f.mu.Lock()
	gate := f.gates[conversationID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Message(nil), f.msgs[conversationID]...), nil
}

func (f *fakeAPI) AddMembers(ctx context.Context, conversationID int64, officeIDs []int64) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addMembersCalls++
	return f.addMembersResult, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	changed []int64
	scrolls []int64
	rosters int
	notices []string
}

func (n *recordingNotifier) ConversationChanged(id int64) {
	n.mu.Lock()
	n.changed = append(n.changed, id)
	n.mu.Unlock()
}

func (n *recordingNotifier) RosterChanged() {
	n.mu.Lock()
	n.rosters++
	n.mu.Unlock()
}

func (n *recordingNotifier) AutoScroll(id int64) {
	n.mu.Lock()
	n.scrolls = append(n.scrolls, id)
	n.mu.Unlock()
}

func (n *recordingNotifier) Notice(level engine.NoticeLevel, msg string) {
	n.mu.Lock()
	n.notices = append(n.notices, msg)
	n.mu.Unlock()
}

func (n *recordingNotifier) changedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.changed)
}

func (n *recordingNotifier) scrollCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.scrolls)
}

func (n *recordingNotifier) noticeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

func directConv(id int64) *domain.Conversation {
	return &domain.Conversation{
		ID:           id,
		Kind:         domain.KindDirect,
		Participants: []domain.Participant{alpha, beta},
	}
}

func groupConv(id, adminID int64) *domain.Conversation {
	return &domain.Conversation{
		ID:           id,
		Kind:         domain.KindGroup,
		Name:         "procurement",
		Participants: []domain.Participant{alpha, beta, gamma},
		AdminID:      adminID,
	}
}

func confirmed(id, convID int64, sender domain.Participant, content string) *domain.Message {
	return &domain.Message{
		ID:             id,
		ConversationID: convID,
		Sender:         sender,
		Content:        content,
		CreatedAt:      time.Now().Add(-time.Minute),
		DeliveredBy:    domain.NewIDSet(),
		ReadBy:         domain.NewIDSet(),
	}
}

func wireMsg(id, convID int64, sender domain.Participant, content string) wire.Message {
	return wire.Message{
		ID:             id,
		ConversationID: convID,
		Sender:         sender,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}

func newTestEngine(t *testing.T) (*engine.Engine, *fakeChannel, *fakeAPI, *roster.Store, *recordingNotifier) {
	t.Helper()
	ch := &fakeChannel{}
	api := newFakeAPI()
	store := roster.NewStore()
	notify := &recordingNotifier{}
	eng := engine.New(engine.Config{
		Self:    alpha,
		Channel: ch,
		API:     api,
		Roster:  store,
		Notify:  notify,
	})
	return eng, ch, api, store, notify
}

// open opens a conversation and waits for the history fetch to land.
func open(t *testing.T, eng *engine.Engine, notify *recordingNotifier, id int64) {
	t.Helper()
	before := notify.changedCount()
	require.NoError(t, eng.Open(context.Background(), id))
	require.Eventually(t, func() bool {
		return notify.changedCount() > before
	}, time.Second, 5*time.Millisecond, "history fetch never completed")
}

func TestOptimisticSendLifecycle(t *testing.T) {
	eng, ch, _, store, notify := newTestEngine(t)
	store.Upsert(directConv(42))
	open(t, eng, notify, 42)

	t.Run("PendingAppendsImmediately", func(t *testing.T) {
		require.NoError(t, eng.Send("hello", ""))

		_, views, ok := eng.Snapshot()
		require.True(t, ok)
		require.Len(t, views, 1)
		assert.True(t, views[0].Pending())
		assert.NotEmpty(t, views[0].TempID)
		assert.Equal(t, domain.StatusSending, views[0].Status)

		sends := ch.sendCommands()
		require.Len(t, sends, 1)
		assert.Equal(t, views[0].TempID, sends[0].TempID)
	})

	t.Run("SuccessAckReplacesInPlace", func(t *testing.T) {
		// A second pending send sits behind the first; the first ack must
		// land on the first record and keep its position.
		require.NoError(t, eng.Send("second", ""))
		sends := ch.sendCommands()
		require.Len(t, sends, 2)

		m := wireMsg(100, 42, alpha, "hello")
		eng.HandleEvent(wire.Ack{OK: true, TempID: sends[0].TempID, Message: &m})

		_, views, _ := eng.Snapshot()
		require.Len(t, views, 2)
		assert.Equal(t, int64(100), views[0].ID)
		assert.Empty(t, views[0].TempID)
		assert.Equal(t, domain.StatusSent, views[0].Status)
		assert.True(t, views[1].Pending())
	})

	t.Run("FailureAckRemovesPending", func(t *testing.T) {
		sends := ch.sendCommands()
		before := notify.noticeCount()
		eng.HandleEvent(wire.Ack{OK: false, TempID: sends[1].TempID, Error: "conversation is read only"})

		_, views, _ := eng.Snapshot()
		require.Len(t, views, 1)
		assert.Equal(t, int64(100), views[0].ID)
		assert.Greater(t, notify.noticeCount(), before)
	})

	t.Run("UnmatchedAckIsNoop", func(t *testing.T) {
		m := wireMsg(999, 42, alpha, "ghost")
		eng.HandleEvent(wire.Ack{OK: true, TempID: "no-such-temp", Message: &m})

		_, views, _ := eng.Snapshot()
		require.Len(t, views, 1)
		assert.Equal(t, int64(100), views[0].ID)
	})
}

func TestMessageEchoArrivingBeforeAck(t *testing.T) {
	eng, ch, _, store, notify := newTestEngine(t)
	store.Upsert(directConv(42))
	open(t, eng, notify, 42)

	require.NoError(t, eng.Send("hello", ""))
	sends := ch.sendCommands()
	require.Len(t, sends, 1)

	// The broadcast of the confirmed message can land before the ack;
	// both describe the same message and must collapse into one record.
	m := wireMsg(100, 42, alpha, "hello")
	eng.HandleEvent(wire.MessageNew{Message: m})
	eng.HandleEvent(wire.Ack{OK: true, TempID: sends[0].TempID, Message: &m})

	_, views, _ := eng.Snapshot()
	require.Len(t, views, 1)
	assert.Equal(t, int64(100), views[0].ID)
	assert.Empty(t, views[0].TempID)
	assert.Equal(t, domain.StatusSent, views[0].Status)
}

func TestDuplicateMessageNewIsIdempotent(t *testing.T) {
	eng, _, _, store, notify := newTestEngine(t)
	store.Upsert(directConv(42))
	open(t, eng, notify, 42)

	evt := wire.MessageNew{Message: wireMsg(7, 42, beta, "ping")}
	eng.HandleEvent(evt)
	eng.HandleEvent(evt)

	_, views, _ := eng.Snapshot()
	require.Len(t, views, 1)
	assert.Equal(t, "ping", views[0].Content)

	conv, _ := store.Get(42)
	assert.Equal(t, 0, conv.Unseen, "messages arriving at the bottom are seen")
}

func TestReadWatermark(t *testing.T) {
	eng, _, api, store, notify := newTestEngine(t)
	store.Upsert(directConv(42))
	api.msgs[42] = []*domain.Message{
		confirmed(1, 42, alpha, "one"),
		confirmed(2, 42, alpha, "two"),
		confirmed(3, 42, alpha, "three"),
		confirmed(4, 42, beta, "four"),
	}
	open(t, eng, notify, 42)

	evt := wire.MessageRead{ConversationID: 42, UpToMessageID: 3, ReaderID: beta.ID}
	eng.HandleEvent(evt)
	eng.HandleEvent(evt) // replay must not change anything

	_, views, _ := eng.Snapshot()
	require.Len(t, views, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, domain.StatusRead, views[i].Status, "message %d", i+1)
	}
	// The reader's own message gains nothing from their receipt.
	assert.False(t, views[3].ReadBy.Has(beta.ID))
}

func TestDeliveredReceiptShapes(t *testing.T) {
	eng, _, api, store, notify := newTestEngine(t)
	store.Upsert(directConv(42))
	api.msgs[42] = []*domain.Message{
		confirmed(1, 42, alpha, "one"),
		confirmed(2, 42, alpha, "two"),
		confirmed(3, 42, alpha, "three"),
	}
	open(t, eng, notify, 42)

	t.Run("Watermark", func(t *testing.T) {
		eng.HandleEvent(wire.MessageDelivered{ConversationID: 42, RecipientID: beta.ID, UpToMessageID: 2})
		_, views, _ := eng.Snapshot()
		assert.Equal(t, domain.StatusDelivered, views[0].Status)
		assert.Equal(t, domain.StatusDelivered, views[1].Status)
		assert.Equal(t, domain.StatusSent, views[2].Status)
	})

	t.Run("Bulk", func(t *testing.T) {
		eng.HandleEvent(wire.MessageDelivered{ConversationID: 42, RecipientID: beta.ID})
		_, views, _ := eng.Snapshot()
		assert.Equal(t, domain.StatusDelivered, views[2].Status)
	})
}

func TestEditAndDeleteEvents(t *testing.T) {
	eng, _, api, store, notify := newTestEngine(t)
	store.Upsert(directConv(42))
	msg := confirmed(5, 42, beta, "orignal text")
	api.msgs[42] = []*domain.Message{msg}
	open(t, eng, notify, 42)

	editedAt := time.Now()
	eng.HandleEvent(wire.MessageEdited{ConversationID: 42, MessageID: 5, Content: "original text", EditedAt: editedAt})

	_, views, _ := eng.Snapshot()
	require.Len(t, views, 1)
	assert.Equal(t, "original text", views[0].Content)
	assert.True(t, views[0].IsEdited)

	eng.HandleEvent(wire.MessageDeleted{ConversationID: 42, MessageID: 5})

	_, views, _ = eng.Snapshot()
	require.Len(t, views, 1, "tombstone keeps its position")
	assert.True(t, views[0].IsDeleted)
	assert.Empty(t, views[0].Content)
	assert.Equal(t, msg.CreatedAt.Unix(), views[0].CreatedAt.Unix())
}

func TestHideIsLocalOnly(t *testing.T) {
	eng, ch, api, store, notify := newTestEngine(t)
	store.Upsert(directConv(42))
	api.msgs[42] = []*domain.Message{
		confirmed(1, 42, beta, "keep"),
		confirmed(2, 42, beta, "hide me"),
	}
	open(t, eng, notify, 42)

	require.NoError(t, eng.Hide(2))

	_, views, _ := eng.Snapshot()
	require.Len(t, views, 1)
	assert.Equal(t, "keep", views[0].Content)

	var hides []wire.DeleteMessage
	for _, c := range ch.commands() {
		if d, ok := c.(wire.DeleteMessage); ok {
			hides = append(hides, d)
		}
	}
	require.Len(t, hides, 1)
	assert.False(t, hides[0].ForAll)
}

func TestSubscriptionDiscipline(t *testing.T) {
	eng, ch, _, store, notify := newTestEngine(t)
	store.Upsert(directConv(42))
	store.Upsert(directConv(43))

	open(t, eng, notify, 42)
	open(t, eng, notify, 43)

	var seq []string
	for _, c := range ch.commands() {
		switch cmd := c.(type) {
		case wire.Subscribe:
			seq = append(seq, fmt.Sprintf("subscribe %d", cmd.ConversationID))
		case wire.Unsubscribe:
			seq = append(seq, fmt.Sprintf("unsubscribe %d", cmd.ConversationID))
		}
	}
	assert.Equal(t, []string{"subscribe 42", "unsubscribe 42", "subscribe 43"}, seq)
}

func TestStaleHistoryFetchIsDiscarded(t *testing.T) {
	eng, _, api, store, notify := newTestEngine(t)
	store.Upsert(directConv(42))
	store.Upsert(directConv(43))
	api.msgs[42] = []*domain.Message{confirmed(1, 42, beta, "stale")}
	api.msgs[43] = []*domain.Message{confirmed(2, 43, beta, "fresh")}

	gate := make(chan struct{})
	api.gates[42] = gate

	require.NoError(t, eng.Open(context.Background(), 42))
	open(t, eng, notify, 43)
	close(gate) // the fetch for 42 completes after 43 took over

	// Give the stale fetch a chance to (incorrectly) apply itself.
	assert.Never(t, func() bool {
		conv, views, ok := eng.Snapshot()
		if !ok || conv.ID != 43 {
			return true
		}
		return len(views) != 1 || views[0].Content != "fresh"
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestUnseenAccounting(t *testing.T) {
	eng, _, _, store, notify := newTestEngine(t)
	store.Upsert(directConv(42))
	store.Upsert(groupConv(7, beta.ID))
	open(t, eng, notify, 42)

	t.Run("AtBottomStaysSeen", func(t *testing.T) {
		before := notify.scrollCount()
		eng.HandleEvent(wire.MessageNew{Message: wireMsg(10, 42, beta, "hi")})
		conv, _ := store.Get(42)
		assert.Equal(t, 0, conv.Unseen)
		assert.Greater(t, notify.scrollCount(), before)
	})

	t.Run("ScrolledUpCounts", func(t *testing.T) {
		eng.SetViewportAtBottom(false)
		eng.HandleEvent(wire.MessageNew{Message: wireMsg(11, 42, beta, "again")})
		conv, _ := store.Get(42)
		assert.Equal(t, 1, conv.Unseen)
	})

	t.Run("ReturnToBottomClears", func(t *testing.T) {
		eng.SetViewportAtBottom(true)
		conv, _ := store.Get(42)
		assert.Equal(t, 0, conv.Unseen)
	})

	t.Run("BackgroundConversationCounts", func(t *testing.T) {
		eng.HandleEvent(wire.MessageNew{Message: wireMsg(12, 7, gamma, "group chatter")})
		conv, _ := store.Get(7)
		assert.Equal(t, 1, conv.Unseen)
		require.NotNil(t, conv.LastMessage)
		assert.Equal(t, "group chatter", conv.LastMessage.Content)
	})
}

func TestAddMembersAdminGuard(t *testing.T) {
	t.Run("NonAdminRejectedLocally", func(t *testing.T) {
		eng, _, api, store, notify := newTestEngine(t)
		store.Upsert(groupConv(7, beta.ID))
		open(t, eng, notify, 7)

		err := eng.AddMembers(context.Background(), []int64{44})
		assert.ErrorIs(t, err, domain.ErrForbidden)
		assert.Zero(t, api.addMembersCalls, "the request must never leave the client")
	})

	t.Run("AdminGoesThrough", func(t *testing.T) {
		eng, _, api, store, notify := newTestEngine(t)
		grown := groupConv(8, alpha.ID)
		grown.Participants = append(grown.Participants, domain.Participant{ID: 4, Name: "Delta Office", OfficeID: 44})
		api.addMembersResult = grown

		store.Upsert(groupConv(8, alpha.ID))
		open(t, eng, notify, 8)

		require.NoError(t, eng.AddMembers(context.Background(), []int64{44}))
		assert.Equal(t, 1, api.addMembersCalls)

		conv, _, _ := eng.Snapshot()
		assert.Len(t, conv.Participants, 4, "membership feeds the receipt roster")
	})
}

func TestConversationLifecycleEvents(t *testing.T) {
	eng, _, _, store, notify := newTestEngine(t)
	store.Upsert(directConv(42))
	open(t, eng, notify, 42)

	t.Run("CreatedJoinsRoster", func(t *testing.T) {
		eng.HandleEvent(wire.ConversationCreated{Conversation: *groupConv(9, beta.ID)})
		_, ok := store.Get(9)
		assert.True(t, ok)
	})

	t.Run("DeletedClosesOpenConversation", func(t *testing.T) {
		eng.HandleEvent(wire.ConversationDeleted{ConversationID: 42})
		_, ok := store.Get(42)
		assert.False(t, ok)
		_, _, snapOK := eng.Snapshot()
		assert.False(t, snapOK)
	})
}

func TestMarkReadUsesLatestConfirmedID(t *testing.T) {
	eng, ch, api, store, notify := newTestEngine(t)
	store.Upsert(directConv(42))
	api.msgs[42] = []*domain.Message{
		confirmed(20, 42, beta, "one"),
		confirmed(21, 42, beta, "two"),
	}
	open(t, eng, notify, 42)

	// A trailing pending send must not become the watermark.
	require.NoError(t, eng.Send("draft", ""))
	eng.MarkRead()

	var reads []wire.ReadMessages
	for _, c := range ch.commands() {
		if r, ok := c.(wire.ReadMessages); ok {
			reads = append(reads, r)
		}
	}
	require.NotEmpty(t, reads)
	assert.Equal(t, int64(21), reads[len(reads)-1].UpToMessageID)
}
