package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is an in-memory ChatAPI.
type fakeAPI struct {
	mu       sync.Mutex
	chats    []Chat
	messages map[int64][]Message
	nextID   int64
	noEcho   bool
	calls    map[string]int

	sendErr  error
	fetchErr error
	block    chan struct{}
	onSend   func(SendMessageInput)
	rejected map[string]bool // texts whose send fails
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		messages: make(map[int64][]Message),
		nextID:   100,
		calls:    make(map[string]int),
	}
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) GetUserChats(ctx context.Context) ([]Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["chats"]++
	return append([]Chat(nil), f.chats...), nil
}

func (f *fakeAPI) GetChatMessages(ctx context.Context, chatID int64) ([]Message, error) {
	f.mu.Lock()
	f.calls["messages"]++
	block, err := f.block, f.fetchErr
	msgs := append([]Message(nil), f.messages[chatID]...)
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, in SendMessageInput) (*Message, error) {
	if f.onSend != nil {
		f.onSend(in)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["send"]++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.rejected[in.Text] {
		return nil, &NetworkError{Op: "POST /api/messages", StatusCode: 422}
	}
	m := Message{ID: f.nextID, Text: in.Text, ChatID: in.ChatID, CreatedAt: time.Now()}
	if !f.noEcho {
		m.ClientID = in.ClientID
	}
	f.nextID++
	f.messages[in.ChatID] = append(f.messages[in.ChatID], m)
	return &m, nil
}

func (f *fakeAPI) MarkChatAsRead(ctx context.Context, chatID int64) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["read"]++
	msgs := f.messages[chatID]
	for i := range msgs {
		msgs[i].Read = true
	}
	for i := range f.chats {
		if f.chats[i].ID == chatID {
			f.chats[i].UnreadCount = 0
		}
	}
	return append([]Message(nil), msgs...), nil
}

func (f *fakeAPI) FinishChat(ctx context.Context, chatID int64, status ChatStatus) (*Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["finish"]++
	for i := range f.chats {
		if f.chats[i].ID == chatID {
			f.chats[i].Status = status
			c := f.chats[i]
			return &c, nil
		}
	}
	return nil, &NetworkError{Op: "finish", StatusCode: 404}
}

func (f *fakeAPI) CreateChat(ctx context.Context, in CreateChatInput) (*Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create"]++
	c := Chat{ID: int64(len(f.chats) + 1), Topic: in.Topic, Status: ChatActive}
	f.chats = append(f.chats, c)
	return &c, nil
}

func seededMessages(chatID int64) []Message {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return []Message{
		{ID: 1, Text: "hi", ChatID: chatID, CreatedAt: base},
		{ID: 2, Text: "is it available?", ChatID: chatID, CreatedAt: base.Add(time.Minute)},
	}
}

func newTestSync(t *testing.T, api ChatAPI, opts ...SyncOption) (*Sync, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewSync(api, NewStore(WithStoreClock(clock.Now)), opts...), clock
}

// ── Queries ──────────────────────────────────────────────

func TestChatsCachedWhileFresh(t *testing.T) {
	api := newFakeAPI()
	api.chats = []Chat{{ID: 1, Status: ChatActive}}
	s, clock := newTestSync(t, api)
	ctx := context.Background()

	_, err := s.Chats(ctx)
	require.NoError(t, err)
	_, err = s.Chats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, api.count("chats"))

	clock.Advance(DefaultChatsStaleTime)
	_, err = s.Chats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, api.count("chats"))

	require.NoError(t, s.InvalidateChats(ctx))
	assert.Equal(t, 3, api.count("chats"))
}

func TestMessagesNoEmptyFlashDuringRefetch(t *testing.T) {
	api := newFakeAPI()
	api.messages[5] = seededMessages(5)
	s, clock := newTestSync(t, api)
	ctx := context.Background()

	first, err := s.Messages(ctx, 5)
	require.NoError(t, err)
	require.Len(t, first, 2)

	api.mu.Lock()
	api.block = make(chan struct{})
	api.messages[5] = append(api.messages[5], Message{ID: 3, Text: "yes", ChatID: 5, CreatedAt: time.Now()})
	api.mu.Unlock()
	clock.Advance(DefaultMessagesStaleTime)

	done := make(chan []Message)
	go func() {
		msgs, _ := s.Messages(ctx, 5)
		done <- msgs
	}()

	require.Eventually(t, func() bool { return api.count("messages") == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, first, s.PeekMessages(5), "previous result stays visible while refetching")

	close(api.block)
	got := <-done
	assert.Len(t, got, 3)
}

func TestStaleFetchKeepsMessageSentMeanwhile(t *testing.T) {
	api := newFakeAPI()
	api.messages[5] = seededMessages(5)
	s, clock := newTestSync(t, api)
	ctx := context.Background()

	_, err := s.Messages(ctx, 5)
	require.NoError(t, err)

	block := make(chan struct{})
	api.mu.Lock()
	api.block = block
	api.mu.Unlock()
	clock.Advance(DefaultMessagesStaleTime)

	done := make(chan []Message)
	go func() {
		msgs, _ := s.Messages(ctx, 5)
		done <- msgs
	}()
	require.Eventually(t, func() bool { return api.count("messages") == 2 }, time.Second, 5*time.Millisecond)

	// the fetch already holds the two-message history
	sent, err := s.SendMessage(ctx, 5, "Hello")
	require.NoError(t, err)
	require.Len(t, s.PeekMessages(5), 3)

	close(block)
	got := <-done
	require.Len(t, got, 3)
	assert.Equal(t, sent.ID, got[2].ID)
	assert.Equal(t, got, s.PeekMessages(5))
}

func TestSharedFetchSurvivesCancelledCaller(t *testing.T) {
	api := newFakeAPI()
	api.messages[5] = seededMessages(5)
	block := make(chan struct{})
	api.block = block
	s, _ := newTestSync(t, api)

	watchCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.Messages(watchCtx, 5)
		first <- err
	}()
	require.Eventually(t, func() bool { return api.count("messages") == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	second := make(chan error, 1)
	var got []Message
	go func() {
		var err error
		got, err = s.Messages(context.Background(), 5)
		second <- err
	}()
	close(block)
	require.NoError(t, <-second)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, api.count("messages"), "the second caller reused the running fetch")
}

func TestMessagesRefetchFailureKeepsData(t *testing.T) {
	api := newFakeAPI()
	api.messages[5] = seededMessages(5)
	s, clock := newTestSync(t, api)
	ctx := context.Background()

	_, err := s.Messages(ctx, 5)
	require.NoError(t, err)

	api.fetchErr = &NetworkError{Op: "GET", StatusCode: 502}
	clock.Advance(DefaultMessagesStaleTime)

	msgs, err := s.Messages(ctx, 5)
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.Len(t, msgs, 2)
}

// ── Send ─────────────────────────────────────────────────

func TestSendMessageOptimisticBeforeRequest(t *testing.T) {
	api := newFakeAPI()
	s, _ := newTestSync(t, api, WithViewer(UserSummary{ID: 9, Username: "me"}))
	s.Store().Set(ChatsKey, []Chat{{ID: 5, Status: ChatActive}})

	var during []Message
	api.onSend = func(SendMessageInput) { during = s.PeekMessages(5) }

	msg, err := s.SendMessage(context.Background(), 5, "Hello")
	require.NoError(t, err)

	require.Len(t, during, 1)
	assert.True(t, during[0].IsOptimistic())
	assert.Less(t, during[0].ID, int64(0))
	assert.Equal(t, int64(9), during[0].Sender.ID)

	after := s.PeekMessages(5)
	require.Len(t, after, 1)
	assert.Equal(t, msg.ID, after[0].ID)
	assert.False(t, after[0].IsOptimistic())

	chats := s.PeekChats()
	require.NotNil(t, chats[0].LastMessage)
	assert.Equal(t, "Hello", chats[0].LastMessage.Text)
}

func TestSendMessageRollbackRestoresSnapshot(t *testing.T) {
	api := newFakeAPI()
	api.messages[5] = seededMessages(5)
	api.sendErr = &NetworkError{Op: "POST /api/messages", StatusCode: 500}
	s, _ := newTestSync(t, api)
	ctx := context.Background()

	_, err := s.Messages(ctx, 5)
	require.NoError(t, err)
	before := s.PeekMessages(5)

	_, err = s.SendMessage(ctx, 5, "Hello")
	require.Error(t, err)
	assert.Equal(t, before, s.PeekMessages(5))
}

func TestSendMessageRollbackWithoutPriorEntry(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = errors.New("connection refused")
	s, _ := newTestSync(t, api)

	_, err := s.SendMessage(context.Background(), 5, "Hello")
	require.Error(t, err)

	_, _, ok := s.Store().Get(MessagesKey(5))
	assert.False(t, ok, "entry created by the optimistic write is removed")
}

// gatedSends makes each send block until its text's gate is closed.
func gatedSends(api *fakeAPI, texts ...string) (gates map[string]chan struct{}, entered *sync.WaitGroup) {
	gates = make(map[string]chan struct{}, len(texts))
	for _, text := range texts {
		gates[text] = make(chan struct{})
	}
	entered = &sync.WaitGroup{}
	entered.Add(len(texts))
	api.onSend = func(in SendMessageInput) {
		entered.Done()
		<-gates[in.Text]
	}
	return gates, entered
}

func TestOverlappingFailedSendsRestoreHistory(t *testing.T) {
	api := newFakeAPI()
	api.messages[5] = seededMessages(5)
	api.sendErr = errors.New("service unavailable")
	s, _ := newTestSync(t, api)
	ctx := context.Background()

	_, err := s.Messages(ctx, 5)
	require.NoError(t, err)
	before := s.PeekMessages(5)

	gates, entered := gatedSends(api, "A", "B")
	errs := make(chan error, 2)
	for _, text := range []string{"A", "B"} {
		go func() {
			_, err := s.SendMessage(ctx, 5, text)
			errs <- err
		}()
	}
	entered.Wait()
	require.Len(t, s.PeekMessages(5), 4)

	close(gates["A"])
	require.Error(t, <-errs)
	msgs := s.PeekMessages(5)
	require.Len(t, msgs, 3, "B is still in flight")
	assert.Equal(t, "B", msgs[2].Text)
	assert.True(t, msgs[2].IsOptimistic())

	close(gates["B"])
	require.Error(t, <-errs)
	assert.Equal(t, before, s.PeekMessages(5))
}

func TestFailedSendKeepsOverlappingConfirmedSend(t *testing.T) {
	api := newFakeAPI()
	api.messages[5] = seededMessages(5)
	api.rejected = map[string]bool{"A": true}
	s, _ := newTestSync(t, api)
	ctx := context.Background()

	_, err := s.Messages(ctx, 5)
	require.NoError(t, err)

	gates, entered := gatedSends(api, "A", "B")
	errs := make(chan error, 2)
	for _, text := range []string{"A", "B"} {
		go func() {
			_, err := s.SendMessage(ctx, 5, text)
			errs <- err
		}()
	}
	entered.Wait()

	close(gates["B"])
	require.NoError(t, <-errs)
	close(gates["A"])
	require.Error(t, <-errs)

	msgs := s.PeekMessages(5)
	require.Len(t, msgs, 3)
	assert.Equal(t, "B", msgs[2].Text)
	assert.False(t, msgs[2].IsOptimistic())
}

func TestSendMessageValidation(t *testing.T) {
	api := newFakeAPI()
	s, _ := newTestSync(t, api)

	_, err := s.SendMessage(context.Background(), 5, "")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "text", ve.Field)
	assert.Equal(t, 0, api.count("send"))
	assert.Nil(t, s.PeekMessages(5))
}

func TestConfirmIsIdempotent(t *testing.T) {
	api := newFakeAPI()
	s, _ := newTestSync(t, api)
	ctx := context.Background()

	msg, err := s.SendMessage(ctx, 5, "Hello")
	require.NoError(t, err)

	// the same message arrives again through the socket and a poll
	s.ApplyIncoming(5, []Message{*msg}, MergeAppend)
	fetched, err := api.GetChatMessages(ctx, 5)
	require.NoError(t, err)
	s.ApplyIncoming(5, fetched, MergeFull)

	msgs := s.PeekMessages(5)
	hellos := 0
	for _, m := range msgs {
		if m.Text == "Hello" {
			hellos++
		}
	}
	assert.Equal(t, 1, hellos)
}

func TestConfirmArrivesBeforeResponse(t *testing.T) {
	api := newFakeAPI()
	api.noEcho = true
	s, _ := newTestSync(t, api)

	// a poll sees the stored message before the send call returns
	api.onSend = func(SendMessageInput) {
		s.ApplyIncoming(5, []Message{{ID: 100, Text: "Hello", ChatID: 5, CreatedAt: time.Now()}}, MergeFull)
	}
	_, err := s.SendMessage(context.Background(), 5, "Hello")
	require.NoError(t, err)

	msgs := s.PeekMessages(5)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(100), msgs[0].ID)
	assert.False(t, msgs[0].IsOptimistic())
}

func TestReconcile(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	pending := Message{ID: -1, ClientID: "c1", Text: "ok", CreatedAt: t0.Add(time.Hour), Delivery: DeliveryPending}
	old := Message{ID: 1, Text: "ok", CreatedAt: t0}

	t.Run("known message does not match pending by text", func(t *testing.T) {
		out := reconcile([]Message{old, pending}, []Message{old}, MergeFull)
		require.Len(t, out, 2)
		assert.True(t, out[1].IsOptimistic())
	})

	t.Run("client id match", func(t *testing.T) {
		in := Message{ID: 7, ClientID: "c1", Text: "ok", CreatedAt: t0.Add(time.Hour)}
		out := reconcile([]Message{old, pending}, []Message{in}, MergeAppend)
		require.Len(t, out, 2)
		assert.Equal(t, int64(7), out[1].ID)
		assert.False(t, out[1].IsOptimistic())
	})

	t.Run("other client id keeps pending", func(t *testing.T) {
		in := Message{ID: 8, ClientID: "c2", Text: "ok", CreatedAt: t0.Add(time.Minute)}
		out := reconcile([]Message{pending}, []Message{in}, MergeAppend)
		require.Len(t, out, 2)
		assert.Equal(t, int64(8), out[0].ID)
		assert.True(t, out[1].IsOptimistic())
	})

	t.Run("full merge drops older messages missing from batch", func(t *testing.T) {
		second := Message{ID: 2, Text: "gone", CreatedAt: t0.Add(time.Minute)}
		third := Message{ID: 3, Text: "kept", CreatedAt: t0.Add(2 * time.Minute)}
		out := reconcile([]Message{old, second, third}, []Message{old, third}, MergeFull)
		require.Len(t, out, 2)
		assert.Equal(t, int64(3), out[1].ID)
	})

	t.Run("full merge keeps messages newer than batch", func(t *testing.T) {
		newer := Message{ID: 9, Text: "sent meanwhile", CreatedAt: t0.Add(time.Hour)}
		out := reconcile([]Message{old, newer, pending}, []Message{old}, MergeFull)
		require.Len(t, out, 3)
		assert.Equal(t, int64(9), out[1].ID)
		assert.True(t, out[2].IsOptimistic())
	})

	t.Run("duplicate ids in batch collapse", func(t *testing.T) {
		out := reconcile(nil, []Message{old, old}, MergeAppend)
		assert.Len(t, out, 1)
	})

	t.Run("prev is not modified", func(t *testing.T) {
		prev := []Message{old, pending}
		_ = reconcile(prev, []Message{{ID: 1, Text: "edited", CreatedAt: t0}}, MergeAppend)
		assert.Equal(t, "ok", prev[0].Text)
	})
}

// ── Read / finish / create ───────────────────────────────

func TestMarkAsReadZeroesUnread(t *testing.T) {
	api := newFakeAPI()
	api.chats = []Chat{
		{ID: 1, Status: ChatActive, UnreadCount: 2},
		{ID: 2, Status: ChatActive, UnreadCount: 3},
	}
	api.messages[1] = seededMessages(1)
	s, _ := newTestSync(t, api)
	ctx := context.Background()

	_, err := s.Chats(ctx)
	require.NoError(t, err)
	counter := NewUnreadCounter(s)
	defer counter.Close()
	require.Equal(t, 5, counter.Total())

	msgs, err := s.MarkAsRead(ctx, 1)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.True(t, m.Read)
	}

	chats := s.PeekChats()
	assert.Equal(t, 0, chats[0].UnreadCount)
	assert.Equal(t, 3, counter.Total())
}

func TestFinishChat(t *testing.T) {
	api := newFakeAPI()
	api.chats = []Chat{{ID: 1, Status: ChatActive}, {ID: 2, Status: ChatClosed}}
	s, _ := newTestSync(t, api)
	ctx := context.Background()
	_, err := s.Chats(ctx)
	require.NoError(t, err)

	chat, err := s.FinishChat(ctx, 1, ChatSuccessfullyCompleted)
	require.NoError(t, err)
	assert.Equal(t, ChatSuccessfullyCompleted, chat.Status)
	assert.Equal(t, ChatSuccessfullyCompleted, s.PeekChats()[0].Status)

	_, err = s.FinishChat(ctx, 2, ChatUnsuccessfullyCompleted)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = s.FinishChat(ctx, 1, ChatActive)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 1, api.count("finish"))
}

func TestCreateChatPrepends(t *testing.T) {
	api := newFakeAPI()
	api.chats = []Chat{{ID: 1, Status: ChatActive}}
	s, _ := newTestSync(t, api)
	ctx := context.Background()
	_, err := s.Chats(ctx)
	require.NoError(t, err)

	chat, err := s.CreateChat(ctx, CreateChatInput{Topic: "Bike", ParticipantIDs: []int64{3}})
	require.NoError(t, err)

	chats := s.PeekChats()
	require.Len(t, chats, 2)
	assert.Equal(t, chat.ID, chats[0].ID)

	s.ApplyChat(Chat{ID: chat.ID, Topic: "Bike (sold)"})
	chats = s.PeekChats()
	require.Len(t, chats, 2)
	assert.Equal(t, "Bike (sold)", chats[0].Topic)
}

// ── Watch ────────────────────────────────────────────────

func TestWatchMessagesStopsOnTerminalStatus(t *testing.T) {
	api := newFakeAPI()
	api.chats = []Chat{{ID: 5, Status: ChatActive}}
	s, _ := newTestSync(t, api, WithMessagesRefetchInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Chats(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.WatchMessages(ctx, 5) }()

	require.Eventually(t, func() bool { return api.count("messages") >= 2 }, time.Second, time.Millisecond)

	s.ApplyChat(Chat{ID: 5, Status: ChatClosed})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop after the chat was closed")
	}

	n := api.count("messages")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, api.count("messages"))
}

func TestWatchMessagesCancel(t *testing.T) {
	api := newFakeAPI()
	s, _ := newTestSync(t, api, WithMessagesRefetchInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.WatchMessages(ctx, 5), context.Canceled)
}

func TestRefocusSkipsFreshAndTerminal(t *testing.T) {
	api := newFakeAPI()
	api.chats = []Chat{{ID: 1, Status: ChatActive}, {ID: 2, Status: ChatClosed}}
	s, clock := newTestSync(t, api)
	ctx := context.Background()

	_, err := s.Chats(ctx)
	require.NoError(t, err)
	_, err = s.Messages(ctx, 1)
	require.NoError(t, err)
	_, err = s.Messages(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, api.count("messages"))

	s.Refocus(ctx)
	assert.Equal(t, 2, api.count("messages"))

	clock.Advance(DefaultMessagesStaleTime)
	s.Refocus(ctx)
	assert.Equal(t, 3, api.count("messages"), "only the active chat is refetched")
	assert.Equal(t, 1, api.count("chats"), "focus never refetches the chat list")
}
