package chatsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultChatsStaleTime          = 30 * time.Second
	DefaultMessagesStaleTime       = 10 * time.Second
	DefaultMessagesRefetchInterval = 10 * time.Second
	DefaultFetchTimeout            = 30 * time.Second
)

// MergeMode selects how ApplyIncoming treats a batch of server messages.
type MergeMode int

const (
	// MergeAppend upserts individual messages (send confirmations, socket pushes).
	MergeAppend MergeMode = iota
	// MergeFull treats the batch as the confirmed history up to its newest
	// message (fetches, polls). Cached messages newer than the batch survive.
	MergeFull
)

// ============================================================================
// Sync
// ============================================================================

// Sync is the query and optimistic-mutation layer over the REST API and the store.
type Sync struct {
	api    ChatAPI
	store  *Store
	log    zerolog.Logger
	now    func() time.Time
	viewer UserSummary

	chatsStale      time.Duration
	messagesStale   time.Duration
	refetchInterval time.Duration
	fetchTimeout    time.Duration

	flight      singleflight.Group
	tempSeq     atomic.Int64
	newClientID func() string

	mu       sync.Mutex
	inflight map[string]struct{} // client ids of sends awaiting a response
}

type SyncOption func(*Sync)

func WithChatsStaleTime(d time.Duration) SyncOption {
	return func(s *Sync) { s.chatsStale = d }
}

func WithMessagesStaleTime(d time.Duration) SyncOption {
	return func(s *Sync) { s.messagesStale = d }
}

func WithMessagesRefetchInterval(d time.Duration) SyncOption {
	return func(s *Sync) { s.refetchInterval = d }
}

// WithFetchTimeout bounds a shared fetch. A fetch outlives the caller that
// started it so that other callers waiting on it are not cancelled too.
func WithFetchTimeout(d time.Duration) SyncOption {
	return func(s *Sync) { s.fetchTimeout = d }
}

func WithSyncLogger(log zerolog.Logger) SyncOption {
	return func(s *Sync) { s.log = log }
}

// WithClock sets the clock used for optimistic message timestamps.
func WithClock(now func() time.Time) SyncOption {
	return func(s *Sync) { s.now = now }
}

// WithViewer sets the sender attached to optimistic messages.
func WithViewer(u UserSummary) SyncOption {
	return func(s *Sync) { s.viewer = u }
}

func NewSync(api ChatAPI, store *Store, opts ...SyncOption) *Sync {
	s := &Sync{
		api:             api,
		store:           store,
		log:             zerolog.Nop(),
		now:             time.Now,
		chatsStale:      DefaultChatsStaleTime,
		messagesStale:   DefaultMessagesStaleTime,
		refetchInterval: DefaultMessagesRefetchInterval,
		fetchTimeout:    DefaultFetchTimeout,
		newClientID:     uuid.NewString,
		inflight:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the cache the layer writes to.
func (s *Sync) Store() *Store {
	return s.store
}

func (s *Sync) fresh(meta EntryMeta, staleTime time.Duration) bool {
	return !meta.Stale && s.store.now().Sub(meta.UpdatedAt) < staleTime
}

// ── Queries ──────────────────────────────────────────────

// Chats returns the chat list, fetching it when missing or older than the stale time.
func (s *Sync) Chats(ctx context.Context) ([]Chat, error) {
	if chats, meta, ok := Query[[]Chat](s.store, ChatsKey); ok && s.fresh(meta, s.chatsStale) {
		return cloneChats(chats), nil
	}
	return s.fetchChats(ctx)
}

// PeekChats returns the cached chat list without I/O.
func (s *Sync) PeekChats() []Chat {
	chats, _, _ := Query[[]Chat](s.store, ChatsKey)
	return cloneChats(chats)
}

// shared runs fn once per key for all concurrent callers. fn gets a context
// detached from the caller's cancellation; each caller stops waiting when its
// own ctx is done.
func (s *Sync) shared(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	ch := s.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Sync) fetchChats(ctx context.Context) ([]Chat, error) {
	v, err := s.shared(ctx, ChatsKey, func(ctx context.Context) (any, error) {
		chats, err := s.api.GetUserChats(ctx)
		if err != nil {
			return nil, err
		}
		s.store.Set(ChatsKey, chats)
		return chats, nil
	})
	if err != nil {
		// placeholder: keep showing the last successful list
		return s.PeekChats(), err
	}
	return cloneChats(v.([]Chat)), nil
}

// Messages returns a chat's messages, fetching when missing or stale. A failed
// refetch returns the previous data together with the error.
func (s *Sync) Messages(ctx context.Context, chatID int64) ([]Message, error) {
	if msgs, meta, ok := Query[[]Message](s.store, MessagesKey(chatID)); ok && s.fresh(meta, s.messagesStale) {
		return cloneMessages(msgs), nil
	}
	return s.fetchMessages(ctx, chatID)
}

// PeekMessages returns the cached messages without I/O. While a refetch is in
// flight it keeps returning the last successful result.
func (s *Sync) PeekMessages(chatID int64) []Message {
	msgs, _, _ := Query[[]Message](s.store, MessagesKey(chatID))
	return cloneMessages(msgs)
}

func (s *Sync) fetchMessages(ctx context.Context, chatID int64) ([]Message, error) {
	key := MessagesKey(chatID)
	v, err := s.shared(ctx, key, func(ctx context.Context) (any, error) {
		msgs, err := s.api.GetChatMessages(ctx, chatID)
		if err != nil {
			return nil, err
		}
		return s.ApplyIncoming(chatID, msgs, MergeFull), nil
	})
	if err != nil {
		return s.PeekMessages(chatID), err
	}
	return cloneMessages(v.([]Message)), nil
}

// WatchMessages refetches a chat's messages every refetch interval while the
// chat is active. It returns nil once the chat reaches a terminal status, or
// ctx.Err() when cancelled. Failed refetches are logged and retried next tick.
func (s *Sync) WatchMessages(ctx context.Context, chatID int64) error {
	ticker := time.NewTicker(s.refetchInterval)
	defer ticker.Stop()

	for {
		if st, ok := s.chatStatus(chatID); ok && st.IsTerminal() {
			s.log.Debug().Int64("chat", chatID).Str("status", string(st)).Msg("chat finished, stop refetching")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		st, ok := s.chatStatus(chatID)
		if !ok || st != ChatActive {
			continue
		}
		if _, err := s.fetchMessages(ctx, chatID); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Int64("chat", chatID).Msg("messages refetch failed")
		}
	}
}

// Refocus refetches stale message queries of active chats. The chat list is
// never refetched on focus.
func (s *Sync) Refocus(ctx context.Context) {
	for _, key := range s.store.Keys() {
		chatID, ok := chatIDFromKey(key)
		if !ok {
			continue
		}
		if _, meta, ok := s.store.Get(key); ok && s.fresh(meta, s.messagesStale) {
			continue
		}
		if st, ok := s.chatStatus(chatID); ok && st.IsTerminal() {
			continue
		}
		if _, err := s.fetchMessages(ctx, chatID); err != nil {
			s.log.Warn().Err(err).Int64("chat", chatID).Msg("refocus refetch failed")
		}
	}
}

// InvalidateChats marks the chat list stale and refetches it.
func (s *Sync) InvalidateChats(ctx context.Context) error {
	s.store.Invalidate(ChatsKey)
	_, err := s.fetchChats(ctx)
	return err
}

// ── Mutations ────────────────────────────────────────────

// SendMessage appends an optimistic message before the request is issued and
// reconciles it with the server's copy afterwards. On failure the messages
// entry is restored to exactly what it was before the call.
func (s *Sync) SendMessage(ctx context.Context, chatID int64, text string) (*Message, error) {
	in := SendMessageInput{ChatID: chatID, Text: text, ClientID: s.newClientID()}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	pending := Message{
		ID:        -s.tempSeq.Add(1),
		ClientID:  in.ClientID,
		Text:      text,
		Sender:    s.viewer,
		ChatID:    chatID,
		CreatedAt: now,
		UpdatedAt: now,
		Delivery:  DeliveryPending,
	}

	key := MessagesKey(chatID)
	var (
		snapshot    []Message
		hadSnapshot bool
	)
	s.mu.Lock()
	s.inflight[in.ClientID] = struct{}{}
	s.mu.Unlock()
	UpdateQuery(s.store, key, func(prev []Message, ok bool) ([]Message, bool) {
		snapshot, hadSnapshot = prev, ok
		next := make([]Message, 0, len(prev)+1)
		next = append(next, prev...)
		return append(next, pending), true
	})
	s.patchChat(chatID, func(c *Chat) { c.UpdatedAt = now })

	confirmed, err := s.api.SendMessage(ctx, in)
	s.mu.Lock()
	delete(s.inflight, in.ClientID)
	s.mu.Unlock()
	if err != nil {
		UpdateQuery(s.store, key, func(cur []Message, _ bool) ([]Message, bool) {
			return s.restore(snapshot, hadSnapshot, cur)
		})
		s.log.Warn().Err(err).Int64("chat", chatID).Str("client_id", in.ClientID).Msg("send failed, rolled back")
		return nil, err
	}

	// the response answers our request, so the correlation is known
	// even if the backend does not echo it
	if confirmed.ClientID == "" {
		confirmed.ClientID = in.ClientID
	}
	confirmed.Delivery = DeliveryConfirmed
	if confirmed.ChatID == 0 {
		confirmed.ChatID = chatID
	}
	s.ApplyIncoming(chatID, []Message{*confirmed}, MergeAppend)

	last := *confirmed
	s.patchChat(chatID, func(c *Chat) {
		c.LastMessage = &last
		if confirmed.CreatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = confirmed.CreatedAt
		}
	})
	return confirmed, nil
}

// restore computes the rolled-back messages entry. With no other activity on
// the chat it is exactly the snapshot. Pending messages of sends that have
// finished since the snapshot are dropped, pending messages of sends still in
// flight are kept, and messages confirmed in the meantime are merged back in.
func (s *Sync) restore(snapshot []Message, had bool, cur []Message) ([]Message, bool) {
	restored := make([]Message, 0, len(snapshot))
	changed := false

	s.mu.Lock()
	seen := make(map[string]bool)
	for _, m := range snapshot {
		if m.IsOptimistic() {
			if _, live := s.inflight[m.ClientID]; !live {
				changed = true
				continue
			}
			seen[m.ClientID] = true
		}
		restored = append(restored, m)
	}
	for _, m := range cur {
		if _, live := s.inflight[m.ClientID]; live && m.IsOptimistic() && !seen[m.ClientID] {
			restored = append(restored, m)
			changed = true
		}
	}
	s.mu.Unlock()

	known := make(map[int64]bool, len(restored))
	for _, m := range restored {
		known[m.ID] = true
	}
	var arrived []Message
	for _, m := range cur {
		if !m.IsOptimistic() && !known[m.ID] {
			arrived = append(arrived, m)
		}
	}

	switch {
	case !changed && len(arrived) == 0:
		return snapshot, had
	case len(arrived) > 0:
		restored = reconcile(restored, arrived, MergeAppend)
	}
	if !had && len(restored) == 0 {
		return nil, false
	}
	return restored, true
}

// MarkAsRead stores the server's read state and zeroes the chat's unread count.
func (s *Sync) MarkAsRead(ctx context.Context, chatID int64) ([]Message, error) {
	msgs, err := s.api.MarkChatAsRead(ctx, chatID)
	if err != nil {
		return nil, err
	}
	merged := s.ApplyIncoming(chatID, msgs, MergeFull)
	s.patchChat(chatID, func(c *Chat) { c.UnreadCount = 0 })
	return merged, nil
}

// FinishChat moves an active chat to a terminal status.
func (s *Sync) FinishChat(ctx context.Context, chatID int64, status ChatStatus) (*Chat, error) {
	if st, ok := s.chatStatus(chatID); ok {
		if err := ValidateTransition(st, status); err != nil {
			return nil, err
		}
	} else if !status.IsTerminal() {
		return nil, &ValidationError{Field: "status", Message: "target status must be terminal"}
	}

	chat, err := s.api.FinishChat(ctx, chatID, status)
	if err != nil {
		return nil, err
	}
	updated := *chat
	UpdateQuery(s.store, ChatsKey, func(prev []Chat, ok bool) ([]Chat, bool) {
		if !ok {
			return nil, false
		}
		next := cloneChats(prev)
		for i := range next {
			if next[i].ID == updated.ID {
				next[i] = updated
			}
		}
		return next, true
	})
	return chat, nil
}

// CreateChat creates a chat and puts it at the head of the list, or replaces
// the existing entry when the id is already cached.
func (s *Sync) CreateChat(ctx context.Context, in CreateChatInput) (*Chat, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	chat, err := s.api.CreateChat(ctx, in)
	if err != nil {
		return nil, err
	}
	s.ApplyChat(*chat)
	return chat, nil
}

// ── Reconciliation ───────────────────────────────────────

// ApplyIncoming merges server messages into a chat's cache entry and returns
// the resulting list. Every path that learns about messages (send
// confirmation, fetch, poll, socket push) goes through here.
func (s *Sync) ApplyIncoming(chatID int64, incoming []Message, mode MergeMode) []Message {
	var out []Message
	UpdateQuery(s.store, MessagesKey(chatID), func(prev []Message, ok bool) ([]Message, bool) {
		out = reconcile(prev, incoming, mode)
		return out, true
	})
	return cloneMessages(out)
}

// ApplyChat upserts a chat into the list; new chats are prepended.
func (s *Sync) ApplyChat(chat Chat) {
	UpdateQuery(s.store, ChatsKey, func(prev []Chat, ok bool) ([]Chat, bool) {
		for i := range prev {
			if prev[i].ID == chat.ID {
				next := cloneChats(prev)
				next[i] = chat
				return next, true
			}
		}
		next := make([]Chat, 0, len(prev)+1)
		next = append(next, chat)
		return append(next, prev...), true
	})
}

// reconcile is a pure function: prev is never modified.
func reconcile(prev, incoming []Message, mode MergeMode) []Message {
	var confirmed, pending []Message
	known := make(map[int64]bool, len(prev))
	for _, m := range prev {
		if m.IsOptimistic() {
			pending = append(pending, m)
			continue
		}
		confirmed = append(confirmed, m)
		known[m.ID] = true
	}

	batch := dedupeByID(incoming)
	for _, in := range batch {
		if len(pending) == 0 {
			break
		}
		// text fallback is only for messages we have not seen yet; an older
		// confirmed message with the same text must not swallow a new send
		if i := matchPending(pending, in, !known[in.ID]); i >= 0 {
			pending = append(pending[:i:i], pending[i+1:]...)
		}
	}

	var base []Message
	if mode == MergeFull {
		// ids grow monotonically, so a cached message newer than everything in
		// the batch was stored after the server produced the batch
		var newest int64
		inBatch := make(map[int64]bool, len(batch))
		for _, m := range batch {
			inBatch[m.ID] = true
			newest = max(newest, m.ID)
		}
		base = make([]Message, 0, len(batch)+1)
		base = append(base, batch...)
		for _, m := range confirmed {
			if !inBatch[m.ID] && m.ID > newest {
				base = append(base, m)
			}
		}
	} else {
		base = make([]Message, 0, len(confirmed)+len(batch))
		base = append(base, confirmed...)
		index := make(map[int64]int, len(base))
		for i, m := range base {
			index[m.ID] = i
		}
		for _, in := range batch {
			if i, ok := index[in.ID]; ok {
				base[i] = in
				continue
			}
			index[in.ID] = len(base)
			base = append(base, in)
		}
	}
	sortMessages(base)

	out := make([]Message, 0, len(base)+len(pending))
	out = append(out, base...)
	return append(out, pending...)
}

func matchPending(pending []Message, in Message, allowText bool) int {
	if in.ClientID != "" {
		for i, p := range pending {
			if p.ClientID == in.ClientID {
				return i
			}
		}
		return -1
	}
	if !allowText {
		return -1
	}
	for i, p := range pending {
		if p.Text == in.Text {
			return i
		}
	}
	return -1
}

func dedupeByID(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	index := make(map[int64]int, len(msgs))
	for _, m := range msgs {
		m.Delivery = DeliveryConfirmed
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

// ── Helpers ──────────────────────────────────────────────

func (s *Sync) chatStatus(chatID int64) (ChatStatus, bool) {
	chats, _, _ := Query[[]Chat](s.store, ChatsKey)
	for _, c := range chats {
		if c.ID == chatID {
			return c.Status, true
		}
	}
	return "", false
}

// patchChat applies fn to the cached chat with chatID. It reports whether the chat was found.
func (s *Sync) patchChat(chatID int64, fn func(*Chat)) bool {
	if _, ok := s.chatStatus(chatID); !ok {
		return false
	}
	found := false
	UpdateQuery(s.store, ChatsKey, func(prev []Chat, ok bool) ([]Chat, bool) {
		if !ok {
			return nil, false
		}
		for i := range prev {
			if prev[i].ID == chatID {
				next := cloneChats(prev)
				fn(&next[i])
				found = true
				return next, true
			}
		}
		return prev, true
	})
	return found
}

func cloneChats(chats []Chat) []Chat {
	if chats == nil {
		return nil
	}
	return append([]Chat(nil), chats...)
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	return append([]Message(nil), msgs...)
}
