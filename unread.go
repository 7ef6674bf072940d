package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultUnreadSettleDelay = 300 * time.Millisecond

// UnreadCounter keeps the viewer's total unread count. The total is always the
// sum over the cached chat list, so a chat missing from the cache never counts.
type UnreadCounter struct {
	sync   *Sync
	log    zerolog.Logger
	settle time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  func()

	mu        sync.Mutex
	total     int
	listeners map[int]func(total int)
	nextID    int
}

type UnreadOption func(*UnreadCounter)

// WithSettleDelay sets how long to wait after a message:new refetch before recomputing.
func WithSettleDelay(d time.Duration) UnreadOption {
	return func(u *UnreadCounter) { u.settle = d }
}

func WithUnreadLogger(log zerolog.Logger) UnreadOption {
	return func(u *UnreadCounter) { u.log = log }
}

func NewUnreadCounter(s *Sync, opts ...UnreadOption) *UnreadCounter {
	ctx, cancel := context.WithCancel(context.Background())
	u := &UnreadCounter{
		sync:      s,
		log:       s.log,
		settle:    DefaultUnreadSettleDelay,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func(int)),
	}
	for _, opt := range opts {
		opt(u)
	}

	u.unsub = s.store.Subscribe(func(ev StoreEvent) {
		if ev.Key == ChatsKey {
			u.recompute()
		}
	})
	u.recompute()
	return u
}

// Attach wires the counter to the socket's unread-related events.
func (u *UnreadCounter) Attach(sock *Socket) {
	sock.OnUnreadUpdated(func(ev UnreadUpdatedEvent) {
		if u.ctx.Err() != nil {
			return
		}
		u.sync.patchChat(ev.ChatID, func(c *Chat) { c.UnreadCount = max(ev.UnreadCount, 0) })
		u.recompute()
	})

	sock.OnMessageRead(func(ev MessageReadEvent) {
		if u.ctx.Err() != nil {
			return
		}
		u.sync.patchChat(ev.ChatID, func(c *Chat) { c.UnreadCount = 0 })
		u.recompute()
	})

	sock.OnMessageNew(func(ev MessageNewEvent) {
		if u.ctx.Err() != nil {
			return
		}
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.refresh(ev.ChatID)
		}()
	})
}

// refresh refetches the chat list and recomputes once the cache has settled.
func (u *UnreadCounter) refresh(chatID int64) {
	if err := u.sync.InvalidateChats(u.ctx); err != nil && u.ctx.Err() == nil {
		u.log.Warn().Err(err).Int64("chat", chatID).Msg("unread refresh failed")
	}

	t := time.NewTimer(u.settle)
	defer t.Stop()
	select {
	case <-u.ctx.Done():
		return
	case <-t.C:
	}
	u.recompute()
}

// Total returns the current unread total.
func (u *UnreadCounter) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

// Subscribe registers fn for total changes. The returned func removes it.
func (u *UnreadCounter) Subscribe(fn func(total int)) func() {
	u.mu.Lock()
	id := u.nextID
	u.nextID++
	u.listeners[id] = fn
	u.mu.Unlock()

	return func() {
		u.mu.Lock()
		delete(u.listeners, id)
		u.mu.Unlock()
	}
}

// Close detaches from the store and waits for pending refreshes.
func (u *UnreadCounter) Close() {
	u.cancel()
	u.unsub()
	u.wg.Wait()
}

func (u *UnreadCounter) recompute() {
	u.mu.Lock()
	total := 0
	for _, c := range u.sync.PeekChats() {
		total += c.UnreadCount
	}
	if total == u.total {
		u.mu.Unlock()
		return
	}
	u.total = total
	ls := make([]func(int), 0, len(u.listeners))
	for _, l := range u.listeners {
		ls = append(ls, l)
	}
	u.mu.Unlock()

	u.log.Debug().Int("total", total).Msg("unread total changed")
	for _, l := range ls {
		l(total)
	}
}
