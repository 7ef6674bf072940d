package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval     = 10 * time.Second
	DefaultHiddenMultiplier = 3
)

// FetchMessagesFunc loads the full message list of a chat.
type FetchMessagesFunc func(ctx context.Context, chatID int64) ([]Message, error)

// Poller periodically refetches the messages of one chat as a fallback for the
// socket. It reports a chat only when its newest message id changed.
type Poller struct {
	fetch    FetchMessagesFunc
	onUpdate func(chatID int64, msgs []Message)
	base     time.Duration
	hidden   int
	log      zerolog.Logger

	mu        sync.Mutex
	chatID    int64
	hasChat   bool
	enabled   bool
	visible   bool
	lastSeen  int64
	seen      bool
	immediate bool
	running   bool
	stopCh    chan struct{}
	done      chan struct{}
	wake      chan struct{}
}

type PollerOption func(*Poller)

// WithPollInterval sets the interval used while the page is visible.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.base = d }
}

// WithHiddenMultiplier sets the factor applied to the interval while hidden.
func WithHiddenMultiplier(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.hidden = n
		}
	}
}

func WithPollerLogger(log zerolog.Logger) PollerOption {
	return func(p *Poller) { p.log = log }
}

func NewPoller(fetch FetchMessagesFunc, onUpdate func(chatID int64, msgs []Message), opts ...PollerOption) *Poller {
	p := &Poller{
		fetch:    fetch,
		onUpdate: onUpdate,
		base:     DefaultPollInterval,
		hidden:   DefaultHiddenMultiplier,
		log:      zerolog.Nop(),
		enabled:  true,
		visible:  true,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewPoller returns a poller backed by the REST client whose results are
// merged into the store before onUpdate sees them.
func (s *Sync) NewPoller(onUpdate func(chatID int64, msgs []Message), opts ...PollerOption) *Poller {
	opts = append([]PollerOption{WithPollerLogger(s.log)}, opts...)
	return NewPoller(s.api.GetChatMessages, func(chatID int64, msgs []Message) {
		merged := s.ApplyIncoming(chatID, msgs, MergeFull)
		if onUpdate != nil {
			onUpdate(chatID, merged)
		}
	}, opts...)
}

// Start runs the poll loop until ctx is done or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	stopCh, done := p.stopCh, p.done
	p.mu.Unlock()

	go p.loop(ctx, stopCh, done)
}

// Stop halts the loop and waits for an in-flight poll to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	p.mu.Unlock()
	<-done
}

// SetChat switches the polled chat. The last-seen id is reset and one poll
// runs right away.
func (p *Poller) SetChat(chatID int64) {
	p.mu.Lock()
	p.chatID = chatID
	p.hasChat = true
	p.seen = false
	p.lastSeen = 0
	p.immediate = true
	p.mu.Unlock()
	p.kick()
}

// ClearChat stops polling until SetChat is called again.
func (p *Poller) ClearChat() {
	p.mu.Lock()
	p.hasChat = false
	p.seen = false
	p.mu.Unlock()
	p.kick()
}

func (p *Poller) SetEnabled(v bool) {
	p.mu.Lock()
	if p.enabled == v {
		p.mu.Unlock()
		return
	}
	p.enabled = v
	p.immediate = v
	p.mu.Unlock()
	p.kick()
}

// SetVisible switches between the base interval and the hidden interval.
func (p *Poller) SetVisible(v bool) {
	p.mu.Lock()
	p.visible = v
	p.mu.Unlock()
	p.kick()
}

// Interval returns the interval in effect.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intervalLocked()
}

func (p *Poller) intervalLocked() time.Duration {
	if p.visible {
		return p.base
	}
	return p.base * time.Duration(p.hidden)
}

func (p *Poller) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) loop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)

	for {
		p.mu.Lock()
		active := p.enabled && p.hasChat
		interval := p.intervalLocked()
		now := active && p.immediate
		p.immediate = false
		p.mu.Unlock()

		if now {
			p.poll(ctx)
			continue
		}

		var tick <-chan time.Time
		var timer *time.Timer
		if active {
			timer = time.NewTimer(interval)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-stopCh:
			stopTimer(timer)
			return
		case <-p.wake:
			stopTimer(timer)
		case <-tick:
			p.poll(ctx)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (p *Poller) poll(ctx context.Context) {
	p.mu.Lock()
	chatID := p.chatID
	p.mu.Unlock()

	msgs, err := p.fetch(ctx, chatID)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn().Err(err).Int64("chat", chatID).Msg("poll failed")
		}
		return
	}

	var newest int64
	if len(msgs) > 0 {
		newest = msgs[len(msgs)-1].ID
	}

	p.mu.Lock()
	if !p.hasChat || p.chatID != chatID {
		// chat switched while the request was in flight
		p.mu.Unlock()
		return
	}
	if p.seen && p.lastSeen == newest {
		p.mu.Unlock()
		return
	}
	p.seen = true
	p.lastSeen = newest
	p.mu.Unlock()

	p.log.Debug().Int64("chat", chatID).Int64("newest", newest).Msg("poll found new messages")
	if p.onUpdate != nil {
		p.onUpdate(chatID, msgs)
	}
}
