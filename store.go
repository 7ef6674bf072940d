package chatsync

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c-pro/geche"
)

// ============================================================================
// Keys
// ============================================================================

const (
	ChatsKey          = "chats"
	messagesKeyPrefix = "messages:"
)

func MessagesKey(chatID int64) string {
	return messagesKeyPrefix + strconv.FormatInt(chatID, 10)
}

// chatIDFromKey extracts the chat id from a messages key.
func chatIDFromKey(key string) (int64, bool) {
	if !strings.HasPrefix(key, messagesKeyPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(key, messagesKeyPrefix), 10, 64)
	return id, err == nil
}

// ============================================================================
// Events
// ============================================================================

type EventKind int

const (
	EventUpdated EventKind = iota
	EventDeleted
	EventInvalidated
)

// StoreEvent is delivered to subscribers after a key changed.
type StoreEvent struct {
	Key  string
	Kind EventKind
}

// StoreListener receives store events.
type StoreListener func(StoreEvent)

// EntryMeta describes freshness of a cached value.
type EntryMeta struct {
	UpdatedAt time.Time
	Stale     bool
}

type entry struct {
	value any
	meta  EntryMeta
}

// ============================================================================
// Store
// ============================================================================

// Store is the keyed query cache. It is the single client-side source of truth
// for chat and message state; every write is an atomic read-modify-write.
type Store struct {
	cache *geche.Locker[string, entry]
	now   func() time.Time

	mu        sync.RWMutex
	listeners map[int]StoreListener
	nextID    int
}

type StoreOption func(*Store)

// WithStoreClock sets the clock used to stamp entries and judge freshness.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		cache:     geche.NewLocker[string, entry](geche.NewMapCache[string, entry]()),
		now:       time.Now,
		listeners: make(map[int]StoreListener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, EntryMeta, bool) {
	tx := s.cache.RLock()
	defer tx.Unlock()
	e, err := tx.Get(key)
	if err != nil {
		return nil, EntryMeta{}, false
	}
	return e.value, e.meta, true
}

// Update applies fn to the current value under the write lock. fn must not
// mutate prev; it returns the replacement value, or keep=false to delete the key.
func (s *Store) Update(key string, fn func(prev any, ok bool) (next any, keep bool)) {
	tx := s.cache.Lock()
	e, err := tx.Get(key)
	exists := err == nil
	next, keep := fn(e.value, exists)

	var kind EventKind
	switch {
	case keep:
		tx.Set(key, entry{value: next, meta: EntryMeta{UpdatedAt: s.now()}})
		kind = EventUpdated
	case exists:
		_ = tx.Del(key)
		kind = EventDeleted
	default:
		tx.Unlock()
		return
	}
	tx.Unlock()
	s.notify(StoreEvent{Key: key, Kind: kind})
}

func (s *Store) Set(key string, value any) {
	s.Update(key, func(any, bool) (any, bool) { return value, true })
}

func (s *Store) Delete(key string) {
	s.Update(key, func(any, bool) (any, bool) { return nil, false })
}

// Invalidate marks key stale so the next query refetches it.
func (s *Store) Invalidate(key string) {
	tx := s.cache.Lock()
	e, err := tx.Get(key)
	if err != nil {
		tx.Unlock()
		return
	}
	e.meta.Stale = true
	tx.Set(key, e)
	tx.Unlock()
	s.notify(StoreEvent{Key: key, Kind: EventInvalidated})
}

// Keys returns all keys currently cached.
func (s *Store) Keys() []string {
	tx := s.cache.RLock()
	snap := tx.Snapshot()
	tx.Unlock()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	return keys
}

// Subscribe registers l for every store event. The returned func removes it.
func (s *Store) Subscribe(l StoreListener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(ev StoreEvent) {
	s.mu.RLock()
	ls := make([]StoreListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() { recover() }() // swallow panics in listeners
			l(ev)
		}()
	}
}

// ============================================================================
// Typed helpers
// ============================================================================

// Query returns the value under key if it holds a T.
func Query[T any](s *Store, key string) (T, EntryMeta, bool) {
	var zero T
	v, meta, ok := s.Get(key)
	if !ok {
		return zero, meta, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, meta, false
	}
	return t, meta, true
}

// UpdateQuery is Update with a typed value. A value of another type is treated as absent.
func UpdateQuery[T any](s *Store, key string, fn func(prev T, ok bool) (T, bool)) {
	s.Update(key, func(prev any, ok bool) (any, bool) {
		t, isT := prev.(T)
		return fn(t, ok && isT)
	})
}
