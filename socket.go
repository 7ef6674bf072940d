package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Events
// ============================================================================

const (
	EventHandshake     = "handshake"
	EventConnect       = "connect"
	EventDisconnect    = "disconnect"
	EventConnectError  = "connect_error"
	EventError         = "error"
	EventTokenExpired  = "auth:token-expired"
	EventAuthError     = "auth:error"
	EventRefreshToken  = "auth:refresh-token"
	EventUnreadUpdated = "unread:updated"
	EventMessageNew    = "message:new"
	EventMessageRead   = "message:read"
	EventChatUpdated   = "chat:updated"
)

// SocketNamespace is the path of the chat namespace on the socket server.
const SocketNamespace = "/chat"

// UnreadUpdatedEvent carries the new unread count of one chat.
type UnreadUpdatedEvent struct {
	ChatID      int64 `json:"chatId"`
	UnreadCount int   `json:"unreadCount"`
}

// MessageNewEvent is pushed when a message is posted to one of the viewer's chats.
type MessageNewEvent struct {
	ChatID  int64   `json:"chatId"`
	Message Message `json:"message"`
}

// MessageReadEvent is pushed when a chat's messages were read by the viewer.
type MessageReadEvent struct {
	ChatID   int64 `json:"chatId"`
	ReaderID int64 `json:"readerId,omitempty"`
}

type ChatUpdatedEvent struct {
	Chat Chat `json:"chat"`
}

type socketErrorPayload struct {
	Message string `json:"message"`
}

type handshakePayload struct {
	Token string `json:"token"`
}

// Envelope is the wire format of every socket frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

type SocketConfig struct {
	// URL is the socket server base; the /chat namespace is appended.
	URL    string
	Tokens TokenSource

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	HandshakeTimeout   time.Duration
	HTTPClient         *http.Client
	Logger             *zerolog.Logger
}

func (c *SocketConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// SocketState represents the connection state.
type SocketState string

const (
	StateDisconnected SocketState = "disconnected"
	StateConnecting   SocketState = "connecting"
	StateConnected    SocketState = "connected"
	StateReconnecting SocketState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// SocketEventHandler is the generic event callback type.
type SocketEventHandler func(event string, payload json.RawMessage)

type eventDispatcher struct {
	mu           sync.RWMutex
	generic      map[string][]SocketEventHandler
	onConnect    []func()
	onDisconnect []func(reason string)
	onUnread     []func(UnreadUpdatedEvent)
	onMessageNew []func(MessageNewEvent)
	onRead       []func(MessageReadEvent)
	onChat       []func(ChatUpdatedEvent)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]SocketEventHandler),
	}
}

func (d *eventDispatcher) clone() *eventDispatcher {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c := &eventDispatcher{
		generic:      make(map[string][]SocketEventHandler, len(d.generic)),
		onConnect:    append([]func(){}, d.onConnect...),
		onDisconnect: append([]func(string){}, d.onDisconnect...),
		onUnread:     append([]func(UnreadUpdatedEvent){}, d.onUnread...),
		onMessageNew: append([]func(MessageNewEvent){}, d.onMessageNew...),
		onRead:       append([]func(MessageReadEvent){}, d.onRead...),
		onChat:       append([]func(ChatUpdatedEvent){}, d.onChat...),
	}
	for k, hs := range d.generic {
		c.generic[k] = append([]SocketEventHandler{}, hs...)
	}
	return c
}

func (d *eventDispatcher) removeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generic = make(map[string][]SocketEventHandler)
	d.onConnect = nil
	d.onDisconnect = nil
	d.onUnread = nil
	d.onMessageNew = nil
	d.onRead = nil
	d.onChat = nil
}

func safeCall(log zerolog.Logger, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", event).Msg("socket handler panicked")
		}
	}()
	fn()
}

// dispatch invokes handlers synchronously in registration order.
func (d *eventDispatcher) dispatch(log zerolog.Logger, env Envelope) {
	d.mu.RLock()
	generic := append([]SocketEventHandler{}, d.generic[env.Type]...)
	var typed []func()
	switch env.Type {
	case EventConnect:
		for _, h := range d.onConnect {
			typed = append(typed, h)
		}
	case EventDisconnect:
		var p socketErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		for _, h := range d.onDisconnect {
			h := h
			typed = append(typed, func() { h(p.Message) })
		}
	case EventUnreadUpdated:
		var p UnreadUpdatedEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onUnread {
				h := h
				typed = append(typed, func() { h(p) })
			}
		}
	case EventMessageNew:
		var p MessageNewEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			if p.ChatID == 0 {
				p.ChatID = p.Message.ChatID
			}
			for _, h := range d.onMessageNew {
				h := h
				typed = append(typed, func() { h(p) })
			}
		}
	case EventMessageRead:
		var p MessageReadEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onRead {
				h := h
				typed = append(typed, func() { h(p) })
			}
		}
	case EventChatUpdated:
		var p ChatUpdatedEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onChat {
				h := h
				typed = append(typed, func() { h(p) })
			}
		}
	}
	d.mu.RUnlock()

	for _, fn := range typed {
		safeCall(log, env.Type, fn)
	}
	for _, h := range generic {
		h := h
		safeCall(log, env.Type, func() { h(env.Type, env.Payload) })
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SocketConfig) *reconnector {
	return &reconnector{
		baseDelay: config.ReconnectBaseDelay,
		maxDelay:  config.ReconnectMaxDelay,
	}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.2)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Socket
// ============================================================================

// Socket keeps at most one live connection to the chat namespace. Every change
// of the connect flag and every ForceReconnect tears the current connection
// down (listeners removed, then closed) before a new one is opened.
//
// NewSocket starts a supervisor goroutine; call Close to release it. Handlers
// run on the connection's read goroutine and must not call Close.
type Socket struct {
	cfg SocketConfig
	log zerolog.Logger

	handlers *eventDispatcher
	wake     chan struct{}
	stop     chan struct{}
	stopped  chan struct{}

	mu            sync.Mutex
	shouldConnect bool
	nonce         uint64
	state         SocketState
	lastErr       string
	conn          *socketConn
	closed        bool
}

func NewSocket(cfg SocketConfig) *Socket {
	cfg.defaults()
	s := &Socket{
		cfg:      cfg,
		log:      zerolog.Nop(),
		handlers: newEventDispatcher(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		state:    StateDisconnected,
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("component", "chat-socket").Logger()
	}
	go s.supervise()
	return s
}

// OnConnect registers a handler for the connect event.
func (s *Socket) OnConnect(h func()) {
	s.register(func(d *eventDispatcher) { d.onConnect = append(d.onConnect, h) })
}

// OnDisconnect registers a handler for an unexpected connection loss.
func (s *Socket) OnDisconnect(h func(reason string)) {
	s.register(func(d *eventDispatcher) { d.onDisconnect = append(d.onDisconnect, h) })
}

// OnUnreadUpdated registers a handler for unread:updated.
func (s *Socket) OnUnreadUpdated(h func(UnreadUpdatedEvent)) {
	s.register(func(d *eventDispatcher) { d.onUnread = append(d.onUnread, h) })
}

// OnMessageNew registers a handler for message:new.
func (s *Socket) OnMessageNew(h func(MessageNewEvent)) {
	s.register(func(d *eventDispatcher) { d.onMessageNew = append(d.onMessageNew, h) })
}

// OnMessageRead registers a handler for message:read.
func (s *Socket) OnMessageRead(h func(MessageReadEvent)) {
	s.register(func(d *eventDispatcher) { d.onRead = append(d.onRead, h) })
}

// OnChatUpdated registers a handler for chat:updated.
func (s *Socket) OnChatUpdated(h func(ChatUpdatedEvent)) {
	s.register(func(d *eventDispatcher) { d.onChat = append(d.onChat, h) })
}

// On registers a generic event handler.
func (s *Socket) On(event string, h SocketEventHandler) {
	s.register(func(d *eventDispatcher) { d.generic[event] = append(d.generic[event], h) })
}

// register adds a handler to the registry and to the live connection, if any.
func (s *Socket) register(add func(*eventDispatcher)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers.mu.Lock()
	add(s.handlers)
	s.handlers.mu.Unlock()
	if s.conn != nil {
		s.conn.dispatcher.mu.Lock()
		add(s.conn.dispatcher)
		s.conn.dispatcher.mu.Unlock()
	}
}

// SetShouldConnect turns the connection on or off.
func (s *Socket) SetShouldConnect(v bool) {
	s.mu.Lock()
	changed := s.shouldConnect != v
	s.shouldConnect = v
	s.mu.Unlock()
	if changed {
		s.kick()
	}
}

// ForceReconnect drops the current connection and opens a new one.
func (s *Socket) ForceReconnect() {
	s.mu.Lock()
	s.nonce++
	s.mu.Unlock()
	s.kick()
}

func (s *Socket) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// State returns the current connection state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) Connected() bool {
	return s.State() == StateConnected
}

// LastError returns the most recent connection or auth error, or "".
func (s *Socket) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Nonce returns the reconnect counter.
func (s *Socket) Nonce() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce
}

// Emit sends an event on the live connection.
func (s *Socket) Emit(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return errors.New("socket not connected")
	}
	return c.emit(ctx, event, payload)
}

// Close tears the connection down and stops the supervisor.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	<-s.stopped
	return nil
}

func (s *Socket) setState(c *socketConn, st SocketState) {
	s.mu.Lock()
	if s.conn == c {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Socket) setLastError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func (s *Socket) supervise() {
	defer close(s.stopped)
	var cur *socketConn

	for {
		select {
		case <-s.stop:
			if cur != nil {
				s.detach(cur)
			}
			s.mu.Lock()
			s.state = StateDisconnected
			s.mu.Unlock()
			return
		case <-s.wake:
		}

		if cur != nil {
			s.detach(cur)
			cur = nil
		}

		s.mu.Lock()
		want := s.shouldConnect
		gen := s.nonce
		if !want {
			s.state = StateDisconnected
			s.mu.Unlock()
			continue
		}
		cur = s.newConn(gen)
		s.conn = cur
		s.state = StateConnecting
		s.mu.Unlock()

		s.log.Debug().Uint64("nonce", gen).Msg("opening chat socket")
		go cur.run()
	}
}

// detach removes the connection's listeners, closes it and waits for its goroutine.
func (s *Socket) detach(c *socketConn) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()

	c.dispatcher.removeAll()
	c.close()
	<-c.done
}

// ============================================================================
// Connection
// ============================================================================

type socketConn struct {
	s          *Socket
	gen        uint64
	ctx        context.Context
	cancel     context.CancelFunc
	dispatcher *eventDispatcher
	recon      *reconnector
	done       chan struct{}

	mu sync.Mutex
	ws *websocket.Conn
}

func (s *Socket) newConn(gen uint64) *socketConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &socketConn{
		s:          s,
		gen:        gen,
		ctx:        ctx,
		cancel:     cancel,
		dispatcher: s.handlers.clone(),
		recon:      newReconnector(&s.cfg),
		done:       make(chan struct{}),
	}
}

func socketURL(base string) string {
	u := strings.TrimRight(base, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + SocketNamespace
}

func (c *socketConn) close() {
	c.cancel()
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

func (c *socketConn) emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errors.New("socket not connected")
	}
	data, err := json.Marshal(outFrame{Type: event, Payload: payload})
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func (c *socketConn) run() {
	defer close(c.done)
	log := c.s.log.With().Uint64("nonce", c.gen).Logger()

	for {
		err := c.session(log)
		if c.ctx.Err() != nil {
			return
		}

		var ae *AuthError
		if errors.As(err, &ae) {
			// no usable session token: stay disconnected until told otherwise
			c.s.setLastError(err.Error())
			c.s.setState(c, StateDisconnected)
			log.Warn().Err(err).Msg("chat socket not connecting")
			return
		}

		delay := c.recon.nextDelay()
		c.s.setState(c, StateReconnecting)
		log.Debug().Err(err).Dur("delay", delay).Int("attempt", c.recon.attempt).Msg("chat socket reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session dials, performs the handshake and reads frames until the connection drops.
func (c *socketConn) session(log zerolog.Logger) error {
	if c.s.cfg.Tokens == nil {
		return &AuthError{Reason: "no token source"}
	}
	token, err := c.s.cfg.Tokens.Token(c.ctx)
	if err != nil {
		return err
	}

	c.s.setState(c, StateConnecting)
	ws, _, err := websocket.Dial(c.ctx, socketURL(c.s.cfg.URL), &websocket.DialOptions{
		HTTPClient: c.s.cfg.HTTPClient,
	})
	if err != nil {
		c.s.setLastError(err.Error())
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")
		return c.ctx.Err()
	}
	c.ws = ws
	c.mu.Unlock()

	if err := c.handshake(ws, token); err != nil {
		c.s.setLastError(err.Error())
		c.drop(ws)
		return err
	}

	c.s.setState(c, StateConnected)
	c.recon.markConnected()
	log.Info().Msg("chat socket connected")
	c.dispatcher.dispatch(log, Envelope{Type: EventConnect})

	for {
		_, data, err := ws.Read(c.ctx)
		if err != nil {
			c.drop(ws)
			if c.ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("chat socket disconnected")
			payload, _ := json.Marshal(socketErrorPayload{Message: err.Error()})
			c.dispatcher.dispatch(log, Envelope{Type: EventDisconnect, Payload: payload})
			return err
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		c.handleInternal(log, env)
		c.dispatcher.dispatch(log, env)
	}
}

func (c *socketConn) handshake(ws *websocket.Conn, token string) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.s.cfg.HandshakeTimeout)
	defer cancel()

	data, err := json.Marshal(outFrame{Type: EventHandshake, Payload: handshakePayload{Token: token}})
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	_, data, err = ws.Read(ctx)
	if err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode handshake reply: %w", err)
	}
	switch env.Type {
	case EventConnect:
		return nil
	case EventAuthError, EventConnectError:
		var p socketErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return &SocketAuthError{Message: p.Message}
	default:
		return fmt.Errorf("expected %q, got %q", EventConnect, env.Type)
	}
}

func (c *socketConn) drop(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	ws.Close(websocket.StatusNormalClosure, "")
}

// handleInternal reacts to auth and error events before user handlers run.
func (c *socketConn) handleInternal(log zerolog.Logger, env Envelope) {
	switch env.Type {
	case EventTokenExpired:
		go c.refreshToken(log)
	case EventAuthError, EventConnectError, EventError:
		var p socketErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		msg := p.Message
		if msg == "" {
			msg = env.Type
		}
		if env.Type == EventAuthError {
			msg = (&SocketAuthError{Message: msg}).Error()
		}
		// the connection stays up; the reconnect loop owns recovery
		c.s.setLastError(msg)
		log.Warn().Str("event", env.Type).Str("error", msg).Msg("chat socket error")
	}
}

func (c *socketConn) refreshToken(log zerolog.Logger) {
	refresher, ok := c.s.cfg.Tokens.(TokenRefresher)
	if !ok {
		log.Info().Msg("token expired and no refresher, reconnecting")
		c.s.ForceReconnect()
		return
	}
	token, err := refresher.RefreshToken(c.ctx)
	if err != nil || token == "" {
		if c.ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("token refresh failed, reconnecting")
		c.s.ForceReconnect()
		return
	}
	if err := c.emit(c.ctx, EventRefreshToken, handshakePayload{Token: token}); err != nil {
		log.Warn().Err(err).Msg("send refreshed token failed, reconnecting")
		c.s.ForceReconnect()
	}
}
