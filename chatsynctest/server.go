// Package chatsynctest provides an in-process chat backend for tests: the REST
// endpoints the client consumes and the /chat socket namespace.
package chatsynctest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/bazaarly/chatsync"
)

// Route names used by Requests, FailNext and Hold.
const (
	RouteChats        = "GET /api/chats"
	RouteCreateChat   = "POST /api/chats"
	RouteUnreadCount  = "GET /api/chats/unread-count"
	RouteMessages     = "GET /api/chats/{id}/messages"
	RouteMarkRead     = "POST /api/chats/{id}/read"
	RouteFinishChat   = "POST /api/chats/{id}/finish"
	RouteSendMessage  = "POST /api/messages"
	RouteSocketAccept = "GET /chat"
)

// Server is a fake chat backend. The zero value is not usable; call NewServer.
type Server struct {
	*httptest.Server

	// Viewer is the user every accepted token belongs to.
	Viewer chatsync.UserSummary

	mu           sync.Mutex
	token        string
	chats        []chatsync.Chat
	messages     map[int64][]chatsync.Message
	nextChatID   int64
	nextMsgID    int64
	echoClientID bool
	requests     map[string]int
	failures     map[string]int
	holds        map[string]chan struct{}

	sockets     map[*websocket.Conn]struct{}
	accepted    int
	refreshed   []string
	rejectAuth  bool
	socketFrame []chatsync.Envelope
}

func NewServer() *Server {
	s := &Server{
		Viewer:       chatsync.UserSummary{ID: 1, Username: "viewer", Confirmed: true},
		messages:     make(map[int64][]chatsync.Message),
		nextChatID:   1,
		nextMsgID:    100,
		echoClientID: true,
		requests:     make(map[string]int),
		failures:     make(map[string]int),
		holds:        make(map[string]chan struct{}),
		sockets:      make(map[*websocket.Conn]struct{}),
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/chat", s.handleSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/chats", s.route(RouteChats, s.handleChats))
		r.Post("/chats", s.route(RouteCreateChat, s.handleCreateChat))
		r.Get("/chats/unread-count", s.route(RouteUnreadCount, s.handleUnreadCount))
		r.Get("/chats/{id}/messages", s.route(RouteMessages, s.handleMessages))
		r.Post("/chats/{id}/read", s.route(RouteMarkRead, s.handleMarkRead))
		r.Post("/chats/{id}/finish", s.route(RouteFinishChat, s.handleFinish))
		r.Post("/messages", s.route(RouteSendMessage, s.handleSend))
	})
	return r
}

// ============================================================================
// Test controls
// ============================================================================

// AddChat stores a chat and returns it with its assigned id.
func (s *Server) AddChat(c chatsync.Chat) chatsync.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.nextChatID
	}
	if c.ID >= s.nextChatID {
		s.nextChatID = c.ID + 1
	}
	if c.Status == "" {
		c.Status = chatsync.ChatActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
		c.UpdatedAt = c.CreatedAt
	}
	s.chats = append(s.chats, c)
	return c
}

// AddMessage posts a message from sender into a chat as if another client sent it.
func (s *Server) AddMessage(chatID int64, sender chatsync.UserSummary, text string) chatsync.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendMessageLocked(chatID, sender, text, "")
}

// SetToken restricts REST and socket auth to token. Empty accepts any token.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// SetUnread overwrites a chat's unread count.
func (s *Server) SetUnread(chatID int64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.chatLocked(chatID); c != nil {
		c.UnreadCount = n
	}
}

// SetEchoClientID controls whether send responses carry the client id back.
func (s *Server) SetEchoClientID(v bool) {
	s.mu.Lock()
	s.echoClientID = v
	s.mu.Unlock()
}

// FailNext makes the next request on route answer with status.
func (s *Server) FailNext(route string, status int) {
	s.mu.Lock()
	s.failures[route] = status
	s.mu.Unlock()
}

// Hold delays responses on route until the returned func is called.
func (s *Server) Hold(route string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[route] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[route] == ch {
				delete(s.holds, route)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Requests returns how many requests hit route.
func (s *Server) Requests(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[route]
}

// Messages returns the server-side messages of a chat.
func (s *Server) Messages(chatID int64) []chatsync.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chatsync.Message(nil), s.messages[chatID]...)
}

// SetRejectSocketAuth makes socket handshakes fail with auth:error.
func (s *Server) SetRejectSocketAuth(v bool) {
	s.mu.Lock()
	s.rejectAuth = v
	s.mu.Unlock()
}

// Accepted returns the number of socket handshakes that succeeded.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// ActiveSockets returns the number of open socket connections.
func (s *Server) ActiveSockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// RefreshedTokens returns the tokens received through auth:refresh-token.
func (s *Server) RefreshedTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.refreshed...)
}

// Frames returns every non-handshake frame clients sent.
func (s *Server) Frames() []chatsync.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chatsync.Envelope(nil), s.socketFrame...)
}

// Broadcast sends an event to every open socket.
func (s *Server) Broadcast(ctx context.Context, event string, payload any) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
			return err
		}
	}
	return nil
}

// Close drops open sockets and shuts the server down.
func (s *Server) Close() {
	s.DropSockets()
	s.Server.Close()
}

// DropSockets closes every open socket from the server side.
func (s *Server) DropSockets() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server restart")
	}
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		want := s.token
		s.mu.Unlock()
		if token == "" || (want != "" && token != want) {
			writeError(w, http.StatusUnauthorized, "UnauthorizedError", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// route counts the request, applies a queued failure and waits on a hold. A
// held response is rendered on arrival, so it reflects the state the request
// observed even when other requests change it before release.
func (s *Server) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status, fail := s.failures[name]
		delete(s.failures, name)
		hold := s.holds[name]
		s.mu.Unlock()

		serve := func(w http.ResponseWriter) {
			if fail {
				writeError(w, status, http.StatusText(status), "injected failure")
				return
			}
			h(w, r)
		}

		if hold == nil {
			s.count(name)
			serve(w)
			return
		}

		rec := httptest.NewRecorder()
		serve(rec)
		s.count(name)
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
		for k, v := range rec.Header() {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.Code)
		_, _ = w.Write(rec.Body.Bytes())
	}
}

func (s *Server) count(name string) {
	s.mu.Lock()
	s.requests[name]++
	s.mu.Unlock()
}

// ============================================================================
// REST handlers
// ============================================================================

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	chats := append([]chatsync.Chat(nil), s.chats...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	total := 0
	for _, c := range s.chats {
		total += c.UnreadCount
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"count": total})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var in chatsync.CreateChatInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Validate() != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid chat")
		return
	}
	participants := []chatsync.UserSummary{s.Viewer}
	for _, id := range in.ParticipantIDs {
		if id != s.Viewer.ID {
			participants = append(participants, chatsync.UserSummary{ID: id, Username: "user" + strconv.FormatInt(id, 10)})
		}
	}
	chat := s.AddChat(chatsync.Chat{Topic: in.Topic, Participants: participants})
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatLocked(id) == nil {
		writeError(w, http.StatusNotFound, "NotFoundError", "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, s.messages[id])
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chatLocked(id)
	if c == nil {
		writeError(w, http.StatusNotFound, "NotFoundError", "chat not found")
		return
	}
	c.UnreadCount = 0
	msgs := s.messages[id]
	for i := range msgs {
		if msgs[i].Sender.ID != s.Viewer.ID && !msgs[i].Read {
			msgs[i].Read = true
			msgs[i].ReadBy = append(msgs[i].ReadBy, s.Viewer)
		}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	var body struct {
		Status chatsync.ChatStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chatLocked(id)
	if c == nil {
		writeError(w, http.StatusNotFound, "NotFoundError", "chat not found")
		return
	}
	if err := chatsync.ValidateTransition(c.Status, body.Status); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}
	c.Status = body.Status
	c.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var in chatsync.SendMessageInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Validate() != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid message")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chatLocked(in.ChatID)
	if c == nil {
		writeError(w, http.StatusNotFound, "NotFoundError", "chat not found")
		return
	}
	if c.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "ConflictError", "chat is finished")
		return
	}
	clientID := in.ClientID
	if !s.echoClientID {
		clientID = ""
	}
	writeJSON(w, http.StatusOK, s.appendMessageLocked(in.ChatID, s.Viewer, in.Text, clientID))
}

func (s *Server) appendMessageLocked(chatID int64, sender chatsync.UserSummary, text, clientID string) chatsync.Message {
	now := time.Now().UTC()
	if msgs := s.messages[chatID]; len(msgs) > 0 && !now.After(msgs[len(msgs)-1].CreatedAt) {
		now = msgs[len(msgs)-1].CreatedAt.Add(time.Millisecond)
	}
	m := chatsync.Message{
		ID:        s.nextMsgID,
		ClientID:  clientID,
		Text:      text,
		Sender:    sender,
		ChatID:    chatID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.nextMsgID++
	s.messages[chatID] = append(s.messages[chatID], m)
	sort.SliceStable(s.messages[chatID], func(i, j int) bool {
		return s.messages[chatID][i].CreatedAt.Before(s.messages[chatID][j].CreatedAt)
	})

	if c := s.chatLocked(chatID); c != nil {
		last := m
		c.LastMessage = &last
		c.UpdatedAt = now
		if sender.ID != s.Viewer.ID {
			c.UnreadCount++
		}
	}
	return m
}

func (s *Server) chatLocked(id int64) *chatsync.Chat {
	for i := range s.chats {
		if s.chats[i].ID == id {
			return &s.chats[i]
		}
	}
	return nil
}

// ============================================================================
// Socket
// ============================================================================

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests[RouteSocketAccept]++
	s.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var hello struct {
		Type    string `json:"type"`
		Payload struct {
			Token string `json:"token"`
		} `json:"payload"`
	}
	if json.Unmarshal(data, &hello) != nil || hello.Type != chatsync.EventHandshake {
		conn.Close(websocket.StatusPolicyViolation, "handshake expected")
		return
	}

	s.mu.Lock()
	reject := s.rejectAuth || hello.Payload.Token == "" || (s.token != "" && hello.Payload.Token != s.token)
	s.mu.Unlock()
	if reject {
		frame, _ := encodeFrame(chatsync.EventAuthError, map[string]string{"message": "invalid token"})
		_ = conn.Write(ctx, websocket.MessageText, frame)
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	s.mu.Lock()
	s.sockets[conn] = struct{}{}
	s.accepted++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sockets, conn)
		s.mu.Unlock()
	}()

	frame, _ := encodeFrame(chatsync.EventConnect, nil)
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env chatsync.Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		s.mu.Lock()
		s.socketFrame = append(s.socketFrame, env)
		if env.Type == chatsync.EventRefreshToken {
			var p struct {
				Token string `json:"token"`
			}
			if json.Unmarshal(env.Payload, &p) == nil {
				s.refreshed = append(s.refreshed, p.Token)
			}
		}
		s.mu.Unlock()
	}
}

// ============================================================================
// Helpers
// ============================================================================

func encodeFrame(event string, payload any) ([]byte, error) {
	frame := map[string]any{"type": event}
	if payload != nil {
		frame["payload"] = payload
	}
	return json.Marshal(frame)
}

func chatID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", fmt.Sprintf("invalid chat id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, name, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"status": status, "name": name, "message": message},
	})
}
