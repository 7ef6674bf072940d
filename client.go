// Package chatsync is the chat synchronization layer of the marketplace client.
//
// It covers the chat REST API, a keyed query cache with optimistic updates,
// the realtime chat socket, a polling fallback and the unread-count aggregate.
//
// Example:
//
//	cfg := chatsync.ConfigFromEnv()
//	client := chatsync.NewClient(chatsync.StaticToken(token), chatsync.WithBaseURL(cfg.BaseURL))
//	sync := chatsync.NewSync(client, chatsync.NewStore())
//
//	chats, _ := sync.Chats(ctx)
//	msg, _ := sync.SendMessage(ctx, chats[0].ID, "Hello!")
//
//	sock := chatsync.NewSocket(chatsync.SocketConfig{URL: cfg.SocketURL, Tokens: chatsync.StaticToken(token)})
//	unread := chatsync.NewUnreadCounter(sync)
//	unread.Attach(sock)
//	sock.SetShouldConnect(true)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const DefaultTimeout = 30 * time.Second

// ChatAPI is the REST surface the query layer depends on. *Client implements it.
type ChatAPI interface {
	GetUserChats(ctx context.Context) ([]Chat, error)
	GetChatMessages(ctx context.Context, chatID int64) ([]Message, error)
	SendMessage(ctx context.Context, in SendMessageInput) (*Message, error)
	MarkChatAsRead(ctx context.Context, chatID int64) ([]Message, error)
	FinishChat(ctx context.Context, chatID int64, status ChatStatus) (*Chat, error)
	CreateChat(ctx context.Context, in CreateChatInput) (*Chat, error)
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	tokens     TokenSource
	baseURL    string
	userAgent  string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a chat REST client. The base URL defaults to ConfigFromEnv.
func NewClient(tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		tokens:  tokens,
		baseURL: ConfigFromEnv().BaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the REST base URL the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	op := method + " " + path

	if c.tokens == nil {
		return nil, &AuthError{Reason: "no token source"}
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &ValidationError{Field: "body", Message: err.Error()}
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("chat api request")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	apiErr := decodeAPIError(data, resp.StatusCode)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Reason: "rejected by server", Err: apiErr}
	}
	return nil, &NetworkError{Op: op, StatusCode: resp.StatusCode, API: apiErr}
}

func decodeAPIError(data []byte, status int) *APIError {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
		if envelope.Error.Status == 0 {
			envelope.Error.Status = status
		}
		return envelope.Error
	}
	return &APIError{Status: status, Name: http.StatusText(status), Message: strings.TrimSpace(string(data))}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func chatPath(chatID int64, suffix string) string {
	return "/api/chats/" + url.PathEscape(strconv.FormatInt(chatID, 10)) + suffix
}

// ============================================================================
// Chat API Methods
// ============================================================================

func (c *Client) GetUserChats(ctx context.Context) ([]Chat, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chats", nil)
	if err != nil {
		return nil, err
	}
	chats, err := decodeJSON[[]Chat](data)
	if err != nil {
		return nil, err
	}
	return *chats, nil
}

// GetChatMessages returns the chat's messages ascending by creation time.
func (c *Client) GetChatMessages(ctx context.Context, chatID int64) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, chatPath(chatID, "/messages"), nil)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	sortMessages(*msgs)
	return *msgs, nil
}

func (c *Client) SendMessage(ctx context.Context, in SendMessageInput) (*Message, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages", in)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// MarkChatAsRead returns the chat's messages with updated read flags.
func (c *Client) MarkChatAsRead(ctx context.Context, chatID int64) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, chatPath(chatID, "/read"), nil)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	sortMessages(*msgs)
	return *msgs, nil
}

func (c *Client) FinishChat(ctx context.Context, chatID int64, status ChatStatus) (*Chat, error) {
	if !status.IsTerminal() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("%q is not a terminal status", status)}
	}
	data, err := c.doRequest(ctx, http.MethodPost, chatPath(chatID, "/finish"), finishChatBody{Status: status})
	if err != nil {
		return nil, err
	}
	return decodeJSON[Chat](data)
}

func (c *Client) CreateChat(ctx context.Context, in CreateChatInput) (*Chat, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/chats", in)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Chat](data)
}

// GetUnreadCount asks the backend for the viewer's total unread count.
func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chats/unread-count", nil)
	if err != nil {
		return 0, err
	}
	body, err := decodeJSON[unreadCountBody](data)
	if err != nil {
		return 0, err
	}
	return body.Count, nil
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}
