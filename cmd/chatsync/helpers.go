package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bazaarly/chatsync"
)

// envToken overrides the configured token, e.g. from .env.
const envToken = "CHAT_TOKEN"

// session bundles everything a command needs to talk to the chat service.
type session struct {
	cfg    *Config
	env    chatsync.Config
	token  chatsync.StaticToken
	client *chatsync.Client
	sync   *chatsync.Sync
}

// settings is the effective endpoint and token resolution shared by every
// command. Endpoints in the config file take precedence over the
// environment; CHAT_TOKEN takes precedence over the stored token.
type settings struct {
	BaseURL     string
	SocketURL   string
	Token       string
	TokenOrigin string // "env", "config" or ""
}

func resolveSettings(cfg *Config) settings {
	env := chatsync.ConfigFromEnv()
	out := settings{BaseURL: env.BaseURL, SocketURL: env.SocketURL}
	if cfg.Default.BaseURL != "" {
		out.BaseURL = cfg.Default.BaseURL
		if os.Getenv(chatsync.EnvSocketURL) == "" {
			out.SocketURL = cfg.Default.BaseURL
		}
	}
	if cfg.Default.SocketURL != "" {
		out.SocketURL = cfg.Default.SocketURL
	}

	switch {
	case os.Getenv(envToken) != "":
		out.Token, out.TokenOrigin = os.Getenv(envToken), "env"
	case cfg.Auth.Token != "":
		out.Token, out.TokenOrigin = cfg.Auth.Token, "config"
	}
	return out
}

// tokenState describes a token for display without revealing it.
func tokenState(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	exp, ok := chatsync.TokenExpiry(token)
	if !ok {
		return "present " + maskKey(token)
	}
	if now.Before(exp) {
		return fmt.Sprintf("%s valid (expires %s)", maskKey(token), exp.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s EXPIRED (expired %s)", maskKey(token), exp.Format(time.RFC3339))
}

// newSession loads config and builds the client stack.
func newSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	set := resolveSettings(cfg)
	if set.Token == "" {
		return nil, fmt.Errorf("no session token: run 'chatsync init <token>' or set %s", envToken)
	}
	env := chatsync.Config{BaseURL: set.BaseURL, SocketURL: set.SocketURL}
	tokens := chatsync.StaticToken(set.Token)
	client := chatsync.NewClient(tokens,
		chatsync.WithBaseURL(env.BaseURL),
		chatsync.WithUserAgent("chatsync-cli"),
		chatsync.WithLogger(logger),
	)
	viewer := chatsync.UserSummary{ID: cfg.Auth.UserID, Username: cfg.Auth.Username}

	return &session{
		cfg:    cfg,
		env:    env,
		token:  tokens,
		client: client,
		sync: chatsync.NewSync(client, chatsync.NewStore(),
			chatsync.WithSyncLogger(logger),
			chatsync.WithViewer(viewer),
		),
	}, nil
}

func (s *session) pollInterval() time.Duration {
	if d, err := time.ParseDuration(s.cfg.Default.PollInterval); err == nil && d > 0 {
		return d
	}
	return chatsync.DefaultPollInterval
}

func parseChatID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid chat id %q", arg)
	}
	return id, nil
}

// maskKey shows the first and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func senderName(u chatsync.UserSummary) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Username != "" {
		return u.Username
	}
	return "#" + strconv.FormatInt(u.ID, 10)
}
