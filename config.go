package chatsync

import (
	"os"
	"strings"
)

const (
	EnvAPIURL    = "CHAT_API_URL"
	EnvSocketURL = "CHAT_SOCKET_URL"

	DefaultBaseURL = "http://localhost:1337"
)

// Config holds the deployment-time endpoints of the chat service.
type Config struct {
	BaseURL   string
	SocketURL string
}

// ConfigFromEnv reads endpoints from the environment, falling back to localhost.
// The socket URL defaults to the REST base URL.
func ConfigFromEnv() Config {
	cfg := Config{
		BaseURL:   strings.TrimRight(getEnv(EnvAPIURL, DefaultBaseURL), "/"),
		SocketURL: strings.TrimRight(os.Getenv(EnvSocketURL), "/"),
	}
	if cfg.SocketURL == "" {
		cfg.SocketURL = cfg.BaseURL
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
