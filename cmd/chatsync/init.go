package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bazaarly/chatsync"
)

// initOptions is what `chatsync init` records about a session.
type initOptions struct {
	Token    string
	UserID   int64
	Username string
	BaseURL  string
}

var initFlags initOptions

func init() {
	initCmd.Flags().Int64Var(&initFlags.UserID, "user-id", 0, "id of the account the token belongs to")
	initCmd.Flags().StringVar(&initFlags.Username, "username", "", "display name for optimistic messages")
	initCmd.Flags().StringVar(&initFlags.BaseURL, "base-url", "", "chat service URL")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.chatsync/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		opts := initFlags
		opts.Token = args[0]
		if err := applyInit(cfg, opts, time.Now()); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session %s saved to %s\n", tokenState(cfg.Auth.Token, time.Now()), path)
		return nil
	},
}

// applyInit stores the session in cfg. An expired JWT is rejected, and a
// token for a different account drops the previous username.
func applyInit(cfg *Config, opts initOptions, now time.Time) error {
	if opts.Token == "" {
		return fmt.Errorf("empty token")
	}
	if exp, ok := chatsync.TokenExpiry(opts.Token); ok && !now.Before(exp) {
		return fmt.Errorf("token expired at %s", exp.Format(time.RFC3339))
	}

	if opts.UserID != 0 && opts.UserID != cfg.Auth.UserID {
		cfg.Auth.UserID = opts.UserID
		cfg.Auth.Username = ""
	}
	cfg.Auth.Token = opts.Token
	if opts.Username != "" {
		cfg.Auth.Username = opts.Username
	}
	if opts.BaseURL != "" {
		cfg.Default.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	return nil
}
