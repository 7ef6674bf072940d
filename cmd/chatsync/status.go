package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show effective settings, token state and unread total",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		set := resolveSettings(cfg)

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", set.BaseURL)
		fmt.Printf("  Socket URL: %s\n", set.SocketURL)

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User:       %s\n", viewerLabel(cfg.Auth))
		token := tokenState(set.Token, time.Now())
		if set.TokenOrigin != "" {
			token += " [" + set.TokenOrigin + "]"
		}
		fmt.Printf("  Token:      %s\n", token)

		if set.Token == "" {
			return nil
		}

		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		count, err := s.client.GetUnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread:     %d\n", count)
		return nil
	},
}
