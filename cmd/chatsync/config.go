package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bazaarly/chatsync"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Long:  "Print the settings commands will use after applying the environment, with the token masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		writeSettings(os.Stdout, path, cfg, resolveSettings(cfg), time.Now())
		return nil
	},
}

func writeSettings(w io.Writer, path string, cfg *Config, set settings, now time.Time) {
	fmt.Fprintf(w, "config file:    %s\n", path)
	fmt.Fprintf(w, "base url:       %s\n", set.BaseURL)
	fmt.Fprintf(w, "socket url:     %s\n", set.SocketURL)
	fmt.Fprintf(w, "poll interval:  %s\n", valueOrDefault(cfg.Default.PollInterval, chatsync.DefaultPollInterval.String()))
	fmt.Fprintf(w, "user:           %s\n", viewerLabel(cfg.Auth))
	token := tokenState(set.Token, now)
	if set.TokenOrigin != "" {
		token += " [" + set.TokenOrigin + "]"
	}
	fmt.Fprintf(w, "token:          %s\n", token)
}

func viewerLabel(a ConfigAuth) string {
	switch {
	case a.Username != "" && a.UserID != 0:
		return fmt.Sprintf("%s (#%d)", a.Username, a.UserID)
	case a.Username != "":
		return a.Username
	case a.UserID != 0:
		return fmt.Sprintf("#%d", a.UserID)
	}
	return "(not set)"
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.base_url https://api.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
