package main

import (
	"context"
	"fmt"
	"time"

	parley "github.com/parley-im/parley-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the identity in the stored token, and live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		if cfg.Redis.Addr != "" {
			fmt.Printf("  Redis:       %s\n", cfg.Redis.Addr)
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		fmt.Println()
		fmt.Println("Identity:")
		if cfg.Auth.Token != "" {
			if id, err := parley.IdentityFromToken(cfg.Auth.Token); err == nil {
				fmt.Printf("  User ID:     %s\n", id.UserID)
				if id.Username != "" {
					fmt.Printf("  Username:    %s\n", id.Username)
				}
				if id.ExpiresAt != nil {
					fmt.Printf("  Expires:     %s\n", id.ExpiresAt.Format(time.RFC3339))
					if id.Expired() {
						fmt.Println("  WARNING:     token is expired, run 'parley init' with a fresh one")
					}
				}
			} else {
				fmt.Printf("  (unreadable token: %v)\n", err)
			}
		} else {
			fmt.Println("  (no token)")
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		// Live status.
		fmt.Println()
		fmt.Println("Live status:")

		client := parley.NewClient(cfg.Auth.Token, clientOptions(cfg)...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Account.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  Username:      %s\n", me.Username)
		fmt.Printf("  Display Name:  %s\n", me.DisplayName)
		fmt.Printf("  Status:        %s\n", me.Status)

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)

		prefs, err := client.Prefs.Get(ctx)
		if err != nil {
			fmt.Printf("  Error fetching prefs: %v\n", err)
			return nil
		}
		fmt.Printf("  Notifications: %s\n", onOff(prefs.PushEnabled))
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 16 {
		if len(key) <= 8 {
			return "****"
		}
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
