package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	conversationsUnread bool
	conversationsJSON   bool
)

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	conversationsCmd.AddCommand(conversationsListCmd)
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Browse conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsUnread {
			filtered := conversations[:0]
			for _, c := range conversations {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			conversations = filtered
		}

		if conversationsJSON {
			b, _ := json.MarshalIndent(conversations, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range conversations {
			presence := ""
			if c.PeerOnline {
				presence = " [online]"
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("  %s: %s%s - %s%s\n", c.ID, c.PeerName, presence, c.LastMessage, unread)
		}
		return nil
	},
}
