package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	parley "github.com/parley-im/parley-go"
	"github.com/spf13/cobra"
)

var (
	messagesLimit int
	messagesJSON  bool

	sendJSON bool
)

func init() {
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Maximum number of messages to return")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sendImageCmd)
	rootCmd.AddCommand(readCmd)
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var opts *parley.PageOptions
		if messagesLimit > 0 {
			opts = &parley.PageOptions{Limit: messagesLimit}
		}

		messages, err := client.Messages.List(ctx, conversationID, opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			b, _ := json.MarshalIndent(messages, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		me := currentUserID(cfg)
		for _, m := range messages {
			printMessage(m, me)
		}
		return nil
	},
}

// printMessage renders one message line. Own messages show their read state.
func printMessage(m parley.Message, me string) {
	sender := m.SenderID
	if sender == me {
		sender = "me"
	}
	read := ""
	if m.SenderID == me && m.Read {
		read = " ✓"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Format("2006-01-02 15:04"), sender, m.Summary(), read)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, text := args[0], args[1]
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		receiverID, err := resolvePeer(ctx, client, conversationID)
		if err != nil {
			return err
		}

		msg, err := client.Messages.SendText(ctx, conversationID, receiverID, text, uuid.NewString())
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			b, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

// ============================================================================
// send-image
// ============================================================================

var sendImageCmd = &cobra.Command{
	Use:   "send-image <conversation-id> <path>",
	Short: "Send an image message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, path := args[0], args[1]
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}

		receiverID, err := resolvePeer(ctx, client, conversationID)
		if err != nil {
			return err
		}

		msg, err := client.Messages.SendImage(ctx, conversationID, receiverID, data, filepath.Base(path), uuid.NewString())
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}

		fmt.Printf("Image sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		if msg.Media != nil {
			fmt.Printf("  URL:        %s\n", msg.Media.URL)
		}
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <message-id>",
	Short: "Mark a message as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		messageID := args[0]
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Messages.MarkRead(ctx, messageID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Message %s marked as read.\n", messageID)
		return nil
	},
}

// resolvePeer finds the other participant of a conversation.
func resolvePeer(ctx context.Context, client *parley.Client, conversationID string) (string, error) {
	conversations, err := client.Conversations.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve conversation: %w", err)
	}
	for _, c := range conversations {
		if c.ID == conversationID {
			return c.PeerID, nil
		}
	}
	return "", fmt.Errorf("conversation %s not found", conversationID)
}
