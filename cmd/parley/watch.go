package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	parley "github.com/parley-im/parley-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Stream a conversation live",
	Long: "Open a conversation and stream it live: incoming messages, typing\n" +
		"indicators, presence, and unread counts for the other conversations.\n" +
		"Lines typed on stdin are sent as messages. Without an argument the most\n" +
		"recently active conversation is opened.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		log := newLogger()

		userID := currentUserID(cfg)
		if userID == "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			me, err := client.Account.Me(ctx)
			cancel()
			if err != nil {
				return fmt.Errorf("cannot resolve own identity: %w", err)
			}
			userID = me.ID
		}

		var snapshots parley.SnapshotStore
		if cfg.Redis.Addr != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			rs, err := parley.DialRedisSnapshots(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("redis unavailable, continuing without snapshot cache")
			} else {
				snapshots = rs
				defer rs.Close()
			}
		}

		var engine *parley.SyncEngine
		engine, err := parley.NewSyncEngine(parley.SyncConfig{
			API:           client.SyncAPI(),
			Stream:        client.Realtime.New(nil),
			CurrentUserID: userID,
			Snapshots:     snapshots,
			Logger:        &log,
			Callbacks: parley.Callbacks{
				OnMessage: func(conversationID string, m parley.Message) {
					tag := ""
					if m.Provisional() {
						tag = " (sending...)"
					}
					printLive(m, userID, tag)
				},
				OnMessageRemoved: func(conversationID, messageID string) {
					fmt.Println("· send failed, message removed")
				},
				OnHistoryLoaded: func(conversationID string, count int) {
					fmt.Printf("· loaded %d messages\n", count)
				},
				OnMessageRead: func(conversationID, messageID string) {
					fmt.Println("· seen")
				},
				OnConversationUpdated: func(c parley.Conversation) {
					if c.ID == engine.ActiveConversation() {
						return
					}
					name := c.PeerName
					if name == "" {
						name = c.PeerID
					}
					fmt.Printf("· [%s] %s\n", name, c.LastMessage)
				},
				OnTyping: func(conversationID string, typing bool) {
					if typing {
						fmt.Println("· typing...")
					}
				},
				OnPresence: func(peerID string, online bool) {
					if online {
						fmt.Printf("· %s is online\n", peerID)
					} else {
						fmt.Printf("· %s went offline\n", peerID)
					}
				},
				OnUnreadChanged: func(conversationID string, count, total int) {
					if count > 0 {
						fmt.Printf("· %s: %d unread (%d total)\n", conversationID, count, total)
					}
				},
				OnConnectionState: func(s parley.RealtimeState) {
					fmt.Printf("· connection: %s\n", s)
				},
				OnAuthError: func() {
					fmt.Fprintln(os.Stderr, "Session rejected. Run 'parley init <token>' with a fresh token.")
				},
			},
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := engine.Start(ctx); err != nil {
			return err
		}
		defer engine.Close()

		conversationID := ""
		if len(args) == 1 {
			conversationID = args[0]
		} else if list := engine.ConversationList(); len(list) > 0 {
			conversationID = list[0].ID
		}
		if conversationID == "" {
			fmt.Println("No conversations yet; waiting for incoming messages.")
		} else {
			if err := engine.SwitchConversation(ctx, conversationID); err != nil {
				return err
			}
			for _, m := range engine.Messages(conversationID) {
				printMessage(m, userID)
			}
			fmt.Printf("-- watching %s (Ctrl-C to quit) --\n", conversationID)
		}

		go func() {
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				text := sc.Text()
				if strings.TrimSpace(text) == "" {
					continue
				}
				if err := engine.SendText(ctx, text); err != nil {
					fmt.Fprintf(os.Stderr, "send: %v\n", err)
				}
			}
		}()

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

func printLive(m parley.Message, me, tag string) {
	sender := m.SenderID
	if sender == me {
		sender = "me"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Format("15:04:05"), sender, m.Summary(), tag)
}
