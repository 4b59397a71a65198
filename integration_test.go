//go:build integration

package parley_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	parley "github.com/parley-im/parley-go"
)

// These tests run against a live server. Provide PARLEY_TOKEN_TEST (required)
// and optionally PARLEY_BASE_URL_TEST (defaults to production) and
// PARLEY_PEER_TEST (restricts send tests to the conversation with that peer,
// so nobody else receives integration noise).

// helpers ---------------------------------------------------------------

func integrationToken(t *testing.T) string {
	t.Helper()
	token := os.Getenv("PARLEY_TOKEN_TEST")
	if token == "" {
		t.Fatal("PARLEY_TOKEN_TEST environment variable is required")
	}
	return token
}

func integrationBaseURL() string {
	if v := os.Getenv("PARLEY_BASE_URL_TEST"); v != "" {
		return v
	}
	return "" // empty means use default (production)
}

func newIntegrationClient(t *testing.T) *parley.Client {
	t.Helper()
	if base := integrationBaseURL(); base != "" {
		return parley.NewClient(integrationToken(t), parley.WithBaseURL(base))
	}
	return parley.NewClient(integrationToken(t), parley.WithEnvironment(parley.Production))
}

func uniqueContent(prefix string) string {
	return fmt.Sprintf("%s %d", prefix, time.Now().UnixNano())
}

// pickConversation returns the conversation integration sends may write to.
// With PARLEY_PEER_TEST set, only the conversation with that peer qualifies;
// otherwise the most recently active one is used.
func pickConversation(convs []parley.Conversation) *parley.Conversation {
	peer := os.Getenv("PARLEY_PEER_TEST")
	for i := range convs {
		if peer == "" || convs[i].PeerID == peer || convs[i].PeerName == peer {
			return &convs[i]
		}
	}
	return nil
}

// tinyPNG is a valid 1x1 transparent PNG, small enough to upload anywhere.
var tinyPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

// =======================================================================
// Group 1: Account
// =======================================================================

func TestIntegration_Account_Me(t *testing.T) {
	client := newIntegrationClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	me, err := client.Account.Me(ctx)
	if err != nil {
		t.Fatalf("Me returned error: %v", err)
	}
	if me.ID == "" {
		t.Fatal("expected non-empty user ID")
	}
	t.Logf("Me: id=%s username=%s status=%s", me.ID, me.Username, me.Status)
}

func TestIntegration_Account_IdentityFromToken(t *testing.T) {
	client := newIntegrationClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := parley.IdentityFromToken(client.Token())
	if err != nil {
		// Opaque (non-JWT) tokens are valid credentials without claims.
		t.Logf("IdentityFromToken not available for this token (non-fatal): %v", err)
		return
	}
	me, err := client.Account.Me(ctx)
	if err != nil {
		t.Fatalf("Me returned error: %v", err)
	}
	if id.UserID != me.ID {
		t.Errorf("token identity %q does not match account %q", id.UserID, me.ID)
	}
	t.Logf("IdentityFromToken: userId=%s username=%s", id.UserID, id.Username)
}

// =======================================================================
// Group 2: Conversations & Messages
// =======================================================================

func TestIntegration_Messaging_FullLifecycle(t *testing.T) {
	client := newIntegrationClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	me, err := client.Account.Me(ctx)
	if err != nil {
		t.Fatalf("Me returned error: %v", err)
	}

	// ---------------------------------------------------------------
	// 2.1  Conversation list
	// ---------------------------------------------------------------
	var conv *parley.Conversation

	t.Run("Conversations_List", func(t *testing.T) {
		convs, err := client.Conversations.List(ctx)
		if err != nil {
			t.Fatalf("Conversations.List error: %v", err)
		}
		t.Logf("Conversations.List: count=%d", len(convs))
		conv = pickConversation(convs)
		if conv != nil {
			t.Logf("using conversation id=%s peer=%s unread=%d",
				conv.ID, conv.PeerName, conv.UnreadCount)
		}
	})

	if conv == nil {
		t.Skip("no conversation available for messaging tests (set PARLEY_PEER_TEST or start one)")
	}

	// ---------------------------------------------------------------
	// 2.2  History
	// ---------------------------------------------------------------
	t.Run("Messages_List", func(t *testing.T) {
		msgs, err := client.Messages.List(ctx, conv.ID, &parley.PageOptions{Limit: 25})
		if err != nil {
			t.Fatalf("Messages.List error: %v", err)
		}
		t.Logf("Messages.List: count=%d", len(msgs))
		for i := 1; i < len(msgs); i++ {
			if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
				t.Errorf("history out of order at index %d", i)
			}
		}
	})

	// ---------------------------------------------------------------
	// 2.3  Send text with an idempotency key
	// ---------------------------------------------------------------
	var sentID string

	t.Run("Messages_SendText", func(t *testing.T) {
		content := uniqueContent("go integration text")
		key := fmt.Sprintf("go-int-%d", time.Now().UnixNano())
		msg, err := client.Messages.SendText(ctx, conv.ID, conv.PeerID, content, key)
		if err != nil {
			t.Fatalf("SendText error: %v", err)
		}
		if msg.ID == "" {
			t.Fatal("expected non-empty message ID")
		}
		if msg.Content != content {
			t.Errorf("expected content %q, got %q", content, msg.Content)
		}
		if msg.ClientKey != key {
			t.Logf("server did not echo clientKey (non-fatal): got %q", msg.ClientKey)
		}
		sentID = msg.ID
		t.Logf("SendText: id=%s clientKey=%s", msg.ID, msg.ClientKey)
	})

	// ---------------------------------------------------------------
	// 2.4  Send image
	// ---------------------------------------------------------------
	t.Run("Messages_SendImage", func(t *testing.T) {
		msg, err := client.Messages.SendImage(ctx, conv.ID, conv.PeerID, tinyPNG, "integration.png", "")
		if err != nil {
			t.Logf("SendImage error (server may restrict uploads, non-fatal): %v", err)
			return
		}
		if msg.Kind != parley.MessageMedia {
			t.Errorf("expected kind=%s, got %s", parley.MessageMedia, msg.Kind)
		}
		mediaURL := ""
		if msg.Media != nil {
			mediaURL = msg.Media.URL
		}
		t.Logf("SendImage: id=%s media=%s", msg.ID, mediaURL)
	})

	// ---------------------------------------------------------------
	// 2.5  Mark an inbound message read
	// ---------------------------------------------------------------
	t.Run("Messages_MarkRead", func(t *testing.T) {
		msgs, err := client.Messages.List(ctx, conv.ID, nil)
		if err != nil {
			t.Fatalf("Messages.List error: %v", err)
		}
		var target string
		for _, m := range msgs {
			if m.ReceiverID == me.ID && !m.Read {
				target = m.ID
				break
			}
		}
		if target == "" {
			t.Skip("no unread inbound message to mark")
		}
		if err := client.Messages.MarkRead(ctx, target); err != nil {
			t.Fatalf("MarkRead error: %v", err)
		}
		t.Logf("MarkRead: id=%s", target)
	})

	// ---------------------------------------------------------------
	// 2.6  Notification preferences
	// ---------------------------------------------------------------
	t.Run("Prefs_RoundTrip", func(t *testing.T) {
		prefs, err := client.Prefs.Get(ctx)
		if err != nil {
			t.Fatalf("Prefs.Get error: %v", err)
		}
		t.Logf("Prefs.Get: push=%v sound=%v email=%v",
			prefs.PushEnabled, prefs.SoundEnabled, prefs.EmailNotifications)

		if err := client.Prefs.Update(ctx, prefs); err != nil {
			if errors.Is(err, parley.ErrPrefsUnsupported) {
				t.Log("Prefs.Update not supported by this server")
				return
			}
			t.Fatalf("Prefs.Update error: %v", err)
		}
		t.Log("Prefs.Update: ok")
	})

	_ = sentID
}

// =======================================================================
// Group 3: Realtime WebSocket
// =======================================================================

func TestIntegration_Realtime_WebSocket(t *testing.T) {
	client := newIntegrationClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	ws := client.Realtime.New(&parley.RealtimeConfig{
		Token:             client.Token(),
		DisableReconnect:  true,
		HeartbeatInterval: 60 * time.Second,
	})

	states := make(chan parley.RealtimeState, 8)
	ws.OnStateChange(func(s parley.RealtimeState) {
		select {
		case states <- s:
		default:
		}
	})

	if err := ws.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if got := ws.State(); got != parley.StateConnected {
		t.Fatalf("expected state %s, got %s", parley.StateConnected, got)
	}
	t.Logf("Connect: url=%s", client.Realtime.URL())

	// Ping may time out on servers without ping/pong support.
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	pong, err := ws.Ping(pingCtx)
	pingCancel()
	if err != nil {
		t.Logf("Ping error (non-fatal): %v", err)
	} else {
		t.Logf("Ping: requestId=%s", pong.RequestID)
	}

	convs, err := client.Conversations.List(ctx)
	if err != nil {
		t.Fatalf("Conversations.List error: %v", err)
	}
	if conv := pickConversation(convs); conv != nil {
		if err := ws.JoinConversation(ctx, conv.ID); err != nil {
			t.Fatalf("JoinConversation error: %v", err)
		}
		if err := ws.TypingStart(ctx, conv.ID); err != nil {
			t.Fatalf("TypingStart error: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
		if err := ws.TypingStop(ctx, conv.ID); err != nil {
			t.Fatalf("TypingStop error: %v", err)
		}
		if err := ws.LeaveConversation(ctx, conv.ID); err != nil {
			t.Fatalf("LeaveConversation error: %v", err)
		}
		t.Logf("room lifecycle ok: conv=%s", conv.ID)
	}

	if err := ws.Disconnect(); err != nil {
		t.Logf("Disconnect error: %v", err)
	}
	if got := ws.State(); got != parley.StateDisconnected {
		t.Errorf("expected state %s, got %s", parley.StateDisconnected, got)
	}

	drained := 0
	for {
		select {
		case s := <-states:
			drained++
			t.Logf("state change %d: %s", drained, s)
			continue
		default:
		}
		break
	}
	if drained == 0 {
		t.Error("expected at least one state change notification")
	}
}

// =======================================================================
// Group 4: Sync engine against the live API
// =======================================================================

func TestIntegration_SyncEngine(t *testing.T) {
	client := newIntegrationClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	me, err := client.Account.Me(ctx)
	if err != nil {
		t.Fatalf("Me returned error: %v", err)
	}

	var (
		histCh   = make(chan int, 1)
		unreadCh = make(chan int, 8)
	)
	engine, err := parley.NewSyncEngine(parley.SyncConfig{
		API:           client.SyncAPI(),
		Stream:        client.Realtime.New(&parley.RealtimeConfig{Token: client.Token()}),
		CurrentUserID: me.ID,
		Callbacks: parley.Callbacks{
			OnHistoryLoaded: func(conversationID string, count int) {
				select {
				case histCh <- count:
				default:
				}
			},
			OnUnreadChanged: func(conversationID string, count, total int) {
				select {
				case unreadCh <- total:
				default:
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("NewSyncEngine error: %v", err)
	}
	defer engine.Close()

	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	convs := engine.ConversationList()
	t.Logf("Start: conversations=%d totalUnread=%d", len(convs), engine.TotalUnread())

	conv := pickConversation(convs)
	if conv == nil {
		t.Skip("no conversation available for engine tests")
	}

	if err := engine.SwitchConversation(ctx, conv.ID); err != nil {
		t.Fatalf("SwitchConversation error: %v", err)
	}
	if got := engine.ActiveConversation(); got != conv.ID {
		t.Fatalf("expected active conversation %s, got %s", conv.ID, got)
	}
	select {
	case count := <-histCh:
		t.Logf("history loaded: count=%d engineView=%d", count, len(engine.Messages(conv.ID)))
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for history")
	}

	if os.Getenv("PARLEY_PEER_TEST") != "" {
		content := uniqueContent("go integration engine send")
		if err := engine.SendText(ctx, content); err != nil {
			t.Fatalf("SendText error: %v", err)
		}
		msgs := engine.Messages(conv.ID)
		if len(msgs) == 0 || msgs[len(msgs)-1].Content != content {
			t.Errorf("expected confirmed send at end of log")
		} else if msgs[len(msgs)-1].Provisional() {
			t.Error("send confirmed but message still provisional")
		}
		t.Logf("engine send confirmed: id=%s", msgs[len(msgs)-1].ID)
	}

	if err := engine.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}
