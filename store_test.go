package parley

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// ============================================================================
// Test helpers
// ============================================================================

var storeBase = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func textMsg(id, conv, sender, content string) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Kind:           MessageText,
		Content:        content,
		CreatedAt:      storeBase,
	}
}

func logIDs(s *MessageStore, conv string) []string {
	msgs := s.Messages(conv)
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// ============================================================================
// NewProvisionalID
// ============================================================================

func TestNewProvisionalID(t *testing.T) {
	a := NewProvisionalID()
	b := NewProvisionalID()
	if !strings.HasPrefix(a, "local-") {
		t.Fatalf("expected local- prefix, got %s", a)
	}
	if a == b {
		t.Fatal("expected unique IDs")
	}
	if !(Message{ID: a}).Provisional() {
		t.Fatal("expected Provisional() true for minted ID")
	}
	if (Message{ID: "srv-1"}).Provisional() {
		t.Fatal("expected Provisional() false for server ID")
	}
}

// ============================================================================
// Load / Messages
// ============================================================================

func TestStoreLoad(t *testing.T) {
	t.Run("preserves order", func(t *testing.T) {
		s := NewMessageStore()
		s.Load("c1", []Message{
			textMsg("m1", "c1", "alice", "one"),
			textMsg("m2", "c1", "bob", "two"),
			textMsg("m3", "c1", "alice", "three"),
		})

		if diff := cmp.Diff([]string{"m1", "m2", "m3"}, logIDs(s, "c1")); diff != "" {
			t.Fatalf("log order mismatch (-want +got):\n%s", diff)
		}
		if s.Len("c1") != 3 {
			t.Fatalf("expected len 3, got %d", s.Len("c1"))
		}
	})

	t.Run("replaces previous log", func(t *testing.T) {
		s := NewMessageStore()
		s.Load("c1", []Message{textMsg("old-1", "c1", "alice", "old")})
		s.Load("c1", []Message{textMsg("new-1", "c1", "alice", "new")})

		if diff := cmp.Diff([]string{"new-1"}, logIDs(s, "c1")); diff != "" {
			t.Fatalf("log mismatch (-want +got):\n%s", diff)
		}
		// The replaced entry's ID must be forgotten along with the log.
		if s.MarkRead("old-1", time.Now()) {
			t.Fatal("expected old-1 to be unknown after reload")
		}
	})

	t.Run("discards pending provisionals", func(t *testing.T) {
		s := NewMessageStore()
		p := textMsg(NewProvisionalID(), "c1", "me", "draft")
		s.InsertProvisional(p)
		s.Load("c1", []Message{textMsg("m1", "c1", "alice", "hi")})

		if diff := cmp.Diff([]string{"m1"}, logIDs(s, "c1")); diff != "" {
			t.Fatalf("log mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("returned slice is a copy", func(t *testing.T) {
		s := NewMessageStore()
		s.Load("c1", []Message{textMsg("m1", "c1", "alice", "hi")})
		got := s.Messages("c1")
		got[0].Content = "mutated"
		if s.Messages("c1")[0].Content != "hi" {
			t.Fatal("store log was mutated through the returned slice")
		}
	})
}

// ============================================================================
// Provisional lifecycle
// ============================================================================

func TestStoreConfirm(t *testing.T) {
	t.Run("replaces in place", func(t *testing.T) {
		s := NewMessageStore()
		s.Load("c1", []Message{textMsg("m1", "c1", "alice", "hi")})

		p := textMsg(NewProvisionalID(), "c1", "me", "hello")
		p.ClientKey = "ck-1"
		s.InsertProvisional(p)
		s.Load("c2", []Message{textMsg("x1", "c2", "bob", "other room")})

		server := textMsg("srv-9", "c1", "me", "hello")
		server.ClientKey = "ck-1"
		server.CreatedAt = storeBase.Add(2 * time.Second)

		if !s.Confirm(p.ID, server) {
			t.Fatal("expected in-place confirm")
		}
		if diff := cmp.Diff([]string{"m1", "srv-9"}, logIDs(s, "c1")); diff != "" {
			t.Fatalf("log mismatch (-want +got):\n%s", diff)
		}
		// The temp ID is gone, the server ID answers lookups now.
		if s.MarkRead(p.ID, time.Now()) {
			t.Fatal("temp ID should be unknown after confirm")
		}
		if !s.MarkRead("srv-9", time.Now()) {
			t.Fatal("server ID should be known after confirm")
		}
	})

	t.Run("keeps position among later arrivals", func(t *testing.T) {
		s := NewMessageStore()
		p := textMsg(NewProvisionalID(), "c1", "me", "mine")
		s.InsertProvisional(p)
		s.ApplyInbound(textMsg("m2", "c1", "alice", "theirs"))

		if !s.Confirm(p.ID, textMsg("srv-1", "c1", "me", "mine")) {
			t.Fatal("expected confirm")
		}
		if diff := cmp.Diff([]string{"srv-1", "m2"}, logIDs(s, "c1")); diff != "" {
			t.Fatalf("confirmed message moved (-want +got):\n%s", diff)
		}
	})

	t.Run("absorbed when echo raced ahead", func(t *testing.T) {
		s := NewMessageStore()
		p := textMsg(NewProvisionalID(), "c1", "me", "hello")
		p.ClientKey = "ck-1"
		s.InsertProvisional(p)

		// The event stream delivers the server echo before the send
		// response returns.
		echo := textMsg("srv-1", "c1", "me", "hello")
		echo.ClientKey = "ck-1"
		if got := s.ApplyInbound(echo); got != ApplyReplacedProvisional {
			t.Fatalf("expected replaced-provisional, got %s", got)
		}

		if !s.Confirm(p.ID, echo) {
			t.Fatal("expected confirm to absorb the echo")
		}
		if diff := cmp.Diff([]string{"srv-1"}, logIDs(s, "c1")); diff != "" {
			t.Fatalf("expected single message (-want +got):\n%s", diff)
		}
	})

	t.Run("appends when nothing matches", func(t *testing.T) {
		s := NewMessageStore()
		if s.Confirm("local-gone", textMsg("srv-1", "c1", "me", "hello")) {
			t.Fatal("expected append path")
		}
		if diff := cmp.Diff([]string{"srv-1"}, logIDs(s, "c1")); diff != "" {
			t.Fatalf("log mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStoreRemoveProvisional(t *testing.T) {
	s := NewMessageStore()
	s.Load("c1", []Message{textMsg("m1", "c1", "alice", "hi")})
	p := textMsg(NewProvisionalID(), "c1", "me", "oops")
	s.InsertProvisional(p)
	s.ApplyInbound(textMsg("m2", "c1", "alice", "more"))

	removed, ok := s.RemoveProvisional(p.ID)
	if !ok {
		t.Fatal("expected removal")
	}
	if removed.Content != "oops" {
		t.Fatalf("unexpected removed message: %+v", removed)
	}
	if diff := cmp.Diff([]string{"m1", "m2"}, logIDs(s, "c1")); diff != "" {
		t.Fatalf("log mismatch (-want +got):\n%s", diff)
	}

	if _, ok := s.RemoveProvisional(p.ID); ok {
		t.Fatal("second removal should be a no-op")
	}
}

// ============================================================================
// ApplyInbound dedup
// ============================================================================

func TestStoreApplyInbound(t *testing.T) {
	t.Run("appends new messages in arrival order", func(t *testing.T) {
		s := NewMessageStore()
		if got := s.ApplyInbound(textMsg("m1", "c1", "alice", "one")); got != ApplyAppended {
			t.Fatalf("expected appended, got %s", got)
		}
		s.ApplyInbound(textMsg("m2", "c1", "alice", "two"))
		if diff := cmp.Diff([]string{"m1", "m2"}, logIDs(s, "c1")); diff != "" {
			t.Fatalf("log mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("identity duplicate absorbed", func(t *testing.T) {
		s := NewMessageStore()
		m := textMsg("m1", "c1", "alice", "hi")
		s.ApplyInbound(m)
		if got := s.ApplyInbound(m); got != ApplyDuplicate {
			t.Fatalf("expected duplicate, got %s", got)
		}
		if s.Len("c1") != 1 {
			t.Fatalf("expected len 1, got %d", s.Len("c1"))
		}
	})

	t.Run("client key matches provisional", func(t *testing.T) {
		s := NewMessageStore()
		p := textMsg(NewProvisionalID(), "c1", "me", "hello")
		p.ClientKey = "ck-7"
		s.InsertProvisional(p)

		echo := textMsg("srv-1", "c1", "me", "edited server side")
		echo.ClientKey = "ck-7"
		if got := s.ApplyInbound(echo); got != ApplyReplacedProvisional {
			t.Fatalf("expected replaced-provisional, got %s", got)
		}
		if diff := cmp.Diff([]string{"srv-1"}, logIDs(s, "c1")); diff != "" {
			t.Fatalf("log mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("fingerprint matches within window", func(t *testing.T) {
		s := NewMessageStore()
		p := textMsg(NewProvisionalID(), "c1", "me", "hello")
		s.InsertProvisional(p)

		echo := textMsg("srv-1", "c1", "me", "hello")
		echo.CreatedAt = storeBase.Add(29 * time.Second)
		if got := s.ApplyInbound(echo); got != ApplyReplacedProvisional {
			t.Fatalf("expected replaced-provisional, got %s", got)
		}
	})

	t.Run("fingerprint outside window appends", func(t *testing.T) {
		s := NewMessageStore()
		p := textMsg(NewProvisionalID(), "c1", "me", "hello")
		s.InsertProvisional(p)

		late := textMsg("srv-1", "c1", "me", "hello")
		late.CreatedAt = storeBase.Add(31 * time.Second)
		if got := s.ApplyInbound(late); got != ApplyAppended {
			t.Fatalf("expected appended, got %s", got)
		}
		if s.Len("c1") != 2 {
			t.Fatalf("expected both entries, got %d", s.Len("c1"))
		}
	})

	t.Run("different content never matches fingerprint", func(t *testing.T) {
		s := NewMessageStore()
		s.InsertProvisional(textMsg(NewProvisionalID(), "c1", "me", "hello"))

		other := textMsg("srv-1", "c1", "me", "different")
		if got := s.ApplyInbound(other); got != ApplyAppended {
			t.Fatalf("expected appended, got %s", got)
		}
	})

	t.Run("confirmed entries are never replaced", func(t *testing.T) {
		s := NewMessageStore()
		s.Load("c1", []Message{textMsg("m1", "c1", "me", "hello")})

		twin := textMsg("m9", "c1", "me", "hello")
		if got := s.ApplyInbound(twin); got != ApplyAppended {
			t.Fatalf("expected appended, got %s", got)
		}
		if diff := cmp.Diff([]string{"m1", "m9"}, logIDs(s, "c1")); diff != "" {
			t.Fatalf("log mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("newest matching provisional wins", func(t *testing.T) {
		s := NewMessageStore()
		p1 := textMsg(NewProvisionalID(), "c1", "me", "hello")
		p2 := textMsg(NewProvisionalID(), "c1", "me", "hello")
		s.InsertProvisional(p1)
		s.InsertProvisional(p2)

		s.ApplyInbound(textMsg("srv-1", "c1", "me", "hello"))
		if diff := cmp.Diff([]string{p1.ID, "srv-1"}, logIDs(s, "c1")); diff != "" {
			t.Fatalf("expected newest provisional replaced (-want +got):\n%s", diff)
		}
	})
}

// ============================================================================
// MarkRead
// ============================================================================

func TestStoreMarkRead(t *testing.T) {
	s := NewMessageStore()
	s.Load("c1", []Message{textMsg("m1", "c1", "alice", "hi")})

	readAt := storeBase.Add(time.Minute)
	if !s.MarkRead("m1", readAt) {
		t.Fatal("expected mark read")
	}
	got := s.Messages("c1")[0]
	if !got.Read {
		t.Fatal("expected Read flag")
	}
	if got.ReadAt == nil || !got.ReadAt.Equal(readAt) {
		t.Fatalf("unexpected ReadAt: %v", got.ReadAt)
	}

	// Receipts can outlive the loaded window.
	if s.MarkRead("not-loaded", time.Now()) {
		t.Fatal("expected unknown ID to be ignored")
	}
}

func TestStoreConversations(t *testing.T) {
	s := NewMessageStore()
	s.Load("c2", []Message{textMsg("m1", "c2", "alice", "hi")})
	s.Load("c1", []Message{textMsg("m2", "c1", "bob", "yo")})

	if diff := cmp.Diff([]string{"c1", "c2"}, s.Conversations()); diff != "" {
		t.Fatalf("conversation IDs mismatch (-want +got):\n%s", diff)
	}
}
