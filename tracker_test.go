package parley

import (
	"testing"
	"time"
)

// ============================================================================
// Unread counts
// ============================================================================

func TestTrackerUnread(t *testing.T) {
	tr := NewTracker(0)

	if got := tr.Increment("c1"); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := tr.Increment("c1"); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	tr.Increment("c2")

	if tr.Unread("c1") != 2 || tr.Unread("c2") != 1 {
		t.Fatalf("unexpected counts: %v", tr.UnreadCounts())
	}
	if tr.TotalUnread() != 3 {
		t.Fatalf("expected total 3, got %d", tr.TotalUnread())
	}

	tr.Reset("c1")
	if tr.Unread("c1") != 0 {
		t.Fatal("expected c1 reset")
	}
	if tr.TotalUnread() != 1 {
		t.Fatalf("expected total 1 after reset, got %d", tr.TotalUnread())
	}

	// Resetting an unknown conversation leaves the total alone.
	tr.Reset("c9")
	if tr.TotalUnread() != 1 {
		t.Fatalf("expected total 1, got %d", tr.TotalUnread())
	}
}

func TestTrackerSetUnread(t *testing.T) {
	tr := NewTracker(0)
	tr.SetUnread("c1", 4)
	tr.SetUnread("c2", 2)
	if tr.TotalUnread() != 6 {
		t.Fatalf("expected total 6, got %d", tr.TotalUnread())
	}

	tr.SetUnread("c1", 1)
	if tr.TotalUnread() != 3 {
		t.Fatalf("expected total 3 after overwrite, got %d", tr.TotalUnread())
	}

	tr.SetUnread("c2", 0)
	if tr.Unread("c2") != 0 {
		t.Fatal("expected c2 cleared")
	}
	if tr.TotalUnread() != 1 {
		t.Fatalf("expected total 1, got %d", tr.TotalUnread())
	}
	if _, ok := tr.UnreadCounts()["c2"]; ok {
		t.Fatal("zero counts should not appear in UnreadCounts")
	}
}

// TestTrackerTotalInvariant drives a mixed sequence and checks that the total
// always equals the sum of the per-conversation counts.
func TestTrackerTotalInvariant(t *testing.T) {
	tr := NewTracker(0)
	check := func(step string) {
		t.Helper()
		sum := 0
		for _, n := range tr.UnreadCounts() {
			sum += n
		}
		if got := tr.TotalUnread(); got != sum {
			t.Fatalf("%s: total %d != sum %d", step, got, sum)
		}
	}

	tr.Increment("a")
	check("increment a")
	tr.SetUnread("b", 5)
	check("seed b")
	tr.Increment("b")
	check("increment b")
	tr.SetUnread("a", 3)
	check("overwrite a")
	tr.Reset("b")
	check("reset b")
	tr.SetUnread("a", 0)
	check("clear a")
}

// ============================================================================
// Presence
// ============================================================================

func TestTrackerPresence(t *testing.T) {
	tr := NewTracker(0)
	if tr.Online("alice") {
		t.Fatal("expected offline by default")
	}
	tr.SetOnline("alice", true)
	if !tr.Online("alice") {
		t.Fatal("expected online")
	}
	tr.SetOnline("alice", false)
	if tr.Online("alice") {
		t.Fatal("expected offline again")
	}
}

// ============================================================================
// Typing watchdog
// ============================================================================

func TestTrackerTypingExpiry(t *testing.T) {
	tr := NewTracker(30 * time.Millisecond)
	expired := make(chan string, 4)
	tr.OnTypingExpired(func(id string) { expired <- id })

	tr.SetTyping("c1")
	if !tr.Typing("c1") {
		t.Fatal("expected indicator lit")
	}

	select {
	case id := <-expired:
		if id != "c1" {
			t.Fatalf("expected c1, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog never fired")
	}
	if tr.Typing("c1") {
		t.Fatal("expected indicator cleared after expiry")
	}
}

func TestTrackerTypingRearm(t *testing.T) {
	tr := NewTracker(60 * time.Millisecond)
	expired := make(chan string, 4)
	tr.OnTypingExpired(func(id string) { expired <- id })

	// A fresh signal before the TTL elapses re-arms the countdown; only
	// one expiry fires in the end.
	tr.SetTyping("c1")
	time.Sleep(30 * time.Millisecond)
	tr.SetTyping("c1")
	time.Sleep(30 * time.Millisecond)
	if !tr.Typing("c1") {
		t.Fatal("expected indicator still lit after re-arm")
	}

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("watchdog never fired")
	}

	select {
	case id := <-expired:
		t.Fatalf("unexpected second expiry for %s", id)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestTrackerClearTyping(t *testing.T) {
	tr := NewTracker(30 * time.Millisecond)
	expired := make(chan string, 4)
	tr.OnTypingExpired(func(id string) { expired <- id })

	tr.SetTyping("c1")
	tr.ClearTyping("c1")
	if tr.Typing("c1") {
		t.Fatal("expected indicator cleared")
	}

	// An explicit stop cancels the watchdog; no expiry callback follows.
	select {
	case id := <-expired:
		t.Fatalf("unexpected expiry for %s", id)
	case <-time.After(150 * time.Millisecond):
	}

	// Clearing an unlit indicator is a no-op.
	tr.ClearTyping("c9")
}

func TestTrackerStop(t *testing.T) {
	tr := NewTracker(30 * time.Millisecond)
	expired := make(chan string, 4)
	tr.OnTypingExpired(func(id string) { expired <- id })

	tr.SetTyping("c1")
	tr.SetTyping("c2")
	tr.Increment("c1")
	tr.Stop()

	if tr.Typing("c1") || tr.Typing("c2") {
		t.Fatal("expected all indicators cleared")
	}
	select {
	case id := <-expired:
		t.Fatalf("unexpected expiry for %s after stop", id)
	case <-time.After(150 * time.Millisecond):
	}

	// Counts survive a stop.
	if tr.TotalUnread() != 1 {
		t.Fatalf("expected counts intact, got %d", tr.TotalUnread())
	}
}
