package parley

import (
	"sync"
	"time"
)

// ============================================================================
// Conversation State Tracker
// ============================================================================

// DefaultTypingTTL is how long a typing indicator stays lit without a fresh
// signal before the watchdog clears it. Covers a missed stop event from a
// peer who closed their app mid-keystroke.
const DefaultTypingTTL = 2500 * time.Millisecond

// Tracker maintains per-conversation unread counts, peer presence, and
// typing indicators. It holds no message data; the counts move only through
// Increment and Reset so the total always equals the sum of the
// per-conversation values.
type Tracker struct {
	mu        sync.Mutex
	unread    map[string]int
	total     int
	online    map[string]bool
	typing    map[string]typingWatch
	typingGen uint64
	typingTTL time.Duration
	onExpired func(conversationID string)
}

// typingWatch pairs a watchdog timer with its generation so a stale timer
// callback, already fired but blocked on the lock while the indicator was
// re-armed, cannot clear the fresh one.
type typingWatch struct {
	timer *time.Timer
	gen   uint64
}

// NewTracker creates a tracker. A zero typingTTL selects DefaultTypingTTL.
func NewTracker(typingTTL time.Duration) *Tracker {
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	return &Tracker{
		unread:    make(map[string]int),
		online:    make(map[string]bool),
		typing:    make(map[string]typingWatch),
		typingTTL: typingTTL,
	}
}

// OnTypingExpired registers the callback invoked when a typing watchdog
// fires, replacing any previous callback.
func (t *Tracker) OnTypingExpired(h func(conversationID string)) {
	t.mu.Lock()
	t.onExpired = h
	t.mu.Unlock()
}

// ----------------------------------------------------------------------------
// Unread counts
// ----------------------------------------------------------------------------

// Increment adds one to the conversation's unread count and returns the new
// count.
func (t *Tracker) Increment(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unread[conversationID]++
	t.total++
	return t.unread[conversationID]
}

// Reset zeroes the conversation's unread count.
func (t *Tracker) Reset(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total -= t.unread[conversationID]
	delete(t.unread, conversationID)
}

// SetUnread overwrites the conversation's unread count, keeping the total in
// step. Used when seeding counts from a server-provided conversation list.
func (t *Tracker) SetUnread(conversationID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total += n - t.unread[conversationID]
	if n <= 0 {
		delete(t.unread, conversationID)
		return
	}
	t.unread[conversationID] = n
}

// Unread returns the conversation's unread count.
func (t *Tracker) Unread(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unread[conversationID]
}

// TotalUnread returns the unread count summed over all conversations.
func (t *Tracker) TotalUnread() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// UnreadCounts returns a copy of all nonzero unread counts.
func (t *Tracker) UnreadCounts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.unread))
	for id, n := range t.unread {
		out[id] = n
	}
	return out
}

// ----------------------------------------------------------------------------
// Presence
// ----------------------------------------------------------------------------

// SetOnline records a peer's presence.
func (t *Tracker) SetOnline(userID string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if online {
		t.online[userID] = true
	} else {
		delete(t.online, userID)
	}
}

// Online reports whether a peer is known to be online.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

// ----------------------------------------------------------------------------
// Typing indicators
// ----------------------------------------------------------------------------

// SetTyping lights the conversation's typing indicator and arms the
// watchdog. A repeat signal re-arms the countdown.
func (t *Tracker) SetTyping(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w, ok := t.typing[conversationID]; ok {
		w.timer.Stop()
	}
	t.typingGen++
	gen := t.typingGen
	timer := time.AfterFunc(t.typingTTL, func() {
		t.expireTyping(conversationID, gen)
	})
	t.typing[conversationID] = typingWatch{timer: timer, gen: gen}
}

// ClearTyping clears the conversation's typing indicator and cancels the
// watchdog. No-op when the indicator is not lit.
func (t *Tracker) ClearTyping(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w, ok := t.typing[conversationID]; ok {
		w.timer.Stop()
		delete(t.typing, conversationID)
	}
}

// Typing reports whether the conversation's typing indicator is lit.
func (t *Tracker) Typing(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[conversationID]
	return ok
}

func (t *Tracker) expireTyping(conversationID string, gen uint64) {
	t.mu.Lock()
	w, ok := t.typing[conversationID]
	if !ok || w.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.typing, conversationID)
	cb := t.onExpired
	t.mu.Unlock()

	if cb != nil {
		cb(conversationID)
	}
}

// Stop cancels all typing watchdogs. Counts and presence are left intact.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, w := range t.typing {
		w.timer.Stop()
		delete(t.typing, id)
	}
}
