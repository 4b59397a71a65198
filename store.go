package parley

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Message Store
// ============================================================================

// fingerprintWindow bounds how far apart a provisional insert and its server
// echo may be timestamped and still count as the same message.
const fingerprintWindow = 30 * time.Second

// NewProvisionalID mints a client-local message ID. Provisional IDs never
// collide with server IDs because of the prefix.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

// ApplyResult reports what ApplyInbound did with a message.
type ApplyResult int

const (
	// ApplyAppended means the message was new and appended to the log.
	ApplyAppended ApplyResult = iota
	// ApplyReplacedProvisional means the message was the server echo of a
	// pending send and replaced it in place.
	ApplyReplacedProvisional
	// ApplyDuplicate means the message ID was already present and the
	// event was absorbed.
	ApplyDuplicate
)

func (r ApplyResult) String() string {
	switch r {
	case ApplyAppended:
		return "appended"
	case ApplyReplacedProvisional:
		return "replaced-provisional"
	case ApplyDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// MessageStore keeps an ordered message log per conversation. Logs preserve
// insertion order, not timestamp order: a provisional message appended at the
// tail keeps its position when the server echo replaces it. All methods are
// safe for concurrent use.
type MessageStore struct {
	mu   sync.RWMutex
	logs map[string][]Message
	// index maps every known message ID, provisional IDs included, to its
	// conversation. It is the identity dedup check and the lookup path
	// for read receipts.
	index map[string]string
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		logs:  make(map[string][]Message),
		index: make(map[string]string),
	}
}

// Load replaces the conversation's log with the given history page. Any
// provisional entries from the previous log are discarded along with it.
func (s *MessageStore) Load(conversationID string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.logs[conversationID] {
		delete(s.index, m.ID)
	}

	log := make([]Message, len(msgs))
	copy(log, msgs)
	s.logs[conversationID] = log
	for _, m := range log {
		s.index[m.ID] = conversationID
	}
}

// InsertProvisional appends a locally created message at the tail of its
// conversation log. The caller assigns the ID via NewProvisionalID.
func (s *MessageStore) InsertProvisional(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[m.ConversationID] = append(s.logs[m.ConversationID], m)
	s.index[m.ID] = m.ConversationID
}

// Confirm swaps a provisional message for its server-confirmed form,
// preserving the log position. If the server echo already arrived over the
// event stream the provisional is gone; the confirm is then absorbed instead
// of appending a duplicate. Returns false only when the message had to be
// appended because nothing matched.
func (s *MessageStore) Confirm(tempID string, server Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Echo raced ahead of the send response: the server ID is already in
	// the log. Drop the provisional if it somehow still exists.
	if _, ok := s.index[server.ID]; ok {
		s.removeLocked(tempID)
		return true
	}

	if convID, ok := s.index[tempID]; ok {
		log := s.logs[convID]
		for i := range log {
			if log[i].ID == tempID {
				log[i] = server
				delete(s.index, tempID)
				s.index[server.ID] = server.ConversationID
				return true
			}
		}
	}

	if s.replaceMatchingProvisionalLocked(server) {
		return true
	}

	s.logs[server.ConversationID] = append(s.logs[server.ConversationID], server)
	s.index[server.ID] = server.ConversationID
	return false
}

// ApplyInbound folds an event-stream message into the log. Dedup runs in
// order: identity first, then provisional matching. Safe to call with the
// same event any number of times.
func (s *MessageStore) ApplyInbound(m Message) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[m.ID]; ok {
		return ApplyDuplicate
	}

	if s.replaceMatchingProvisionalLocked(m) {
		return ApplyReplacedProvisional
	}

	s.logs[m.ConversationID] = append(s.logs[m.ConversationID], m)
	s.index[m.ID] = m.ConversationID
	return ApplyAppended
}

// replaceMatchingProvisionalLocked scans the conversation's provisional
// entries newest-first for one that matches the incoming message by client
// key or by fingerprint, and replaces it in place.
func (s *MessageStore) replaceMatchingProvisionalLocked(m Message) bool {
	log := s.logs[m.ConversationID]
	for i := len(log) - 1; i >= 0; i-- {
		p := log[i]
		if !p.Provisional() {
			continue
		}
		if matchesProvisional(p, m) {
			delete(s.index, p.ID)
			log[i] = m
			s.index[m.ID] = m.ConversationID
			return true
		}
	}
	return false
}

func matchesProvisional(p, m Message) bool {
	if m.ClientKey != "" && p.ClientKey == m.ClientKey {
		return true
	}
	if p.SenderID != m.SenderID || p.Kind != m.Kind || p.Content != m.Content {
		return false
	}
	d := m.CreatedAt.Sub(p.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= fingerprintWindow
}

// MarkRead flags a message as read. Unknown IDs are ignored; the receipt may
// refer to a message outside the loaded window.
func (s *MessageStore) MarkRead(messageID string, readAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, ok := s.index[messageID]
	if !ok {
		return false
	}
	log := s.logs[convID]
	for i := range log {
		if log[i].ID == messageID {
			log[i].Read = true
			if !readAt.IsZero() {
				t := readAt
				log[i].ReadAt = &t
			}
			return true
		}
	}
	return false
}

// RemoveProvisional deletes a pending message from the log, returning it so
// the caller can restore the draft after a failed send.
func (s *MessageStore) RemoveProvisional(tempID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(tempID)
}

func (s *MessageStore) removeLocked(id string) (Message, bool) {
	convID, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	log := s.logs[convID]
	for i := range log {
		if log[i].ID == id {
			removed := log[i]
			s.logs[convID] = append(log[:i], log[i+1:]...)
			delete(s.index, id)
			return removed, true
		}
	}
	return Message{}, false
}

// Messages returns a copy of the conversation's log in insertion order.
func (s *MessageStore) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[conversationID]
	out := make([]Message, len(log))
	copy(out, log)
	return out
}

// Len returns the number of messages in the conversation's log.
func (s *MessageStore) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs[conversationID])
}

// Conversations returns the IDs of all conversations with a loaded log.
func (s *MessageStore) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.logs))
	for id := range s.logs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
