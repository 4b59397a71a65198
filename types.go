package parley

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// MessageKind discriminates the message payload. Exactly one of Content,
// Media, or File is populated, matching the kind.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageMedia MessageKind = "media"
	MessageFile  MessageKind = "file"
)

// provisionalPrefix namespaces locally minted message IDs so they can never
// collide with server-assigned identities.
const provisionalPrefix = "local-"

// MediaRef points at an uploaded image or similar inline media.
type MediaRef struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// FileRef points at an uploaded file attachment.
type FileRef struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single conversation entry. Messages are immutable once
// confirmed; only the read state changes in place. Provisional (not yet
// server-confirmed) messages carry a "local-" ID and a ClientKey.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	ReceiverID     string      `json:"receiverId,omitempty"`
	Kind           MessageKind `json:"kind"`
	Content        string      `json:"content,omitempty"`
	Media          *MediaRef   `json:"media,omitempty"`
	File           *FileRef    `json:"file,omitempty"`
	ClientKey      string      `json:"clientKey,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Read           bool        `json:"read,omitempty"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
}

// Provisional reports whether the message still carries a locally minted ID.
func (m Message) Provisional() bool {
	return strings.HasPrefix(m.ID, provisionalPrefix)
}

// Summary returns the short preview text used in conversation lists.
func (m Message) Summary() string {
	switch m.Kind {
	case MessageMedia:
		return "[image]"
	case MessageFile:
		if m.File != nil && m.File.Name != "" {
			return "[file] " + m.File.Name
		}
		return "[file]"
	default:
		return m.Content
	}
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is the denormalized list entry for a one-to-one conversation.
type Conversation struct {
	ID           string    `json:"id"`
	PeerID       string    `json:"peerId"`
	PeerName     string    `json:"peerName,omitempty"`
	PeerOnline   bool      `json:"peerOnline,omitempty"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	UnreadCount  int       `json:"unreadCount,omitempty"`
}

// ============================================================================
// Account
// ============================================================================

// User identifies an account on the messaging service.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Status      string `json:"status,omitempty"`
}

// NotificationPrefs are the per-account notification flags.
type NotificationPrefs struct {
	PushEnabled          bool `json:"pushEnabled"`
	MessageNotifications bool `json:"messageNotifications"`
	EmailNotifications   bool `json:"emailNotifications"`
	SoundEnabled         bool `json:"soundEnabled"`
}

// DefaultNotificationPrefs returns the local fallback used when the server
// does not implement the preferences endpoint.
func DefaultNotificationPrefs() NotificationPrefs {
	return NotificationPrefs{
		PushEnabled:          true,
		MessageNotifications: true,
		EmailNotifications:   true,
		SoundEnabled:         true,
	}
}

// ============================================================================
// Event Payloads
// ============================================================================

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ReadReceipt is the payload of a message-read event. ReadAt is nil when the
// server did not stamp the event; consumers fall back to local time.
type ReadReceipt struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId,omitempty"`
	ReaderID       string     `json:"readerId,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// TypingSignal is the payload of user-typing and user-stopped-typing events.
type TypingSignal struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// StatusChange is the payload of a user-status-changed event.
type StatusChange struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Online reports whether the change marks the user as online.
func (s StatusChange) Online() bool {
	return s.Status == StatusOnline
}
