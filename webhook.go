package parley

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// ============================================================================
// Webhook Types
// ============================================================================

// Webhook event names delivered to registered endpoints.
const (
	WebhookMessageCreated    = "message.created"
	WebhookMessageRead       = "message.read"
	WebhookUserStatusChanged = "user.status_changed"
)

const webhookSignatureHeader = "X-Parley-Signature"

// WebhookEvent is the envelope POSTed to a webhook endpoint.
type WebhookEvent struct {
	Source    string          `json:"source"` // always "parley"
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Message decodes the payload of a message.created event.
func (e *WebhookEvent) Message() (*Message, error) {
	var m Message
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil, fmt.Errorf("decode message payload: %w", err)
	}
	if m.ID == "" || m.ConversationID == "" {
		return nil, fmt.Errorf("message payload missing id or conversationId")
	}
	return &m, nil
}

// ReadReceipt decodes the payload of a message.read event.
func (e *WebhookEvent) ReadReceipt() (*ReadReceipt, error) {
	var r ReadReceipt
	if err := json.Unmarshal(e.Data, &r); err != nil {
		return nil, fmt.Errorf("decode receipt payload: %w", err)
	}
	if r.MessageID == "" {
		return nil, fmt.Errorf("receipt payload missing messageId")
	}
	return &r, nil
}

// StatusChange decodes the payload of a user.status_changed event.
func (e *WebhookEvent) StatusChange() (*StatusChange, error) {
	var s StatusChange
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return nil, fmt.Errorf("decode status payload: %w", err)
	}
	if s.UserID == "" {
		return nil, fmt.Errorf("status payload missing userId")
	}
	return &s, nil
}

// WebhookReply is an optional bot reply to a message.created event. The
// server posts it back into the conversation.
type WebhookReply struct {
	Content string      `json:"content"`
	Kind    MessageKind `json:"kind,omitempty"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookEvent parses a raw webhook body into a typed envelope.
func ParseWebhookEvent(body string) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if event.Source != "parley" {
		return nil, fmt.Errorf("unknown webhook source: %s", event.Source)
	}
	if event.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook body")
	}
	return &event, nil
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook verifies, parses, and dispatches incoming webhook requests.
// Handlers are optional per event; events without a handler are acknowledged
// so the server does not retry them. Each On* replaces the previous handler.
type Webhook struct {
	secret string

	mu               sync.RWMutex
	onMessageCreated func(*Message) (*WebhookReply, error)
	onMessageRead    func(*ReadReceipt) error
	onStatusChanged  func(*StatusChange) error
}

// NewWebhook creates a webhook dispatcher with the shared signing secret.
func NewWebhook(secret string) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &Webhook{secret: secret}, nil
}

// OnMessageCreated registers the message.created handler. A non-nil reply is
// posted back into the conversation.
func (w *Webhook) OnMessageCreated(h func(*Message) (*WebhookReply, error)) {
	w.mu.Lock()
	w.onMessageCreated = h
	w.mu.Unlock()
}

// OnMessageRead registers the message.read handler.
func (w *Webhook) OnMessageRead(h func(*ReadReceipt) error) {
	w.mu.Lock()
	w.onMessageRead = h
	w.mu.Unlock()
}

// OnStatusChanged registers the user.status_changed handler.
func (w *Webhook) OnStatusChanged(h func(*StatusChange) error) {
	w.mu.Lock()
	w.onStatusChanged = h
	w.mu.Unlock()
}

// Verify verifies an HMAC-SHA256 signature.
func (w *Webhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed envelope.
func (w *Webhook) Parse(body string) (*WebhookEvent, error) {
	return ParseWebhookEvent(body)
}

// Handle processes a webhook request (verify + parse + dispatch). Returns
// the status code and response body for the caller to write.
func (w *Webhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}

	event, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.mu.RLock()
	onMessageCreated := w.onMessageCreated
	onMessageRead := w.onMessageRead
	onStatusChanged := w.onStatusChanged
	w.mu.RUnlock()

	switch event.Event {
	case WebhookMessageCreated:
		if onMessageCreated == nil {
			break
		}
		msg, err := event.Message()
		if err != nil {
			return http.StatusBadRequest, map[string]string{"error": err.Error()}
		}
		reply, err := onMessageCreated(msg)
		if err != nil {
			return http.StatusInternalServerError, map[string]string{"error": err.Error()}
		}
		if reply != nil {
			return http.StatusOK, reply
		}

	case WebhookMessageRead:
		if onMessageRead == nil {
			break
		}
		receipt, err := event.ReadReceipt()
		if err != nil {
			return http.StatusBadRequest, map[string]string{"error": err.Error()}
		}
		if err := onMessageRead(receipt); err != nil {
			return http.StatusInternalServerError, map[string]string{"error": err.Error()}
		}

	case WebhookUserStatusChanged:
		if onStatusChanged == nil {
			break
		}
		status, err := event.StatusChange()
		if err != nil {
			return http.StatusBadRequest, map[string]string{"error": err.Error()}
		}
		if err := onStatusChanged(status); err != nil {
			return http.StatusInternalServerError, map[string]string{"error": err.Error()}
		}
	}

	// Unknown or unhandled events are acknowledged; retrying them would
	// change nothing.
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := parley.NewWebhook("secret")
//	wh.OnMessageCreated(handler)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(webhookSignatureHeader))

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *Webhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}
