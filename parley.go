// Package parley provides the Go client SDK for the Parley messaging
// service: a REST client for durable operations, an event-stream client for
// realtime delivery, and a synchronization engine that reconciles both into
// one consistent local view of conversations.
//
// Example:
//
//	client := parley.NewClient("pk-...")
//
//	convs, _ := client.Conversations.List(ctx)
//	msg, _ := client.Messages.SendText(ctx, convID, peerID, "hello", "")
//
//	// Realtime + reconciliation
//	me, _ := client.Account.Me(ctx)
//	engine, _ := parley.NewSyncEngine(parley.SyncConfig{
//		API:           client.SyncAPI(),
//		Stream:        client.Realtime.New(nil),
//		CurrentUserID: me.ID,
//	})
//	engine.Start(ctx)
package parley

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://api.parley.im",
	Staging:    "https://staging.api.parley.im",
}

const (
	DefaultBaseURL       = "https://api.parley.im"
	DefaultTimeout       = 15 * time.Second
	DefaultUploadTimeout = 60 * time.Second
)

// Sentinel errors surfaced by the REST client.
var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrPrefsUnsupported = errors.New("notification preferences not supported by server")
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST API client. The bearer credential is attached to every
// request and can be cleared when the server rejects it.
type Client struct {
	mu           sync.RWMutex
	token        string
	baseURL      string
	httpClient   *http.Client
	uploadClient *http.Client
	log          zerolog.Logger

	Account       *AccountClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
	Prefs         *PrefsClient
	Realtime      *RealtimeFactory
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithUploadTimeout sets the timeout for image/file message creation, which
// moves more bytes than ordinary requests.
func WithUploadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.uploadClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Parley client authenticated with the given bearer
// token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		uploadClient: &http.Client{
			Timeout: DefaultUploadTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Account = &AccountClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Prefs = &PrefsClient{c: c}
	c.Realtime = &RealtimeFactory{c: c}
	return c
}

// SetToken sets or replaces the bearer credential.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer credential, or "" after it was cleared.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ClearCredential drops the cached bearer credential. Called when the server
// rejects it; the surrounding application is responsible for obtaining a new
// one.
func (c *Client) ClearCredential() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// do issues a request and decodes the response envelope, synthesizing an
// APIError for non-envelope error bodies so callers always see the HTTP
// status.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		if status >= 400 {
			return &Result{Error: httpError(status, data)}, nil
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if res.Error != nil {
		res.Error.Status = status
	} else if !res.OK && status >= 400 {
		res.Error = httpError(status, data)
	}
	return &res, nil
}

func httpError(status int, body []byte) *APIError {
	msg := strings.TrimSpace(string(body))
	if msg == "" || len(msg) > 200 {
		msg = http.StatusText(status)
	}
	return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: msg, Status: status}
}

// resultError converts a failed envelope into an error value.
func resultError(res *Result) error {
	if res.Error != nil {
		return res.Error
	}
	return &APIError{Code: "UNKNOWN", Message: "API returned an error (no details)"}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// IsAuthError reports whether err represents a credential rejection
// (401-equivalent).
func IsAuthError(err error) bool {
	if errors.Is(err, ErrAuthFailed) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// IsRetryable reports whether the failure is transient and the action can
// be retried as-is. Transport-level failures and 5xx/429 responses qualify;
// rejections (4xx) do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	return true
}

// PageOptions limits list requests.
type PageOptions struct {
	Limit int
}

func pageQuery(opts *PageOptions) map[string]string {
	if opts == nil || opts.Limit <= 0 {
		return nil
	}
	return map[string]string{"limit": fmt.Sprintf("%d", opts.Limit)}
}

// ============================================================================
// Account
// ============================================================================

// AccountClient handles identity and notification-independent account state.
type AccountClient struct{ c *Client }

// Me returns the authenticated user.
func (a *AccountClient) Me(ctx context.Context) (*User, error) {
	res, err := a.c.do(ctx, "GET", "/api/account/me", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultError(res)
	}
	var user User
	if err := res.Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &user, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient handles the conversation list.
type ConversationsClient struct{ c *Client }

// List returns the account's conversations, most recently active first.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := cv.c.do(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultError(res)
	}
	var conversations []Conversation
	if err := res.Decode(&conversations); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return conversations, nil
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient handles message history and creation.
type MessagesClient struct{ c *Client }

// List returns a conversation's messages in ascending creation order.
func (m *MessagesClient) List(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error) {
	res, err := m.c.do(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, pageQuery(opts))
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultError(res)
	}
	var messages []Message
	if err := res.Decode(&messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return messages, nil
}

// SendText creates a text message. clientKey is an optional caller-generated
// idempotency key; servers that support it echo the key on the confirmed
// message and on the matching new-message event.
func (m *MessagesClient) SendText(ctx context.Context, conversationID, receiverID, content, clientKey string) (*Message, error) {
	payload := map[string]interface{}{
		"receiverId": receiverID,
		"content":    content,
		"kind":       MessageText,
	}
	if clientKey != "" {
		payload["clientKey"] = clientKey
	}
	res, err := m.c.do(ctx, "POST", "/api/conversations/"+conversationID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultError(res)
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// SendImage creates an image message from raw bytes. Uses the upload client
// and its longer timeout.
func (m *MessagesClient) SendImage(ctx context.Context, conversationID, receiverID string, data []byte, fileName, clientKey string) (*Message, error) {
	if fileName == "" {
		return nil, fmt.Errorf("fileName is required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("receiverId", receiverID)
	_ = w.WriteField("mimeType", guessMimeType(fileName))
	if clientKey != "" {
		_ = w.WriteField("clientKey", clientKey)
	}
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", m.c.baseURL+"/api/conversations/"+conversationID+"/messages/image", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if token := m.c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.c.uploadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	res, err := decodeJSON[Result](body)
	if err != nil {
		if resp.StatusCode >= 300 {
			return nil, httpError(resp.StatusCode, body)
		}
		return nil, err
	}
	if res.Error != nil {
		res.Error.Status = resp.StatusCode
	}
	if !res.OK {
		return nil, resultError(res)
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// MarkRead records a read receipt for a single message.
func (m *MessagesClient) MarkRead(ctx context.Context, messageID string) error {
	res, err := m.c.do(ctx, "POST", "/api/messages/"+messageID+"/read", nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultError(res)
	}
	return nil
}

// ============================================================================
// Notification Preferences
// ============================================================================

// PrefsClient handles per-account notification preference flags. Servers
// may not implement this surface; Get degrades to local defaults.
type PrefsClient struct{ c *Client }

// Get returns the account's notification preferences, or the local defaults
// when the server does not implement the endpoint.
func (p *PrefsClient) Get(ctx context.Context) (NotificationPrefs, error) {
	res, err := p.c.do(ctx, "GET", "/api/account/prefs", nil, nil)
	if err != nil {
		return NotificationPrefs{}, err
	}
	if !res.OK {
		if missingCapability(res.Error) {
			p.c.log.Debug().Msg("prefs endpoint unavailable, using local defaults")
			return DefaultNotificationPrefs(), nil
		}
		return NotificationPrefs{}, resultError(res)
	}
	var prefs NotificationPrefs
	if err := res.Decode(&prefs); err != nil {
		return NotificationPrefs{}, fmt.Errorf("failed to decode prefs: %w", err)
	}
	return prefs, nil
}

// Update stores the account's notification preferences. Returns
// ErrPrefsUnsupported when the server does not implement the endpoint.
func (p *PrefsClient) Update(ctx context.Context, prefs NotificationPrefs) error {
	res, err := p.c.do(ctx, "PUT", "/api/account/prefs", prefs, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		if missingCapability(res.Error) {
			return ErrPrefsUnsupported
		}
		return resultError(res)
	}
	return nil
}

func missingCapability(e *APIError) bool {
	if e == nil {
		return false
	}
	switch e.Status {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return true
	}
	return false
}

// ============================================================================
// MIME helper
// ============================================================================

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		// Strip charset parameter (e.g. "text/plain; charset=utf-8" → "text/plain")
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Realtime factory
// ============================================================================

// RealtimeFactory builds event-stream clients bound to this API client's
// base URL and credential.
type RealtimeFactory struct{ c *Client }

// URL returns the WebSocket endpoint derived from the API base URL.
func (r *RealtimeFactory) URL() string {
	base := strings.Replace(r.c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/realtime/ws"
}

// New creates an event-stream client. Call Connect to establish the
// connection. A nil config uses the defaults with the API client's
// credential.
func (r *RealtimeFactory) New(config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = r.c.Token()
	}
	if cfg.Logger == nil {
		log := r.c.log
		cfg.Logger = &log
	}
	return NewRealtimeClient(r.URL(), &cfg)
}

// ============================================================================
// Sync adapter
// ============================================================================

// syncAPI adapts the sub-clients to the single MessagingAPI surface the
// sync engine drives.
type syncAPI struct{ c *Client }

func (a syncAPI) Conversations(ctx context.Context) ([]Conversation, error) {
	return a.c.Conversations.List(ctx)
}

func (a syncAPI) Messages(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error) {
	return a.c.Messages.List(ctx, conversationID, opts)
}

func (a syncAPI) SendText(ctx context.Context, conversationID, receiverID, content, clientKey string) (*Message, error) {
	return a.c.Messages.SendText(ctx, conversationID, receiverID, content, clientKey)
}

func (a syncAPI) SendImage(ctx context.Context, conversationID, receiverID string, data []byte, fileName, clientKey string) (*Message, error) {
	return a.c.Messages.SendImage(ctx, conversationID, receiverID, data, fileName, clientKey)
}

func (a syncAPI) MarkRead(ctx context.Context, messageID string) error {
	return a.c.Messages.MarkRead(ctx, messageID)
}

func (a syncAPI) ClearCredential() {
	a.c.ClearCredential()
}

// SyncAPI returns this client adapted to the sync engine's MessagingAPI.
func (c *Client) SyncAPI() MessagingAPI {
	return syncAPI{c: c}
}

// ============================================================================
// Identity
// ============================================================================

// Identity is the user identity carried inside a bearer token. ExpiresAt is
// nil for tokens without an exp claim.
type Identity struct {
	UserID    string
	Username  string
	ExpiresAt *time.Time
}

// Expired reports whether the token's exp claim has passed. Tokens without
// one never expire locally.
func (id *Identity) Expired() bool {
	return id.ExpiresAt != nil && time.Now().After(*id.ExpiresAt)
}

// IdentityFromToken extracts identity claims without verifying the
// signature; verification is the server's job. Lets the client know which
// side of a conversation it is before the first API round trip.
func IdentityFromToken(token string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	id := &Identity{}
	if sub, err := claims.GetSubject(); err == nil {
		id.UserID = sub
	}
	if id.UserID == "" {
		if v, ok := claims["userId"].(string); ok {
			id.UserID = v
		}
	}
	if v, ok := claims["username"].(string); ok {
		id.Username = v
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = &exp.Time
	}
	if id.UserID == "" {
		return nil, fmt.Errorf("token carries no user identity")
	}
	return id, nil
}
