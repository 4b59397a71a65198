package parley

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ============================================================================
// Sync Engine
// ============================================================================

const (
	defaultPageSize        = 50
	defaultProcessedCap    = 512
	defaultReceiptDebounce = 350 * time.Millisecond
	defaultTypingInterval  = 2 * time.Second
	resyncTimeout          = 15 * time.Second
)

var (
	// ErrNoActiveConversation is returned by send operations while no
	// conversation is open.
	ErrNoActiveConversation = errors.New("no active conversation")
	// ErrEmptyMessage is returned when the outgoing content is empty or
	// whitespace only.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrEmptyAttachment is returned when an outgoing attachment has no
	// data.
	ErrEmptyAttachment = errors.New("attachment is empty")
	// ErrSendInFlight is returned while a previous send is still awaiting
	// its outcome.
	ErrSendInFlight = errors.New("send already in flight")
)

// MessagingAPI is the request/response surface the engine drives. *Client
// satisfies it through SyncAPI.
type MessagingAPI interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	Messages(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error)
	SendText(ctx context.Context, conversationID, receiverID, content, clientKey string) (*Message, error)
	SendImage(ctx context.Context, conversationID, receiverID string, data []byte, fileName, clientKey string) (*Message, error)
	MarkRead(ctx context.Context, messageID string) error
	ClearCredential()
}

// EventStream is the realtime surface the engine drives. *RealtimeClient
// satisfies it.
type EventStream interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() RealtimeState
	JoinConversation(ctx context.Context, conversationID string) error
	LeaveConversation(ctx context.Context, conversationID string) error
	TypingStart(ctx context.Context, conversationID string) error
	TypingStop(ctx context.Context, conversationID string) error
	MarkMessageRead(ctx context.Context, messageID string) error
	OnNewMessage(func(Message))
	OnMessageRead(func(ReadReceipt))
	OnTyping(func(TypingSignal))
	OnStoppedTyping(func(TypingSignal))
	OnStatusChanged(func(StatusChange))
	OnStateChange(func(RealtimeState))
}

// Callbacks are the engine's notifications toward a UI layer. Nil fields are
// skipped. Handlers run on whichever goroutine produced the change and must
// not block.
type Callbacks struct {
	OnMessage             func(conversationID string, m Message)
	OnMessageRemoved      func(conversationID, messageID string)
	OnHistoryLoaded       func(conversationID string, count int)
	OnMessageRead         func(conversationID, messageID string)
	OnUnreadChanged       func(conversationID string, count, total int)
	OnTyping              func(conversationID string, typing bool)
	OnPresence            func(userID string, online bool)
	OnConversationUpdated func(c Conversation)
	OnConnectionState     func(s RealtimeState)
	OnAuthError           func()
}

// SyncConfig configures a SyncEngine. API, Stream and CurrentUserID are
// required; everything else has working defaults.
type SyncConfig struct {
	API           MessagingAPI
	Stream        EventStream
	CurrentUserID string

	Store     *MessageStore // defaults to a fresh store
	Tracker   *Tracker      // defaults to a fresh tracker
	Snapshots SnapshotStore // optional warm-start cache

	PageSize            int
	ProcessedCap        int
	ReadReceiptDebounce time.Duration
	TypingInterval      time.Duration // min gap between typing-start emits
	TypingIdle          time.Duration // silence before auto typing-stop
	Logger              *zerolog.Logger
	Callbacks           Callbacks
}

// SyncEngine coordinates the REST API, the event stream, the message store
// and the tracker into one consistent client-side view. All mutations funnel
// through its lock, so event handlers and UI calls never interleave
// mid-update.
type SyncEngine struct {
	api       MessagingAPI
	stream    EventStream
	store     *MessageStore
	tracker   *Tracker
	snapshots SnapshotStore
	log       zerolog.Logger
	cb        Callbacks

	currentUserID   string
	pageSize        int
	receiptDebounce time.Duration
	typingIdle      time.Duration
	typingLimiter   *rate.Limiter

	mu              sync.Mutex
	activeConvID    string
	loadEpoch       uint64
	sending         bool
	conversations   map[string]Conversation
	drafts          map[string]string
	processed       *ringSet
	pendingReceipts []string
	receiptTimer    *time.Timer
	typingIdleTimer *time.Timer
	closed          bool
}

func NewSyncEngine(cfg SyncConfig) (*SyncEngine, error) {
	if cfg.API == nil {
		return nil, errors.New("sync: API is required")
	}
	if cfg.Stream == nil {
		return nil, errors.New("sync: Stream is required")
	}
	if cfg.CurrentUserID == "" {
		return nil, errors.New("sync: CurrentUserID is required")
	}

	if cfg.Store == nil {
		cfg.Store = NewMessageStore()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewTracker(cfg.TypingIdle)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.ProcessedCap <= 0 {
		cfg.ProcessedCap = defaultProcessedCap
	}
	if cfg.ReadReceiptDebounce <= 0 {
		cfg.ReadReceiptDebounce = defaultReceiptDebounce
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = defaultTypingInterval
	}
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = DefaultTypingTTL
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	return &SyncEngine{
		api:             cfg.API,
		stream:          cfg.Stream,
		store:           cfg.Store,
		tracker:         cfg.Tracker,
		snapshots:       cfg.Snapshots,
		log:             log,
		cb:              cfg.Callbacks,
		currentUserID:   cfg.CurrentUserID,
		pageSize:        cfg.PageSize,
		receiptDebounce: cfg.ReadReceiptDebounce,
		typingIdle:      cfg.TypingIdle,
		typingLimiter:   rate.NewLimiter(rate.Every(cfg.TypingInterval), 1),
		conversations:   make(map[string]Conversation),
		drafts:          make(map[string]string),
		processed:       newRingSet(cfg.ProcessedCap),
	}, nil
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

// Start connects the event stream and loads the conversation list. When a
// snapshot store is configured, cached conversations seed the view before
// the network round trips complete.
func (e *SyncEngine) Start(ctx context.Context) error {
	e.registerHandlers()

	if e.snapshots != nil {
		if convs, err := e.snapshots.LoadConversations(ctx, e.currentUserID); err == nil && len(convs) > 0 {
			e.seedConversations(convs)
			e.log.Debug().Int("count", len(convs)).Msg("conversations seeded from snapshot")
		}
	}

	if err := e.stream.Connect(ctx); err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}

	if err := e.RefreshConversations(ctx); err != nil {
		return err
	}
	return nil
}

// Close disconnects the stream and cancels all timers. Pending read receipts
// are dropped; they are best-effort signals.
func (e *SyncEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.receiptTimer != nil {
		e.receiptTimer.Stop()
		e.receiptTimer = nil
	}
	if e.typingIdleTimer != nil {
		e.typingIdleTimer.Stop()
		e.typingIdleTimer = nil
	}
	e.pendingReceipts = nil
	e.mu.Unlock()

	e.tracker.Stop()
	err := e.stream.Disconnect()
	e.saveSnapshot()
	return err
}

func (e *SyncEngine) registerHandlers() {
	e.stream.OnNewMessage(e.handleNewMessage)
	e.stream.OnMessageRead(e.handleMessageRead)
	e.stream.OnTyping(e.handleTyping)
	e.stream.OnStoppedTyping(e.handleStoppedTyping)
	e.stream.OnStatusChanged(e.handleStatusChange)
	e.stream.OnStateChange(e.handleConnectionState)
	e.tracker.OnTypingExpired(e.handleTypingExpired)
}

// ----------------------------------------------------------------------------
// Conversation registry
// ----------------------------------------------------------------------------

// RefreshConversations reloads the conversation list from the API and
// reseeds unread counts. The active conversation's count stays zero; the
// user is looking at it.
func (e *SyncEngine) RefreshConversations(ctx context.Context) error {
	convs, err := e.api.Conversations(ctx)
	if err != nil {
		e.handleAPIError(err)
		return fmt.Errorf("list conversations: %w", err)
	}
	e.seedConversations(convs)
	e.saveSnapshot()
	return nil
}

func (e *SyncEngine) seedConversations(convs []Conversation) {
	e.mu.Lock()
	active := e.activeConvID
	for _, c := range convs {
		e.conversations[c.ID] = c
	}
	e.mu.Unlock()

	for _, c := range convs {
		if c.ID == active {
			e.tracker.SetUnread(c.ID, 0)
		} else {
			e.tracker.SetUnread(c.ID, c.UnreadCount)
		}
		e.tracker.SetOnline(c.PeerID, c.PeerOnline)
	}
}

// ConversationList returns the known conversations, most recently active
// first, with live unread counts.
func (e *SyncEngine) ConversationList() []Conversation {
	e.mu.Lock()
	out := make([]Conversation, 0, len(e.conversations))
	for _, c := range e.conversations {
		out = append(out, c)
	}
	e.mu.Unlock()

	for i := range out {
		out[i].UnreadCount = e.tracker.Unread(out[i].ID)
		out[i].PeerOnline = e.tracker.Online(out[i].PeerID)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveConversation returns the ID of the open conversation, or "".
func (e *SyncEngine) ActiveConversation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeConvID
}

// Messages returns the loaded log for a conversation in display order.
func (e *SyncEngine) Messages(conversationID string) []Message {
	return e.store.Messages(conversationID)
}

// TotalUnread returns the unread count across all conversations.
func (e *SyncEngine) TotalUnread() int {
	return e.tracker.TotalUnread()
}

// Draft returns the saved draft for a conversation. Failed sends restore
// their content here.
func (e *SyncEngine) Draft(conversationID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drafts[conversationID]
}

// SetDraft saves draft text for a conversation; empty text clears it.
func (e *SyncEngine) SetDraft(conversationID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if text == "" {
		delete(e.drafts, conversationID)
		return
	}
	e.drafts[conversationID] = text
}

// ----------------------------------------------------------------------------
// Switching
// ----------------------------------------------------------------------------

// SwitchConversation opens a conversation: it becomes the active one, its
// unread count resets, room membership moves over, and the recent history
// loads. Responses from a superseded switch are discarded, so rapid
// switching settles on the last choice.
func (e *SyncEngine) SwitchConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoActiveConversation
	}

	e.mu.Lock()
	previous := e.activeConvID
	e.activeConvID = conversationID
	e.loadEpoch++
	epoch := e.loadEpoch
	typingArmed := e.typingIdleTimer != nil
	if typingArmed {
		e.typingIdleTimer.Stop()
		e.typingIdleTimer = nil
	}
	e.mu.Unlock()

	e.tracker.Reset(conversationID)
	e.notifyUnread(conversationID, 0)

	if previous != "" && previous != conversationID {
		if typingArmed {
			if err := e.stream.TypingStop(ctx, previous); err != nil {
				e.log.Debug().Err(err).Msg("typing-stop dropped")
			}
		}
		// Leaving the old room is best-effort; the server expires
		// memberships on its own.
		if err := e.stream.LeaveConversation(ctx, previous); err != nil {
			e.log.Debug().Err(err).Str("conversation", previous).Msg("leave dropped")
		}
	}
	if err := e.stream.JoinConversation(ctx, conversationID); err != nil {
		e.log.Debug().Err(err).Str("conversation", conversationID).Msg("join dropped")
	}

	return e.loadHistory(ctx, conversationID, epoch)
}

// loadHistory fetches the recent page for a conversation and installs it if
// the response is still current.
func (e *SyncEngine) loadHistory(ctx context.Context, conversationID string, epoch uint64) error {
	msgs, err := e.api.Messages(ctx, conversationID, &PageOptions{Limit: e.pageSize})
	if err != nil {
		e.handleAPIError(err)
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	e.mu.Lock()
	stale := e.loadEpoch != epoch || e.activeConvID != conversationID
	e.mu.Unlock()
	if stale {
		e.log.Debug().Str("conversation", conversationID).Msg("stale history response discarded")
		return nil
	}

	e.store.Load(conversationID, msgs)
	e.mu.Lock()
	for _, m := range msgs {
		e.processed.Add(m.ID)
	}
	e.mu.Unlock()
	if e.cb.OnHistoryLoaded != nil {
		e.cb.OnHistoryLoaded(conversationID, len(msgs))
	}

	for _, m := range msgs {
		if m.ReceiverID == e.currentUserID && !m.Read {
			e.scheduleReadReceipt(m.ID)
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Sending
// ----------------------------------------------------------------------------

// SendText sends a text message to the active conversation. The message
// appears immediately as a provisional entry and is confirmed in place when
// the server responds; on failure it is rolled back and the content is
// restored as the conversation's draft. One send may be in flight at a time.
func (e *SyncEngine) SendText(ctx context.Context, content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ErrEmptyMessage
	}

	provisional, receiverID, err := e.beginSend(MessageText)
	if err != nil {
		return err
	}
	provisional.Content = trimmed

	e.store.InsertProvisional(provisional)
	e.notifyMessage(provisional.ConversationID, provisional)
	e.stopTypingNow(ctx, provisional.ConversationID)

	sent, err := e.api.SendText(ctx, provisional.ConversationID, receiverID, trimmed, provisional.ClientKey)
	return e.finishSend(ctx, provisional, content, sent, err)
}

// SendImage uploads an image to the active conversation with the same
// provisional lifecycle as SendText. No draft is restored on failure; the
// caller still holds the file.
func (e *SyncEngine) SendImage(ctx context.Context, data []byte, fileName string) error {
	if len(data) == 0 {
		return ErrEmptyAttachment
	}

	provisional, receiverID, err := e.beginSend(MessageMedia)
	if err != nil {
		return err
	}

	e.store.InsertProvisional(provisional)
	e.notifyMessage(provisional.ConversationID, provisional)

	sent, err := e.api.SendImage(ctx, provisional.ConversationID, receiverID, data, fileName, provisional.ClientKey)
	return e.finishSend(ctx, provisional, "", sent, err)
}

// beginSend validates send preconditions, takes the single-flight slot, and
// builds the provisional message.
func (e *SyncEngine) beginSend(kind MessageKind) (Message, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	convID := e.activeConvID
	if convID == "" {
		return Message{}, "", ErrNoActiveConversation
	}
	if e.sending {
		return Message{}, "", ErrSendInFlight
	}
	e.sending = true

	receiverID := e.conversations[convID].PeerID
	provisional := Message{
		ID:             NewProvisionalID(),
		ConversationID: convID,
		SenderID:       e.currentUserID,
		ReceiverID:     receiverID,
		Kind:           kind,
		ClientKey:      uuid.NewString(),
		CreatedAt:      time.Now(),
	}
	return provisional, receiverID, nil
}

// finishSend resolves a send: confirm in place on success, roll back and
// restore the draft on failure.
func (e *SyncEngine) finishSend(ctx context.Context, provisional Message, draft string, sent *Message, sendErr error) error {
	e.mu.Lock()
	e.sending = false
	e.mu.Unlock()

	convID := provisional.ConversationID

	if sendErr != nil {
		if _, ok := e.store.RemoveProvisional(provisional.ID); ok {
			if e.cb.OnMessageRemoved != nil {
				e.cb.OnMessageRemoved(convID, provisional.ID)
			}
		}
		if draft != "" {
			e.mu.Lock()
			e.drafts[convID] = draft
			e.mu.Unlock()
		}
		e.handleAPIError(sendErr)
		e.log.Warn().Err(sendErr).Str("conversation", convID).Msg("send failed, rolled back")
		return fmt.Errorf("send message: %w", sendErr)
	}

	e.store.Confirm(provisional.ID, *sent)
	e.notifyMessage(convID, *sent)
	e.updateSummary(*sent)
	return nil
}

// ----------------------------------------------------------------------------
// Typing (outbound)
// ----------------------------------------------------------------------------

// NotifyTyping is called on every local keystroke. Typing-start emits are
// throttled; a typing-stop follows automatically once the keystrokes go
// quiet.
func (e *SyncEngine) NotifyTyping(ctx context.Context) {
	e.mu.Lock()
	convID := e.activeConvID
	if convID == "" || e.closed {
		e.mu.Unlock()
		return
	}
	if e.typingIdleTimer != nil {
		e.typingIdleTimer.Stop()
	}
	e.typingIdleTimer = time.AfterFunc(e.typingIdle, func() {
		e.typingIdleStop(convID)
	})
	allowed := e.typingLimiter.Allow()
	e.mu.Unlock()

	if allowed {
		if err := e.stream.TypingStart(ctx, convID); err != nil {
			e.log.Debug().Err(err).Msg("typing-start dropped")
		}
	}
}

func (e *SyncEngine) typingIdleStop(conversationID string) {
	e.mu.Lock()
	e.typingIdleTimer = nil
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.stream.TypingStop(ctx, conversationID); err != nil {
		e.log.Debug().Err(err).Msg("typing-stop dropped")
	}
}

// stopTypingNow cancels the idle countdown and emits typing-stop once, used
// when a send makes further typing signals pointless.
func (e *SyncEngine) stopTypingNow(ctx context.Context, conversationID string) {
	e.mu.Lock()
	armed := e.typingIdleTimer != nil
	if armed {
		e.typingIdleTimer.Stop()
		e.typingIdleTimer = nil
	}
	e.mu.Unlock()

	if armed {
		if err := e.stream.TypingStop(ctx, conversationID); err != nil {
			e.log.Debug().Err(err).Msg("typing-stop dropped")
		}
	}
}

// ----------------------------------------------------------------------------
// Event handlers
// ----------------------------------------------------------------------------

func (e *SyncEngine) handleNewMessage(m Message) {
	e.mu.Lock()
	if e.processed.Contains(m.ID) {
		e.mu.Unlock()
		e.log.Debug().Str("message", m.ID).Msg("duplicate event discarded")
		return
	}
	e.processed.Add(m.ID)
	active := e.activeConvID
	e.mu.Unlock()

	if m.ConversationID == active {
		res := e.store.ApplyInbound(m)
		if res != ApplyDuplicate {
			e.notifyMessage(m.ConversationID, m)
			if m.ReceiverID == e.currentUserID {
				e.scheduleReadReceipt(m.ID)
			}
		}
	} else if m.ReceiverID == e.currentUserID && m.SenderID != e.currentUserID {
		count := e.tracker.Increment(m.ConversationID)
		e.notifyUnread(m.ConversationID, count)
	}

	e.updateSummary(m)
}

func (e *SyncEngine) handleMessageRead(r ReadReceipt) {
	readAt := time.Now()
	if r.ReadAt != nil {
		readAt = *r.ReadAt
	}
	if e.store.MarkRead(r.MessageID, readAt) {
		if e.cb.OnMessageRead != nil {
			e.cb.OnMessageRead(r.ConversationID, r.MessageID)
		}
	}
}

func (e *SyncEngine) handleTyping(t TypingSignal) {
	if t.UserID == e.currentUserID {
		return
	}
	e.mu.Lock()
	active := e.activeConvID
	e.mu.Unlock()
	if t.ConversationID != active {
		// Indicators for background conversations are dropped, not
		// buffered; they would be stale by the time anyone looks.
		return
	}

	e.tracker.SetTyping(t.ConversationID)
	if e.cb.OnTyping != nil {
		e.cb.OnTyping(t.ConversationID, true)
	}
}

func (e *SyncEngine) handleStoppedTyping(t TypingSignal) {
	if t.UserID == e.currentUserID {
		return
	}
	e.mu.Lock()
	active := e.activeConvID
	e.mu.Unlock()
	if t.ConversationID != active {
		return
	}

	e.tracker.ClearTyping(t.ConversationID)
	if e.cb.OnTyping != nil {
		e.cb.OnTyping(t.ConversationID, false)
	}
}

func (e *SyncEngine) handleTypingExpired(conversationID string) {
	if e.cb.OnTyping != nil {
		e.cb.OnTyping(conversationID, false)
	}
}

func (e *SyncEngine) handleStatusChange(s StatusChange) {
	online := s.Online()
	e.tracker.SetOnline(s.UserID, online)

	e.mu.Lock()
	for id, c := range e.conversations {
		if c.PeerID == s.UserID {
			c.PeerOnline = online
			e.conversations[id] = c
		}
	}
	e.mu.Unlock()

	if e.cb.OnPresence != nil {
		e.cb.OnPresence(s.UserID, online)
	}
}

func (e *SyncEngine) handleConnectionState(s RealtimeState) {
	e.log.Info().Str("state", string(s)).Msg("connection state changed")

	if s == StateConnected {
		e.mu.Lock()
		active := e.activeConvID
		e.mu.Unlock()
		if active != "" {
			// Room membership did not survive the old socket; rejoin
			// and backfill whatever arrived during the gap.
			go e.resyncActive(active)
		}
	}

	if e.cb.OnConnectionState != nil {
		e.cb.OnConnectionState(s)
	}
}

func (e *SyncEngine) resyncActive(conversationID string) {
	e.mu.Lock()
	e.loadEpoch++
	epoch := e.loadEpoch
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	if err := e.stream.JoinConversation(ctx, conversationID); err != nil {
		e.log.Debug().Err(err).Str("conversation", conversationID).Msg("rejoin dropped")
	}
	if err := e.loadHistory(ctx, conversationID, epoch); err != nil {
		e.log.Warn().Err(err).Str("conversation", conversationID).Msg("resync failed")
	}
}

// ----------------------------------------------------------------------------
// Read receipts
// ----------------------------------------------------------------------------

// scheduleReadReceipt queues a receipt for a message the user has now seen.
// Receipts are flushed in a batch after a short quiet period so a burst of
// arrivals produces one round of signals.
func (e *SyncEngine) scheduleReadReceipt(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.pendingReceipts = append(e.pendingReceipts, messageID)
	if e.receiptTimer == nil {
		e.receiptTimer = time.AfterFunc(e.receiptDebounce, e.flushReadReceipts)
	}
}

func (e *SyncEngine) flushReadReceipts() {
	e.mu.Lock()
	batch := e.pendingReceipts
	e.pendingReceipts = nil
	e.receiptTimer = nil
	closed := e.closed
	e.mu.Unlock()
	if closed || len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	now := time.Now()
	for _, id := range batch {
		e.store.MarkRead(id, now)
		err := e.stream.MarkMessageRead(ctx, id)
		if errors.Is(err, ErrNotConnected) {
			// Stream is down; the REST path still records the read.
			err = e.api.MarkRead(ctx, id)
		}
		if err != nil {
			e.log.Debug().Err(err).Str("message", id).Msg("read receipt dropped")
		}
	}
}

// ----------------------------------------------------------------------------
// Internals
// ----------------------------------------------------------------------------

func (e *SyncEngine) updateSummary(m Message) {
	e.mu.Lock()
	conv, ok := e.conversations[m.ConversationID]
	if !ok {
		conv = Conversation{ID: m.ConversationID}
		if m.SenderID != e.currentUserID {
			conv.PeerID = m.SenderID
		} else {
			conv.PeerID = m.ReceiverID
		}
	}
	conv.LastMessage = m.Summary()
	conv.LastActivity = m.CreatedAt
	e.conversations[m.ConversationID] = conv
	e.mu.Unlock()

	if e.cb.OnConversationUpdated != nil {
		e.cb.OnConversationUpdated(conv)
	}
	go e.saveSnapshot()
}

func (e *SyncEngine) saveSnapshot() {
	if e.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.snapshots.SaveConversations(ctx, e.currentUserID, e.ConversationList()); err != nil {
		e.log.Debug().Err(err).Msg("snapshot save failed")
	}
}

func (e *SyncEngine) handleAPIError(err error) {
	if !IsAuthError(err) {
		return
	}
	e.log.Warn().Msg("authentication rejected, clearing credential")
	e.api.ClearCredential()
	if e.cb.OnAuthError != nil {
		e.cb.OnAuthError()
	}
}

func (e *SyncEngine) notifyMessage(conversationID string, m Message) {
	if e.cb.OnMessage != nil {
		e.cb.OnMessage(conversationID, m)
	}
}

func (e *SyncEngine) notifyUnread(conversationID string, count int) {
	if e.cb.OnUnreadChanged != nil {
		e.cb.OnUnreadChanged(conversationID, count, e.tracker.TotalUnread())
	}
}

// ----------------------------------------------------------------------------
// Processed-event ring
// ----------------------------------------------------------------------------

// ringSet is a fixed-capacity set of recently seen IDs. When full, adding a
// new ID evicts the oldest. It backs the event-stream dedup so redeliveries
// are absorbed without the set growing with session length.
type ringSet struct {
	seen  map[string]struct{}
	order []string
	next  int
}

func newRingSet(capacity int) *ringSet {
	return &ringSet{
		seen:  make(map[string]struct{}, capacity),
		order: make([]string, capacity),
	}
}

func (r *ringSet) Contains(id string) bool {
	_, ok := r.seen[id]
	return ok
}

func (r *ringSet) Add(id string) {
	if _, ok := r.seen[id]; ok {
		return
	}
	if old := r.order[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.order[r.next] = id
	r.seen[id] = struct{}{}
	r.next = (r.next + 1) % len(r.order)
}

func (r *ringSet) Len() int {
	return len(r.seen)
}
