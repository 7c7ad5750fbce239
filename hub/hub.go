package hub

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"aetherlock/core/events"
	"aetherlock/native/escrow"

	"log/slog"
)

// Wire event types delivered to connected sessions.
const (
	EventChatMessage  = "chat_message"
	EventMessageRead  = "message_read"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventEscrowUpdate = "escrow_update"
	EventNotification = "notification"
)

const maxMessageLength = 5000

// Frame is one wire event queued for delivery to a session.
type Frame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Message is one chat line. Read is the only field mutated after creation,
// and only ever from false to true. Ordering is by timestamp with ties
// broken by insertion sequence.
type Message struct {
	ID        string      `json:"id"`
	EscrowID  string      `json:"escrowId"`
	Sender    string      `json:"senderId"`
	Role      escrow.Role `json:"senderRole"`
	Content   string      `json:"content"`
	Read      bool        `json:"read"`
	Timestamp int64       `json:"timestamp"`
	Seq       int64       `json:"-"`
}

// MessageStore persists chat messages. Insertion happens before any
// broadcast so a client never observes a chat event for a message it cannot
// subsequently fetch from history.
type MessageStore interface {
	MessageInsert(ctx context.Context, msg *Message) error
	MessageGet(ctx context.Context, escrowID, messageID string) (*Message, bool, error)
	MessageMarkRead(ctx context.Context, escrowID, messageID string) error
	MessagesByEscrow(ctx context.Context, escrowID string) ([]*Message, error)
}

// EscrowReader resolves escrow records for participant classification.
type EscrowReader interface {
	EscrowGet(ctx context.Context, id string) (*escrow.Escrow, bool, error)
}

// Option adjusts hub behaviour.
type Option func(*hubConfig)

type hubConfig struct {
	sessionBuffer int
	chatRate      rate.Limit
	chatBurst     int
	logger        *slog.Logger
	now           func() time.Time
}

const defaultSessionBuffer = 256

// WithSessionBuffer sets the per-session outbound queue length.
func WithSessionBuffer(n int) Option {
	return func(cfg *hubConfig) {
		if n > 0 {
			cfg.sessionBuffer = n
		}
	}
}

// WithChatRate bounds how fast a single session may send chat messages.
func WithChatRate(perSecond float64, burst int) Option {
	return func(cfg *hubConfig) {
		if perSecond > 0 && burst > 0 {
			cfg.chatRate = rate.Limit(perSecond)
			cfg.chatBurst = burst
		}
	}
}

// WithLogger sets the hub's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *hubConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// withClock overrides the clock (test only).
func withClock(now func() time.Time) Option {
	return func(cfg *hubConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Hub maintains room membership and fans wire events out to connected
// sessions. Rooms are plain maps owned by the hub: one room per escrow plus
// one implicit room per wallet address for personal notifications. Delivery
// order matches publish order within a single room; no cross-room ordering
// is promised. The hub never authorizes lifecycle transitions; membership
// grants delivery, nothing more.
type Hub struct {
	store   MessageStore
	escrows EscrowReader
	logger  *slog.Logger
	nowFn   func() time.Time

	chatRate  rate.Limit
	chatBurst int
	buffer    int

	mu          sync.Mutex
	sessions    map[string]*Session
	escrowRooms map[string]map[string]*Session
	walletRooms map[string]map[string]*Session

	metrics *hubMetrics
}

// New constructs a hub around its persistence collaborators.
func New(store MessageStore, escrows EscrowReader, opts ...Option) *Hub {
	cfg := hubConfig{
		sessionBuffer: defaultSessionBuffer,
		chatRate:      rate.Limit(5),
		chatBurst:     10,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Hub{
		store:       store,
		escrows:     escrows,
		logger:      cfg.logger,
		nowFn:       cfg.now,
		chatRate:    cfg.chatRate,
		chatBurst:   cfg.chatBurst,
		buffer:      cfg.sessionBuffer,
		sessions:    make(map[string]*Session),
		escrowRooms: make(map[string]map[string]*Session),
		walletRooms: make(map[string]map[string]*Session),
		metrics:     sharedHubMetrics(),
	}
}

// Connect registers a live session for the wallet and subscribes it to the
// wallet's personal notification room.
func (h *Hub) Connect(wallet string) *Session {
	s := &Session{
		id:      uuid.NewString(),
		wallet:  strings.TrimSpace(wallet),
		out:     make(chan Frame, h.buffer),
		limiter: rate.NewLimiter(h.chatRate, h.chatBurst),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
	h.joinWalletLocked(s)
	return s
}

// Disconnect removes the session from every room and closes its frame
// channel. Rooms themselves are derived from the escrow's existence and are
// not destroyed when the last member leaves.
func (h *Hub) Disconnect(s *Session) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.id]; !ok {
		return
	}
	delete(h.sessions, s.id)
	for escrowID, members := range h.escrowRooms {
		if _, ok := members[s.id]; ok {
			delete(members, s.id)
			_ = escrowID
		}
	}
	key := walletKey(s.wallet)
	if members, ok := h.walletRooms[key]; ok {
		delete(members, s.id)
	}
	s.closeOnce.Do(func() { close(s.out) })
}

// Join subscribes the session to an escrow room. Calling Join twice has the
// same membership effect as calling it once.
func (h *Hub) Join(s *Session, escrowID string) {
	if s == nil || strings.TrimSpace(escrowID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.id]; !ok {
		return
	}
	members, ok := h.escrowRooms[escrowID]
	if !ok {
		members = make(map[string]*Session)
		h.escrowRooms[escrowID] = members
	}
	members[s.id] = s
}

// Leave removes the session from an escrow room. Idempotent.
func (h *Hub) Leave(s *Session, escrowID string) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.escrowRooms[escrowID]; ok {
		delete(members, s.id)
	}
}

func (h *Hub) joinWalletLocked(s *Session) {
	key := walletKey(s.wallet)
	if key == "" {
		return
	}
	members, ok := h.walletRooms[key]
	if !ok {
		members = make(map[string]*Session)
		h.walletRooms[key] = members
	}
	members[s.id] = s
}

// Publish delivers a frame to every current member of the escrow room.
// Delivery order matches publish order for a single room.
func (h *Hub) Publish(escrowID, frameType string, payload map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishRoomLocked(h.escrowRooms[escrowID], Frame{Type: frameType, Payload: payload}, "")
}

// NotifyWallet delivers a notification frame to every session of a wallet's
// personal room.
func (h *Hub) NotifyWallet(wallet, frameType string, payload map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishRoomLocked(h.walletRooms[walletKey(wallet)], Frame{Type: frameType, Payload: payload}, "")
}

// publishRoomLocked fans a frame out to room members, skipping the excluded
// session id when set. Must be called with h.mu held; holding the lock over
// the whole fan-out is what pins per-room delivery order to publish order.
func (h *Hub) publishRoomLocked(members map[string]*Session, frame Frame, exclude string) {
	for id, member := range members {
		if id == exclude {
			continue
		}
		select {
		case member.out <- frame:
		default:
			h.metrics.recordDropped(frame.Type)
		}
	}
}

// SendMessage validates, persists and broadcasts one chat line, then pushes
// a personal notification to the counterparty's wallet room. Persistence
// happens before the broadcast.
func (h *Hub) SendMessage(ctx context.Context, s *Session, escrowID, content string) (*Message, error) {
	if s == nil {
		return nil, &escrow.Error{Kind: escrow.KindValidation, Msg: "no session"}
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, &escrow.Error{Kind: escrow.KindValidation, Msg: "message content required"}
	}
	if utf8.RuneCountInString(trimmed) > maxMessageLength {
		return nil, &escrow.Error{Kind: escrow.KindValidation, Msg: "message exceeds maximum length"}
	}
	if !s.limiter.Allow() {
		return nil, &escrow.Error{Kind: escrow.KindValidation, Msg: "message rate limit exceeded"}
	}
	esc, role, err := h.resolveParticipant(ctx, escrowID, s.wallet)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		ID:        uuid.NewString(),
		EscrowID:  escrowID,
		Sender:    s.wallet,
		Role:      role,
		Content:   trimmed,
		Timestamp: h.nowFn().UnixMilli(),
	}
	if err := h.store.MessageInsert(ctx, msg); err != nil {
		return nil, &escrow.Error{Kind: escrow.KindStorage, Msg: "persist message", Err: err}
	}

	h.mu.Lock()
	h.publishRoomLocked(h.escrowRooms[escrowID], Frame{Type: EventChatMessage, Payload: chatPayload(msg)}, "")
	other := counterparty(esc, role)
	if other != "" {
		h.publishRoomLocked(h.walletRooms[walletKey(other)], Frame{Type: EventNotification, Payload: map[string]any{
			"type":     "message_received",
			"title":    "New message",
			"message":  trimmed,
			"escrowId": escrowID,
		}}, "")
	}
	h.mu.Unlock()
	return msg, nil
}

// MarkRead flips a message's read flag. Only the non-sender may invoke it;
// the flag never flips back. The sender's personal room receives a
// message_read event.
func (h *Hub) MarkRead(ctx context.Context, s *Session, escrowID, messageID string) error {
	if s == nil {
		return &escrow.Error{Kind: escrow.KindValidation, Msg: "no session"}
	}
	if _, _, err := h.resolveParticipant(ctx, escrowID, s.wallet); err != nil {
		return err
	}
	msg, ok, err := h.store.MessageGet(ctx, escrowID, messageID)
	if err != nil {
		return &escrow.Error{Kind: escrow.KindStorage, Msg: "load message", Err: err}
	}
	if !ok {
		return &escrow.Error{Kind: escrow.KindNotFound, Msg: "message not found"}
	}
	if strings.EqualFold(msg.Sender, s.wallet) {
		return &escrow.Error{Kind: escrow.KindAuthorization, Msg: "sender cannot mark its own message read"}
	}
	if err := h.store.MessageMarkRead(ctx, escrowID, messageID); err != nil {
		return &escrow.Error{Kind: escrow.KindStorage, Msg: "mark message read", Err: err}
	}
	h.mu.Lock()
	h.publishRoomLocked(h.walletRooms[walletKey(msg.Sender)], Frame{Type: EventMessageRead, Payload: map[string]any{
		"escrowId":  escrowID,
		"messageId": messageID,
	}}, "")
	h.mu.Unlock()
	return nil
}

// History returns the persisted chat for an escrow, ordered by timestamp
// with ties broken by insertion order.
func (h *Hub) History(ctx context.Context, escrowID string) ([]*Message, error) {
	return h.store.MessagesByEscrow(ctx, escrowID)
}

// TypingStart broadcasts a best-effort typing indicator to the room. A
// missed typing frame is not a correctness failure; nothing is persisted.
func (h *Hub) TypingStart(s *Session, escrowID string) {
	h.broadcastTyping(s, escrowID, EventTypingStart)
}

// TypingStop broadcasts the end of a typing indicator.
func (h *Hub) TypingStop(s *Session, escrowID string) {
	h.broadcastTyping(s, escrowID, EventTypingStop)
}

func (h *Hub) broadcastTyping(s *Session, escrowID, frameType string) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishRoomLocked(h.escrowRooms[escrowID], Frame{Type: frameType, Payload: map[string]any{
		"escrowId":      escrowID,
		"walletAddress": s.wallet,
	}}, s.id)
}

// Emit implements events.Emitter, making the hub a direct subscriber of the
// escrow engine's domain events.
func (h *Hub) Emit(evt events.Event) {
	escrowID := evt.Attributes["escrowId"]
	if escrowID == "" {
		return
	}
	switch evt.Type {
	case escrow.EventTypeStatusChanged:
		h.Publish(escrowID, EventEscrowUpdate, map[string]any{
			"escrowId": escrowID,
			"status":   evt.Attributes["toStatus"],
			"message":  evt.Attributes["reason"],
		})
		h.notifyParties(evt, "escrow_update", "Escrow updated", evt.Attributes["reason"])
	case escrow.EventTypeVerificationComplete:
		h.Publish(escrowID, EventEscrowUpdate, map[string]any{
			"escrowId":   escrowID,
			"status":     evt.Attributes["status"],
			"message":    evt.Attributes["feedback"],
			"passed":     evt.Attributes["passed"],
			"confidence": evt.Attributes["confidence"],
		})
		h.notifyParties(evt, "verification_complete", "Verification complete", evt.Attributes["feedback"])
	case escrow.EventTypeDisputeOpened:
		h.Publish(escrowID, EventEscrowUpdate, map[string]any{
			"escrowId": escrowID,
			"status":   evt.Attributes["status"],
			"message":  evt.Attributes["reason"],
		})
		h.notifyParties(evt, "dispute_opened", "Dispute opened", evt.Attributes["reason"])
	}
}

func (h *Hub) notifyParties(evt events.Event, kind, title, message string) {
	payload := map[string]any{
		"type":     kind,
		"title":    title,
		"message":  message,
		"escrowId": evt.Attributes["escrowId"],
	}
	for _, wallet := range []string{evt.Attributes["client"], evt.Attributes["freelancer"]} {
		if wallet != "" {
			h.NotifyWallet(wallet, EventNotification, payload)
		}
	}
}

func (h *Hub) resolveParticipant(ctx context.Context, escrowID, wallet string) (*escrow.Escrow, escrow.Role, error) {
	esc, ok, err := h.escrows.EscrowGet(ctx, escrowID)
	if err != nil {
		return nil, escrow.RoleNone, &escrow.Error{Kind: escrow.KindStorage, Msg: "load escrow", Err: err}
	}
	if !ok {
		return nil, escrow.RoleNone, &escrow.Error{Kind: escrow.KindNotFound, Msg: "escrow not found"}
	}
	role := esc.ParticipantRole(wallet)
	if role == escrow.RoleNone {
		return nil, escrow.RoleNone, &escrow.Error{Kind: escrow.KindAuthorization, Msg: "wallet is not a participant of this escrow"}
	}
	return esc, role, nil
}

func chatPayload(msg *Message) map[string]any {
	return map[string]any{
		"id":         msg.ID,
		"escrowId":   msg.EscrowID,
		"senderId":   msg.Sender,
		"senderRole": string(msg.Role),
		"content":    msg.Content,
		"timestamp":  msg.Timestamp,
		"read":       msg.Read,
	}
}

func counterparty(esc *escrow.Escrow, role escrow.Role) string {
	switch role {
	case escrow.RoleClient:
		return esc.Freelancer
	case escrow.RoleFreelancer:
		return esc.Client
	default:
		return ""
	}
}

func walletKey(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}
