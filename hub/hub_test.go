package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"aetherlock/core/events"
	"aetherlock/native/escrow"
)

const (
	clientWallet     = "0x1111111111111111111111111111111111111111"
	freelancerWallet = "0x2222222222222222222222222222222222222222"
	strangerWallet   = "0x3333333333333333333333333333333333333333"
)

type memoryStore struct {
	mu       sync.Mutex
	messages []*Message
	insErr   error
}

func (m *memoryStore) MessageInsert(_ context.Context, msg *Message) error {
	if m.insErr != nil {
		return m.insErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *msg
	clone.Seq = int64(len(m.messages) + 1)
	msg.Seq = clone.Seq
	m.messages = append(m.messages, &clone)
	return nil
}



func (m *memoryStore) MessageGet(_ context.Context, escrowID, messageID string) (*Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.EscrowID == escrowID && msg.ID == messageID {
			clone := *msg
			return &clone, true, nil
		}
	}
	return nil, false, nil
}

func (m *memoryStore) MessageMarkRead(_ context.Context, escrowID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.EscrowID == escrowID && msg.ID == messageID {
			msg.Read = true
		}
	}
	return nil
}

func (m *memoryStore) MessagesByEscrow(_ context.Context, escrowID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Message
	for _, msg := range m.messages {
		if msg.EscrowID == escrowID {
			clone := *msg
			out = append(out, &clone)
		}
	}
	return out, nil
}

type memoryEscrows struct {
	escrows map[string]*escrow.Escrow
}

func (m *memoryEscrows) EscrowGet(_ context.Context, id string) (*escrow.Escrow, bool, error) {
	esc, ok := m.escrows[id]
	if !ok {
		return nil, false, nil
	}
	return esc.Clone(), true, nil
}

func newTestHub(t *testing.T, opts ...Option) (*Hub, *memoryStore) {
	t.Helper()
	store := &memoryStore{}
	escrows := &memoryEscrows{escrows: map[string]*escrow.Escrow{
		"esc1": {
			ID:         "esc1",
			Client:     clientWallet,
			Freelancer: freelancerWallet,
			Amount:     "1",
			Currency:   "SOL",
			Title:      "task",
			Status:     escrow.StatusActive,
		},
	}}
	base := []Option{WithChatRate(1000, 1000), withClock(func() time.Time { return time.Unix(1_700_000_000, 0) })}
	h := New(store, escrows, append(base, opts...)...)
	return h, store
}

func drainFrame(t *testing.T, s *Session) Frame {
	t.Helper()
	select {
	case frame := <-s.Frames():
		return frame
	default:
		t.Fatalf("expected a queued frame")
		return Frame{}
	}
}

func expectEmpty(t *testing.T, s *Session) {
	t.Helper()
	select {
	case frame := <-s.Frames():
		t.Fatalf("expected no frame, got %s", frame.Type)
	default:
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	h, _ := newTestHub(t)
	s := h.Connect(clientWallet)
	defer h.Disconnect(s)

	h.Join(s, "esc1")
	h.Join(s, "esc1")
	h.Publish("esc1", EventEscrowUpdate, map[string]any{"escrowId": "esc1"})

	drainFrame(t, s)
	expectEmpty(t, s)
}

func TestLeaveStopsRoomDelivery(t *testing.T) {
	h, _ := newTestHub(t)
	member := h.Connect(clientWallet)
	leaver := h.Connect(freelancerWallet)
	defer h.Disconnect(member)
	defer h.Disconnect(leaver)

	h.Join(member, "esc1")
	h.Join(leaver, "esc1")
	h.Leave(leaver, "esc1")
	h.Publish("esc1", EventEscrowUpdate, map[string]any{"escrowId": "esc1"})

	if frame := drainFrame(t, member); frame.Type != EventEscrowUpdate {
		t.Fatalf("member: expected escrow_update, got %s", frame.Type)
	}
	expectEmpty(t, leaver)

	// Leaving a room that was never joined is a no-op.
	h.Leave(leaver, "esc1")
	h.Publish("esc1", EventEscrowUpdate, map[string]any{"escrowId": "esc1"})
	drainFrame(t, member)
	expectEmpty(t, leaver)
}

func TestPublishOrderIsPreserved(t *testing.T) {
	h, _ := newTestHub(t)
	s := h.Connect(clientWallet)
	defer h.Disconnect(s)
	h.Join(s, "esc1")

	for i := 0; i < 5; i++ {
		h.Publish("esc1", EventEscrowUpdate, map[string]any{"n": i})
	}
	for i := 0; i < 5; i++ {
		frame := drainFrame(t, s)
		if frame.Payload["n"] != i {
			t.Fatalf("frame %d out of order: %v", i, frame.Payload["n"])
		}
	}
}

func TestSendMessagePersistsBeforeBroadcast(t *testing.T) {
	h, store := newTestHub(t)
	sender := h.Connect(clientWallet)
	receiver := h.Connect(freelancerWallet)
	defer h.Disconnect(sender)
	defer h.Disconnect(receiver)
	h.Join(sender, "esc1")
	h.Join(receiver, "esc1")

	msg, err := h.SendMessage(context.Background(), sender, "esc1", "  hello there  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Content != "hello there" {
		t.Fatalf("content not trimmed: %q", msg.Content)
	}
	if msg.Role != escrow.RoleClient {
		t.Fatalf("expected client role, got %s", msg.Role)
	}
	if len(store.messages) != 1 {
		t.Fatalf("expected persisted message")
	}

	for _, s := range []*Session{sender, receiver} {
		frame := drainFrame(t, s)
		if frame.Type != EventChatMessage {
			t.Fatalf("expected chat_message, got %s", frame.Type)
		}
		if frame.Payload["id"] != msg.ID {
			t.Fatalf("broadcast must reference the persisted message")
		}
	}

	// Counterparty also gets a personal notification.
	frame := drainFrame(t, receiver)
	if frame.Type != EventNotification {
		t.Fatalf("expected notification, got %s", frame.Type)
	}
	expectEmpty(t, sender)
}

func TestSendMessageFailedPersistSuppressesBroadcast(t *testing.T) {
	h, store := newTestHub(t)
	store.insErr = errors.New("disk full")
	sender := h.Connect(clientWallet)
	defer h.Disconnect(sender)
	h.Join(sender, "esc1")

	if _, err := h.SendMessage(context.Background(), sender, "esc1", "hello"); !escrow.IsKind(err, escrow.KindStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	expectEmpty(t, sender)
}

func TestSendMessageValidation(t *testing.T) {
	h, _ := newTestHub(t)
	sender := h.Connect(clientWallet)
	stranger := h.Connect(strangerWallet)
	defer h.Disconnect(sender)
	defer h.Disconnect(stranger)

	if _, err := h.SendMessage(context.Background(), sender, "esc1", "   "); !escrow.IsKind(err, escrow.KindValidation) {
		t.Fatalf("blank content: expected validation error, got %v", err)
	}
	long := make([]byte, maxMessageLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := h.SendMessage(context.Background(), sender, "esc1", string(long)); !escrow.IsKind(err, escrow.KindValidation) {
		t.Fatalf("oversized content: expected validation error, got %v", err)
	}
	// The limit counts characters, not bytes: a 5000-rune multibyte message
	// is three times the limit in bytes and must still pass.
	if _, err := h.SendMessage(context.Background(), sender, "esc1", strings.Repeat("語", maxMessageLength)); err != nil {
		t.Fatalf("multibyte content at the limit: %v", err)
	}
	if _, err := h.SendMessage(context.Background(), sender, "esc1", strings.Repeat("語", maxMessageLength+1)); !escrow.IsKind(err, escrow.KindValidation) {
		t.Fatalf("multibyte content over the limit: expected validation error, got %v", err)
	}
	if _, err := h.SendMessage(context.Background(), stranger, "esc1", "hi"); !escrow.IsKind(err, escrow.KindAuthorization) {
		t.Fatalf("stranger: expected authorization error, got %v", err)
	}
	if _, err := h.SendMessage(context.Background(), sender, "missing", "hi"); !escrow.IsKind(err, escrow.KindNotFound) {
		t.Fatalf("missing escrow: expected not found error, got %v", err)
	}
}

func TestMarkReadRules(t *testing.T) {
	h, store := newTestHub(t)
	sender := h.Connect(clientWallet)
	reader := h.Connect(freelancerWallet)
	defer h.Disconnect(sender)
	defer h.Disconnect(reader)
	h.Join(sender, "esc1")

	msg, err := h.SendMessage(context.Background(), sender, "esc1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	drainFrame(t, sender)

	if err := h.MarkRead(context.Background(), sender, "esc1", msg.ID); !escrow.IsKind(err, escrow.KindAuthorization) {
		t.Fatalf("sender mark read: expected authorization error, got %v", err)
	}
	if err := h.MarkRead(context.Background(), reader, "esc1", "missing"); !escrow.IsKind(err, escrow.KindNotFound) {
		t.Fatalf("missing message: expected not found error, got %v", err)
	}
	if err := h.MarkRead(context.Background(), reader, "esc1", msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !store.messages[0].Read {
		t.Fatalf("read flag not persisted")
	}

	// Sender's personal room is told about the read receipt.
	drainFrame(t, reader) // notification from the original send
	frame := drainFrame(t, sender)
	if frame.Type != EventMessageRead {
		t.Fatalf("expected message_read, got %s", frame.Type)
	}

	// Marking twice stays a no-op.
	if err := h.MarkRead(context.Background(), reader, "esc1", msg.ID); err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if !store.messages[0].Read {
		t.Fatalf("read flag must stay set")
	}
}

func TestTypingExcludesSender(t *testing.T) {
	h, _ := newTestHub(t)
	typer := h.Connect(clientWallet)
	watcher := h.Connect(freelancerWallet)
	defer h.Disconnect(typer)
	defer h.Disconnect(watcher)
	h.Join(typer, "esc1")
	h.Join(watcher, "esc1")

	h.TypingStart(typer, "esc1")
	frame := drainFrame(t, watcher)
	if frame.Type != EventTypingStart {
		t.Fatalf("expected typing_start, got %s", frame.Type)
	}
	if frame.Payload["walletAddress"] != clientWallet {
		t.Fatalf("typing frame must name the typer")
	}
	expectEmpty(t, typer)

	h.TypingStop(typer, "esc1")
	if frame := drainFrame(t, watcher); frame.Type != EventTypingStop {
		t.Fatalf("expected typing_stop, got %s", frame.Type)
	}
}

func TestSlowSessionDropsFramesWithoutBlocking(t *testing.T) {
	h, _ := newTestHub(t, WithSessionBuffer(2))
	s := h.Connect(clientWallet)
	defer h.Disconnect(s)
	h.Join(s, "esc1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish("esc1", EventEscrowUpdate, map[string]any{"n": i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish must not block on a full session queue")
	}

	received := 0
	for {
		select {
		case <-s.Frames():
			received++
			continue
		default:
		}
		break
	}
	if received != 2 {
		t.Fatalf("expected buffer-limited delivery of 2 frames, got %d", received)
	}
}

func TestDisconnectLeavesAllRoomsAndClosesStream(t *testing.T) {
	h, _ := newTestHub(t)
	s := h.Connect(clientWallet)
	h.Join(s, "esc1")
	h.Disconnect(s)

	h.Publish("esc1", EventEscrowUpdate, map[string]any{"escrowId": "esc1"})
	if _, ok := <-s.Frames(); ok {
		t.Fatalf("expected closed frame channel")
	}
	// Double disconnect is safe.
	h.Disconnect(s)
}

func TestEmitFansDomainEventsOut(t *testing.T) {
	h, _ := newTestHub(t)
	member := h.Connect(strangerWallet)
	client := h.Connect(clientWallet)
	defer h.Disconnect(member)
	defer h.Disconnect(client)
	h.Join(member, "esc1")

	h.Emit(events.Event{Type: escrow.EventTypeStatusChanged, Attributes: map[string]string{
		"escrowId":   "esc1",
		"client":     clientWallet,
		"freelancer": freelancerWallet,
		"fromStatus": "ACTIVE",
		"toStatus":   "AI_REVIEWING",
		"reason":     "work_submitted",
	}})

	frame := drainFrame(t, member)
	if frame.Type != EventEscrowUpdate {
		t.Fatalf("expected escrow_update, got %s", frame.Type)
	}
	if frame.Payload["status"] != "AI_REVIEWING" {
		t.Fatalf("unexpected status payload: %v", frame.Payload)
	}

	notification := drainFrame(t, client)
	if notification.Type != EventNotification {
		t.Fatalf("expected notification for the client wallet, got %s", notification.Type)
	}
}

func TestHistoryOrdering(t *testing.T) {
	h, store := newTestHub(t)
	sender := h.Connect(clientWallet)
	defer h.Disconnect(sender)

	for i := 0; i < 3; i++ {
		if _, err := h.SendMessage(context.Background(), sender, "esc1", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	history, err := h.History(context.Background(), "esc1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	for i, msg := range history {
		if msg.Content != fmt.Sprintf("msg %d", i) {
			t.Fatalf("history out of order at %d: %q", i, msg.Content)
		}
	}
	_ = store
}
