package storage

import (
	"context"
	"path/filepath"
	"testing"

	"aetherlock/core/events"
	"aetherlock/hub"
	"aetherlock/native/escrow"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleEscrow() *escrow.Escrow {
	return &escrow.Escrow{
		ID:          "esc1",
		Client:      "0x1111111111111111111111111111111111111111",
		Freelancer:  "0x2222222222222222222222222222222222222222",
		Amount:      "2.5",
		Currency:    "SOL",
		Title:       "Landing page",
		Description: "Responsive landing page",
		Deadline:    1_800_000_000,
		Status:      escrow.StatusActive,
		CreatedAt:   1_700_000_000,
		UpdatedAt:   1_700_000_000,
	}
}

func TestEscrowRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := sampleEscrow()
	if err := store.EscrowPut(ctx, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := store.EscrowGet(ctx, "esc1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Client != want.Client || got.Status != escrow.StatusActive || got.Amount != "2.5" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Upsert with nested documents.
	want.Status = escrow.StatusVerified
	want.Verification = &escrow.VerificationResult{
		Passed:     true,
		Confidence: 88,
		Feedback:   "complete",
		Details:    escrow.AnalysisDetails{QualityScore: 80, Suggestions: []string{"polish"}},
		Timestamp:  1_700_000_100,
	}
	want.DisputeRaised = true
	want.Dispute = &escrow.DisputeInfo{InitiatedBy: escrow.RoleClient, Reason: "late", Timestamp: 1_700_000_200}
	if err := store.EscrowPut(ctx, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _, err = store.EscrowGet(ctx, "esc1")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got.Verification == nil || got.Verification.Confidence != 88 || got.Verification.Details.Suggestions[0] != "polish" {
		t.Fatalf("verification not persisted: %+v", got.Verification)
	}
	if !got.DisputeRaised || got.Dispute == nil || got.Dispute.Reason != "late" {
		t.Fatalf("dispute not persisted: %+v", got.Dispute)
	}

	if _, ok, err := store.EscrowGet(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing escrow: ok=%v err=%v", ok, err)
	}
}

func TestEscrowsByParticipant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := sampleEscrow()
	second := sampleEscrow()
	second.ID = "esc2"
	second.Freelancer = "0x4444444444444444444444444444444444444444"
	second.CreatedAt = 1_700_000_500
	if err := store.EscrowPut(ctx, first); err != nil {
		t.Fatalf("put first: %v", err)
	}
	if err := store.EscrowPut(ctx, second); err != nil {
		t.Fatalf("put second: %v", err)
	}

	mine, err := store.EscrowsByParticipant(ctx, "0X1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 escrows for client, got %d", len(mine))
	}
	if mine[0].ID != "esc2" {
		t.Fatalf("expected newest first, got %s", mine[0].ID)
	}

	theirs, err := store.EscrowsByParticipant(ctx, second.Freelancer)
	if err != nil {
		t.Fatalf("list freelancer: %v", err)
	}
	if len(theirs) != 1 || theirs[0].ID != "esc2" {
		t.Fatalf("expected only esc2 for second freelancer, got %d", len(theirs))
	}
}

func TestMessageOrderingAndReadFlag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Same timestamp: insertion order decides.
	for i, id := range []string{"m1", "m2", "m3"} {
		msg := &hub.Message{
			ID:        id,
			EscrowID:  "esc1",
			Sender:    "0x1111111111111111111111111111111111111111",
			Role:      escrow.RoleClient,
			Content:   id,
			Timestamp: 1_700_000_000,
		}
		if err := store.MessageInsert(ctx, msg); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if msg.Seq == 0 {
			t.Fatalf("expected seq assigned on insert")
		}
	}

	history, err := store.MessagesByEscrow(ctx, "esc1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	for i, id := range []string{"m1", "m2", "m3"} {
		if history[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, history[i].ID)
		}
	}

	if err := store.MessageMarkRead(ctx, "esc1", "m2"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	msg, ok, err := store.MessageGet(ctx, "esc1", "m2")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !msg.Read {
		t.Fatalf("read flag not set")
	}
	// Marking again is a no-op.
	if err := store.MessageMarkRead(ctx, "esc1", "m2"); err != nil {
		t.Fatalf("second mark read: %v", err)
	}

	if _, ok, _ := store.MessageGet(ctx, "other", "m2"); ok {
		t.Fatalf("message lookup must be scoped to its escrow")
	}
}

func TestDuplicateMessageIDRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	msg := &hub.Message{ID: "m1", EscrowID: "esc1", Sender: "a", Role: escrow.RoleClient, Content: "hi", Timestamp: 1}
	if err := store.MessageInsert(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := *msg
	if err := store.MessageInsert(ctx, &dup); err == nil {
		t.Fatalf("duplicate id within an escrow must be rejected")
	}
}

func TestRecordReleaseIsUniquePerEscrow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	esc := sampleEscrow()

	receipt, err := store.RecordRelease(ctx, esc)
	if err != nil {
		t.Fatalf("record release: %v", err)
	}
	if receipt == "" {
		t.Fatalf("expected non-empty receipt")
	}
	if _, err := store.RecordRelease(ctx, esc); err == nil {
		t.Fatalf("second settlement for the same escrow must fail")
	}
}

func TestEventInsert(t *testing.T) {
	store := newTestStore(t)
	err := store.EventInsert(context.Background(), events.Event{
		Type:       escrow.EventTypeStatusChanged,
		Attributes: map[string]string{"escrowId": "esc1", "toStatus": "ACTIVE"},
	})
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
}
