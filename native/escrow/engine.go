package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"aetherlock/core/events"
)

var errNilState = errors.New("escrow engine: state not configured")

// EngineState persists escrow aggregates. Implementations must return
// defensive copies so the engine can mutate records freely under its
// per-aggregate lock.
type EngineState interface {
	EscrowPut(ctx context.Context, e *Escrow) error
	EscrowGet(ctx context.Context, id string) (*Escrow, bool, error)
}

// ParticipantChecker answers whether a wallet is the client or freelancer of
// an escrow. The underlying signature verification proving control of the
// wallet happens upstream; the engine only consumes the classification.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, escrowID, wallet string) (Role, error)
}

// EvidencePutter stores submission metadata in the content-addressed
// evidence store and returns the resulting handle.
type EvidencePutter interface {
	PutJSON(ctx context.Context, payload any) (string, error)
}

// WorkVerifier produces a verification verdict for submitted work. The
// implementation must always terminate with a result; an error indicates the
// verifier itself is unusable, not that the work failed verification.
type WorkVerifier interface {
	Assess(ctx context.Context, requirements string, evidenceHandles []string) (*VerificationResult, error)
}

// SettlementRecorder submits the fund release to the external chain
// collaborator and returns a transaction reference.
type SettlementRecorder interface {
	RecordRelease(ctx context.Context, e *Escrow) (string, error)
}

// Trigger names a lifecycle transition request.
type Trigger string

const (
	TriggerAccept     Trigger = "accept"
	TriggerSubmitWork Trigger = "submit_work"
	TriggerVerify     Trigger = "verify"
	TriggerRelease    Trigger = "release"
	TriggerDispute    Trigger = "dispute"
	TriggerCancel     Trigger = "cancel"
)

// transitionTable is the single source of truth for which statuses admit
// which triggers. Guards beyond the status check (caller identity, dispute
// flag) live in the transition methods.
var transitionTable = map[Trigger]map[Status]struct{}{
	TriggerAccept:     {StatusPending: {}},
	TriggerSubmitWork: {StatusActive: {}},
	TriggerVerify:     {StatusAIReviewing: {}},
	TriggerRelease:    {StatusAIReviewing: {}, StatusVerified: {}},
	TriggerDispute:    {StatusAIReviewing: {}, StatusVerified: {}},
	TriggerCancel:     {StatusPending: {}},
}

func transitionAllowed(tr Trigger, from Status) bool {
	allowed, ok := transitionTable[tr]
	if !ok {
		return false
	}
	_, ok = allowed[from]
	return ok
}

// EngineConfig wires the engine's collaborators at construction. State and
// Gate are required; the remaining collaborators may be nil when the hosting
// process does not exercise the corresponding transitions.
type EngineConfig struct {
	State    EngineState
	Gate     ParticipantChecker
	Verifier WorkVerifier
	Evidence EvidencePutter
	Settle   SettlementRecorder
	Emitter  events.Emitter
	Logger   *slog.Logger
}

// Engine drives the escrow lifecycle. All transitions for a given escrow are
// serialized through a per-aggregate mutex; the lock is held only around the
// in-memory check-and-set, never across provider or settlement I/O.
// Transitions with an external side effect claim the aggregate under the
// lock before the call so the side effect runs at most once per transition.
type Engine struct {
	state    EngineState
	gate     ParticipantChecker
	verifier WorkVerifier
	evidence EvidencePutter
	settle   SettlementRecorder
	emitter  events.Emitter
	logger   *slog.Logger
	nowFn    func() int64

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	inFlight map[string]struct{}
}

// NewEngine constructs an engine from its collaborators.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.State == nil {
		return nil, errNilState
	}
	if cfg.Gate == nil {
		return nil, errors.New("escrow engine: participant gate not configured")
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		state:    cfg.State,
		gate:     cfg.Gate,
		verifier: cfg.Verifier,
		evidence: cfg.Evidence,
		settle:   cfg.Settle,
		emitter:  emitter,
		logger:   logger,
		nowFn:    func() int64 { return time.Now().Unix() },
		locks:    make(map[string]*sync.Mutex),
		inFlight: make(map[string]struct{}),
	}, nil
}

// SetNowFunc overrides the time source used by the engine. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 { return e.nowFn() }

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// claimTransition marks an external side effect as in flight for the escrow.
// Callers must hold the aggregate lock, making the status guard and the
// claim one atomic step: a racer that arrives while the claim is held fails
// its guard instead of repeating the side effect. Returns false when another
// transition already holds the claim.
func (e *Engine) claimTransition(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[id]; ok {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Engine) releaseClaim(id string) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
}

func (e *Engine) loadEscrow(ctx context.Context, id string) (*Escrow, error) {
	esc, ok, err := e.state.EscrowGet(ctx, id)
	if err != nil {
		return nil, storageError("load escrow", err)
	}
	if !ok {
		return nil, notFoundError(id)
	}
	return esc, nil
}

func (e *Engine) storeEscrow(ctx context.Context, esc *Escrow) error {
	sanitized, err := SanitizeEscrow(esc)
	if err != nil {
		return validationError("%v", err)
	}
	if err := e.state.EscrowPut(ctx, sanitized); err != nil {
		return storageError("store escrow", err)
	}
	return nil
}

// CreateParams holds the terms supplied by the client action that opens an
// escrow. Freelancer is the optional designated counterparty; when empty the
// first accepting wallet is bound instead.
type CreateParams struct {
	Client      string
	Freelancer  string
	Title       string
	Description string
	Amount      string
	Currency    string
	Deadline    int64
}

// Create initialises and persists a new escrow in PENDING status.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*Escrow, error) {
	client := strings.TrimSpace(params.Client)
	if client == "" {
		return nil, validationError("client address required")
	}
	freelancer := strings.TrimSpace(params.Freelancer)
	if freelancer != "" && strings.EqualFold(freelancer, client) {
		return nil, validationError("client and freelancer must differ")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return nil, validationError("title required")
	}
	amount, err := ParseAmount(params.Amount)
	if err != nil {
		return nil, validationError("%v", err)
	}
	currency, err := NormalizeCurrency(params.Currency)
	if err != nil {
		return nil, validationError("%v", err)
	}
	now := e.now()
	if params.Deadline != 0 && params.Deadline < now {
		return nil, validationError("deadline before creation time")
	}
	esc := &Escrow{
		ID:          newEscrowID(client, freelancer, title),
		Client:      client,
		Freelancer:  freelancer,
		Amount:      amount,
		Currency:    currency,
		Title:       title,
		Description: strings.TrimSpace(params.Description),
		Deadline:    params.Deadline,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.storeEscrow(ctx, esc); err != nil {
		return nil, err
	}
	e.logger.Info("escrow created", "escrowId", esc.ID, "client", esc.Client, "amount", esc.Amount, "currency", esc.Currency)
	return esc.Clone(), nil
}

// Accept binds the freelancer and moves the escrow to ACTIVE. Only the
// designated freelancer may accept; when no freelancer was designated the
// accepting wallet is bound. Re-accepting a settled escrow fails with a
// precondition error rather than silently succeeding.
func (e *Engine) Accept(ctx context.Context, id, caller string) (*Escrow, error) {
	wallet := strings.TrimSpace(caller)
	if wallet == "" {
		return nil, validationError("caller address required")
	}
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	esc, err := e.loadEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(TriggerAccept, esc.Status) {
		return nil, preconditionError("cannot accept in status %s", esc.Status)
	}
	if strings.EqualFold(wallet, esc.Client) {
		return nil, authorizationError("client cannot accept its own escrow")
	}
	if esc.Freelancer != "" && !strings.EqualFold(wallet, esc.Freelancer) {
		return nil, authorizationError("caller is not the designated freelancer")
	}
	from := esc.Status
	if esc.Freelancer == "" {
		esc.Freelancer = wallet
	}
	esc.Status = StatusActive
	esc.UpdatedAt = e.now()
	if err := e.storeEscrow(ctx, esc); err != nil {
		return nil, err
	}
	e.emit(NewStatusChangedEvent(esc, from, "accepted"))
	e.logger.Info("escrow accepted", "escrowId", esc.ID, "freelancer", esc.Freelancer)
	return esc.Clone(), nil
}

// submissionRecord is the metadata blob stored in the evidence store for
// each work submission. The returned handle becomes the escrow's
// evidenceHandle.
type submissionRecord struct {
	EscrowID        string   `json:"escrowId"`
	SubmittedBy     string   `json:"submittedBy"`
	Description     string   `json:"description"`
	EvidenceHandles []string `json:"evidenceHandles"`
	SubmittedAt     int64    `json:"submittedAt"`
}

// SubmitWork records submitted evidence and moves the escrow to
// AI_REVIEWING. The transition is claimed under the aggregate lock before
// the evidence store call so a racing submission fails its guard instead of
// uploading twice; the status guard is re-checked before the mutation is
// applied.
func (e *Engine) SubmitWork(ctx context.Context, id, caller, description string, evidenceHandles []string) (*Escrow, error) {
	desc := strings.TrimSpace(description)
	if desc == "" {
		return nil, validationError("work description required")
	}
	handles := make([]string, 0, len(evidenceHandles))
	for _, h := range evidenceHandles {
		if trimmed := strings.TrimSpace(h); trimmed != "" {
			handles = append(handles, trimmed)
		}
	}
	if len(handles) == 0 {
		return nil, validationError("at least one evidence handle required")
	}
	if e.evidence == nil {
		return nil, storageError("evidence store not configured", nil)
	}

	role, err := e.gate.IsParticipant(ctx, id, caller)
	if err != nil {
		return nil, storageError("participant lookup", err)
	}
	if role != RoleFreelancer {
		return nil, authorizationError("only the bound freelancer may submit work")
	}

	lock := e.lockFor(id)
	lock.Lock()
	esc, err := e.loadEscrow(ctx, id)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if !transitionAllowed(TriggerSubmitWork, esc.Status) {
		lock.Unlock()
		return nil, preconditionError("cannot submit work in status %s", esc.Status)
	}
	if !e.claimTransition(id) {
		lock.Unlock()
		return nil, preconditionError("a submission for this escrow is already in progress")
	}
	lock.Unlock()
	defer e.releaseClaim(id)

	handle, err := e.evidence.PutJSON(ctx, submissionRecord{
		EscrowID:        id,
		SubmittedBy:     esc.Freelancer,
		Description:     desc,
		EvidenceHandles: handles,
		SubmittedAt:     e.now(),
	})
	if err != nil {
		return nil, storageError("store submission metadata", err)
	}

	lock.Lock()
	defer lock.Unlock()

	esc, err = e.loadEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(TriggerSubmitWork, esc.Status) {
		return nil, preconditionError("cannot submit work in status %s", esc.Status)
	}
	from := esc.Status
	esc.WorkDescription = desc
	esc.EvidenceHandle = handle
	esc.Status = StatusAIReviewing
	esc.UpdatedAt = e.now()
	if err := e.storeEscrow(ctx, esc); err != nil {
		return nil, err
	}
	e.emit(NewStatusChangedEvent(esc, from, "work_submitted"))
	e.logger.Info("work submitted", "escrowId", esc.ID, "evidenceHandle", handle)
	return esc.Clone(), nil
}

// Verify runs the verification pipeline against the escrow's submitted
// evidence and applies the verdict. The pipeline call happens outside the
// aggregate lock; if the escrow left AI_REVIEWING in the meantime the
// verdict is discarded with a precondition error. A failed verdict keeps the
// escrow in AI_REVIEWING so the client may dispute or the freelancer may
// resubmit; there is no retry cap.
func (e *Engine) Verify(ctx context.Context, id string) (*VerificationResult, error) {
	if e.verifier == nil {
		return nil, errors.New("escrow engine: verifier not configured")
	}
	esc, err := e.loadEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(TriggerVerify, esc.Status) {
		return nil, preconditionError("cannot verify in status %s", esc.Status)
	}

	requirements := fmt.Sprintf("Title: %s\nDescription: %s\nSubmission: %s", esc.Title, esc.Description, esc.WorkDescription)
	result, err := e.verifier.Assess(ctx, requirements, []string{esc.EvidenceHandle})
	if err != nil {
		return nil, fmt.Errorf("escrow engine: verifier: %w", err)
	}

	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	esc, err = e.loadEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(TriggerVerify, esc.Status) {
		return nil, preconditionError("verification verdict discarded: escrow now %s", esc.Status)
	}
	from := esc.Status
	esc.Verification = result.Clone()
	if result.Passed {
		esc.Status = StatusVerified
	}
	esc.UpdatedAt = e.now()
	if err := e.storeEscrow(ctx, esc); err != nil {
		return nil, err
	}
	e.emit(NewVerificationCompleteEvent(esc, result))
	if esc.Status != from {
		e.emit(NewStatusChangedEvent(esc, from, "verification_passed"))
	}
	e.logger.Info("verification complete", "escrowId", esc.ID, "passed", result.Passed, "confidence", result.Confidence)
	return result.Clone(), nil
}

// Release settles the escrow in favour of the freelancer and marks it
// COMPLETED. Only the bound client may release, from AI_REVIEWING or
// VERIFIED. The transition is claimed under the aggregate lock before the
// settlement call so racing releases reach the settlement collaborator at
// most once; the loser receives a precondition error. The settlement call
// itself happens outside the lock.
func (e *Engine) Release(ctx context.Context, id, caller string) (*Escrow, error) {
	if e.settle == nil {
		return nil, storageError("settlement recorder not configured", nil)
	}
	role, err := e.gate.IsParticipant(ctx, id, caller)
	if err != nil {
		return nil, storageError("participant lookup", err)
	}
	if role != RoleClient {
		return nil, authorizationError("only the client may release funds")
	}

	lock := e.lockFor(id)
	lock.Lock()
	esc, err := e.loadEscrow(ctx, id)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if !transitionAllowed(TriggerRelease, esc.Status) {
		lock.Unlock()
		return nil, preconditionError("cannot release in status %s", esc.Status)
	}
	if !e.claimTransition(id) {
		lock.Unlock()
		return nil, preconditionError("a release for this escrow is already in progress")
	}
	lock.Unlock()
	defer e.releaseClaim(id)

	txRef, err := e.settle.RecordRelease(ctx, esc.Clone())
	if err != nil {
		return nil, storageError("record settlement", err)
	}

	lock.Lock()
	defer lock.Unlock()

	esc, err = e.loadEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(TriggerRelease, esc.Status) {
		return nil, preconditionError("cannot release in status %s", esc.Status)
	}
	from := esc.Status
	esc.Status = StatusCompleted
	esc.UpdatedAt = e.now()
	if err := e.storeEscrow(ctx, esc); err != nil {
		return nil, err
	}
	e.emit(NewStatusChangedEvent(esc, from, "funds_released"))
	e.logger.Info("escrow released", "escrowId", esc.ID, "txRef", txRef)
	return esc.Clone(), nil
}

// Dispute flags the escrow as disputed and attaches the dispute record. The
// flag is irreversible for the current cycle: a second dispute fails with a
// precondition error.
func (e *Engine) Dispute(ctx context.Context, id, caller, reason string, evidenceHandles []string) (*Escrow, error) {
	trimmedReason := strings.TrimSpace(reason)
	if trimmedReason == "" {
		return nil, validationError("dispute reason required")
	}
	role, err := e.gate.IsParticipant(ctx, id, caller)
	if err != nil {
		return nil, storageError("participant lookup", err)
	}
	if role != RoleClient && role != RoleFreelancer {
		return nil, authorizationError("only escrow participants may open a dispute")
	}

	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	esc, err := e.loadEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(TriggerDispute, esc.Status) {
		return nil, preconditionError("cannot dispute in status %s", esc.Status)
	}
	if esc.DisputeRaised {
		return nil, preconditionError("dispute already raised for this escrow")
	}
	from := esc.Status
	esc.DisputeRaised = true
	esc.Dispute = &DisputeInfo{
		InitiatedBy:     role,
		Reason:          trimmedReason,
		EvidenceHandles: append([]string(nil), evidenceHandles...),
		Timestamp:       e.now(),
	}
	esc.Status = StatusDisputed
	esc.UpdatedAt = e.now()
	if err := e.storeEscrow(ctx, esc); err != nil {
		return nil, err
	}
	e.emit(NewDisputeOpenedEvent(esc))
	e.emit(NewStatusChangedEvent(esc, from, "dispute_opened"))
	e.logger.Info("dispute opened", "escrowId", esc.ID, "initiatedBy", string(role))
	return esc.Clone(), nil
}

// Cancel voids a still-pending escrow. Only the client may cancel, and only
// before acceptance.
func (e *Engine) Cancel(ctx context.Context, id, caller string) (*Escrow, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	esc, err := e.loadEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(TriggerCancel, esc.Status) {
		return nil, preconditionError("cannot cancel in status %s", esc.Status)
	}
	if !strings.EqualFold(strings.TrimSpace(caller), esc.Client) {
		return nil, authorizationError("only the client may cancel a pending escrow")
	}
	from := esc.Status
	esc.Status = StatusCancelled
	esc.UpdatedAt = e.now()
	if err := e.storeEscrow(ctx, esc); err != nil {
		return nil, err
	}
	e.emit(NewStatusChangedEvent(esc, from, "cancelled"))
	e.logger.Info("escrow cancelled", "escrowId", esc.ID)
	return esc.Clone(), nil
}

// Get returns a copy of the escrow record.
func (e *Engine) Get(ctx context.Context, id string) (*Escrow, error) {
	return e.loadEscrow(ctx, id)
}

func newEscrowID(client, freelancer, title string) string {
	nonce := uuid.New()
	sum := ethcrypto.Keccak256([]byte(client), []byte(freelancer), []byte(title), nonce[:])
	return hex.EncodeToString(sum)
}
