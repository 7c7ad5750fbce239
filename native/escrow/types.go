package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states supported by the escrow engine.
type Status uint8

const (
	StatusPending Status = iota
	StatusActive
	StatusAIReviewing
	StatusVerified
	StatusDisputed
	StatusCompleted
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusPending:     "PENDING",
	StatusActive:      "ACTIVE",
	StatusAIReviewing: "AI_REVIEWING",
	StatusVerified:    "VERIFIED",
	StatusDisputed:    "DISPUTED",
	StatusCompleted:   "COMPLETED",
	StatusCancelled:   "CANCELLED",
}

// String renders the canonical status label.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// MarshalText renders the status by name so JSON payloads stay readable.
func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown escrow status %d", s)
	}
	return []byte(name), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus resolves a status label back to its enum value.
func ParseStatus(label string) (Status, error) {
	needle := strings.ToUpper(strings.TrimSpace(label))
	for status, name := range statusNames {
		if name == needle {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown escrow status: %s", label)
}

// Role identifies which side of the agreement a wallet occupies.
type Role string

const (
	RoleNone       Role = ""
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
)

// AnalysisDetails carries the per-dimension scores reported by a
// verification provider. Scores are clamped to [0,100] before storage.
type AnalysisDetails struct {
	QualityScore      int      `json:"qualityScore"`
	CompletenessScore int      `json:"completenessScore"`
	AccuracyScore     int      `json:"accuracyScore"`
	Suggestions       []string `json:"suggestions"`
}

// VerificationResult is the immutable snapshot of one verification attempt.
// Subsequent attempts supersede, never mutate, a stored result.
type VerificationResult struct {
	Passed     bool            `json:"passed"`
	Confidence int             `json:"confidence"`
	Feedback   string          `json:"feedback"`
	Details    AnalysisDetails `json:"analysisDetails"`
	Timestamp  int64           `json:"timestamp"`
}

// Clone returns a deep copy of the result.
func (r *VerificationResult) Clone() *VerificationResult {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Details.Suggestions = append([]string(nil), r.Details.Suggestions...)
	return &clone
}

// DisputeInfo is attached to an escrow once a dispute is raised and is
// immutable thereafter. Resolution is handled by an external arbitration
// collaborator and is outside this engine's scope.
type DisputeInfo struct {
	InitiatedBy     Role     `json:"initiatedBy"`
	Reason          string   `json:"reason"`
	EvidenceHandles []string `json:"evidenceHandles"`
	Timestamp       int64    `json:"timestamp"`
}

// Clone returns a deep copy of the dispute record.
func (d *DisputeInfo) Clone() *DisputeInfo {
	if d == nil {
		return nil
	}
	clone := *d
	clone.EvidenceHandles = append([]string(nil), d.EvidenceHandles...)
	return &clone
}

// Escrow captures the terms and runtime status of a single agreement between
// a client and a freelancer. The identifier is opaque and externally
// shareable; records are never physically deleted, terminal statuses are
// retained for audit.
type Escrow struct {
	ID              string              `json:"id"`
	Client          string              `json:"clientAddress"`
	Freelancer      string              `json:"freelancerAddress,omitempty"`
	Amount          string              `json:"amount"`
	Currency        string              `json:"currency"`
	Title           string              `json:"title"`
	Description     string              `json:"description,omitempty"`
	Deadline        int64               `json:"deadline,omitempty"`
	Status          Status              `json:"status"`
	WorkDescription string              `json:"workDescription,omitempty"`
	EvidenceHandle  string              `json:"evidenceHandle,omitempty"`
	Verification    *VerificationResult `json:"verification,omitempty"`
	DisputeRaised   bool                `json:"disputeRaised"`
	Dispute         *DisputeInfo        `json:"dispute,omitempty"`
	CreatedAt       int64               `json:"createdAt"`
	UpdatedAt       int64               `json:"updatedAt"`
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Verification = e.Verification.Clone()
	clone.Dispute = e.Dispute.Clone()
	return &clone
}

// ParticipantRole classifies a wallet address against the escrow's parties.
func (e *Escrow) ParticipantRole(wallet string) Role {
	addr := strings.TrimSpace(wallet)
	if addr == "" || e == nil {
		return RoleNone
	}
	switch {
	case strings.EqualFold(addr, e.Client):
		return RoleClient
	case e.Freelancer != "" && strings.EqualFold(addr, e.Freelancer):
		return RoleFreelancer
	default:
		return RoleNone
	}
}

// NormalizeCurrency ensures the provided currency symbol matches a supported
// value and returns the canonical uppercase form.
func NormalizeCurrency(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	switch trimmed {
	case "SOL", "USDC", "ZETA":
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported escrow currency: %s", symbol)
	}
}

// ParseAmount validates a decimal amount string and returns its canonical
// rendering. Amounts must be strictly positive.
func ParseAmount(amount string) (string, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return "", fmt.Errorf("escrow amount required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return "", fmt.Errorf("invalid escrow amount %q", amount)
	}
	if rat.Sign() <= 0 {
		return "", fmt.Errorf("escrow amount must be positive")
	}
	return trimmed, nil
}

// SanitizeEscrow validates and normalises the supplied escrow record,
// returning a cloned instance with canonical currency casing. The function
// does not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	if clone.ID == "" {
		return nil, fmt.Errorf("escrow id required")
	}
	if strings.TrimSpace(clone.Client) == "" {
		return nil, fmt.Errorf("escrow client required")
	}
	currency, err := NormalizeCurrency(clone.Currency)
	if err != nil {
		return nil, err
	}
	clone.Currency = currency
	amount, err := ParseAmount(clone.Amount)
	if err != nil {
		return nil, err
	}
	clone.Amount = amount
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	if clone.Status != StatusPending && clone.Status != StatusCancelled && strings.TrimSpace(clone.Freelancer) == "" {
		return nil, fmt.Errorf("freelancer must be bound before status %s", clone.Status)
	}
	if clone.Status == StatusVerified && clone.Verification == nil {
		return nil, fmt.Errorf("verification result required for status VERIFIED")
	}
	return clone, nil
}
