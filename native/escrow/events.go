package escrow

import (
	"strconv"
	"strings"

	"aetherlock/core/events"
)

const (
	EventTypeStatusChanged        = "escrow.status_changed"
	EventTypeVerificationComplete = "escrow.verification_complete"
	EventTypeDisputeOpened        = "escrow.dispute_opened"
)

// NewStatusChangedEvent returns the canonical event payload for a settled
// lifecycle transition.
func NewStatusChangedEvent(e *Escrow, from Status, reason string) events.Event {
	attrs := baseAttributes(e)
	attrs["fromStatus"] = from.String()
	attrs["toStatus"] = statusOf(e).String()
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		attrs["reason"] = trimmed
	}
	return events.Event{Type: EventTypeStatusChanged, Attributes: attrs}
}

// NewVerificationCompleteEvent returns the canonical event payload emitted
// once the verification pipeline has produced a verdict for the escrow.
func NewVerificationCompleteEvent(e *Escrow, result *VerificationResult) events.Event {
	attrs := baseAttributes(e)
	if result != nil {
		attrs["passed"] = strconv.FormatBool(result.Passed)
		attrs["confidence"] = strconv.Itoa(result.Confidence)
		attrs["feedback"] = result.Feedback
	}
	return events.Event{Type: EventTypeVerificationComplete, Attributes: attrs}
}

// NewDisputeOpenedEvent returns the canonical event payload emitted when a
// participant raises a dispute.
func NewDisputeOpenedEvent(e *Escrow) events.Event {
	attrs := baseAttributes(e)
	if e != nil && e.Dispute != nil {
		attrs["initiatedBy"] = string(e.Dispute.InitiatedBy)
		attrs["reason"] = e.Dispute.Reason
	}
	return events.Event{Type: EventTypeDisputeOpened, Attributes: attrs}
}

func statusOf(e *Escrow) Status {
	if e == nil {
		return StatusPending
	}
	return e.Status
}

func baseAttributes(e *Escrow) map[string]string {
	attrs := make(map[string]string)
	if e == nil {
		return attrs
	}
	attrs["escrowId"] = e.ID
	attrs["client"] = e.Client
	if e.Freelancer != "" {
		attrs["freelancer"] = e.Freelancer
	}
	attrs["status"] = e.Status.String()
	return attrs
}
