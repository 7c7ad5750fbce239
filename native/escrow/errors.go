package escrow

import (
	"errors"
	"fmt"
)

// Kind partitions engine failures so callers can map a rejection to the
// right surface behaviour without string matching.
type Kind uint8

const (
	// KindAuthorization marks a caller that is not the required party for
	// the attempted transition.
	KindAuthorization Kind = iota + 1
	// KindPrecondition marks an action that is not valid in the escrow's
	// current status, including re-entrant calls on settled transitions.
	KindPrecondition
	// KindValidation marks malformed input: empty content, missing
	// evidence, bad amounts.
	KindValidation
	// KindNotFound marks a lookup for an escrow that does not exist.
	KindNotFound
	// KindStorage marks an aborted transition caused by the evidence store
	// or settlement collaborator exhausting retries. State is left
	// unchanged; the caller retries as a whole new request.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindPrecondition:
		return "precondition"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is the engine's rejection type. Every guard failure carries a Kind
// plus a human-readable reason; the wrapped cause, when present, is
// reachable through errors.Unwrap.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("escrow: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("escrow: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an engine Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from an engine error, or zero when err is not one.
func KindOf(err error) Kind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return 0
}

func authorizationError(format string, args ...any) error {
	return &Error{Kind: KindAuthorization, Msg: fmt.Sprintf(format, args...)}
}

func preconditionError(format string, args ...any) error {
	return &Error{Kind: KindPrecondition, Msg: fmt.Sprintf(format, args...)}
}

func validationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func notFoundError(id string) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("escrow %s not found", id)}
}

func storageError(msg string, cause error) error {
	return &Error{Kind: KindStorage, Msg: msg, Err: cause}
}
