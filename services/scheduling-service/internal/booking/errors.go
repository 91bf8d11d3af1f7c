package booking

import (
	"errors"
	"fmt"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/slottoken"
)

// Kind is the stable, caller-facing classification of a failure.
type Kind string

const (
	KindConfigInvalid     Kind = "config_invalid"
	KindMalformedToken    Kind = "malformed_token"
	KindNotFound          Kind = "not_found"
	KindSlotTaken         Kind = "slot_taken"
	KindPersistence       Kind = "persistence"
	KindInvalidRequest    Kind = "invalid_request"
	KindInvalidTransition Kind = "invalid_transition"
	KindOutsideHours      Kind = "outside_hours"
)

var (
	ErrConfigInvalid     = &Error{Kind: KindConfigInvalid}
	ErrMalformedToken    = &Error{Kind: KindMalformedToken}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrSlotTaken         = &Error{Kind: KindSlotTaken}
	ErrPersistence       = &Error{Kind: KindPersistence}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrOutsideHours      = &Error{Kind: KindOutsideHours}
)

// Error carries a Kind plus the operation and cause. errors.Is matches any *Error of the same
// Kind, so callers compare against the sentinels above.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Errors from outside the package count as persistence failures, and
// a slot token decode failure counts as a malformed token.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, slottoken.ErrMalformed) {
		return KindMalformedToken
	}
	return KindPersistence
}

// classify keeps domain errors as they are and wraps anything else as a persistence failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(KindPersistence, op, err)
}
