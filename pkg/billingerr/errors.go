// Package billingerr defines the error kinds shared by every billing component.
//
// Each domain package declares its own sentinel errors with New, so callers can
// match either the precise condition (errors.Is(err, invoicedomain.ErrInvoiceNotDraft))
// or the broad kind (errors.Is(err, billingerr.ErrInvalidState)).
package billingerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	KindInvalidAmount     Kind = "invalid_amount"
	KindInvalidInput      Kind = "invalid_input"
	KindInvalidState      Kind = "invalid_state"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindContended         Kind = "contended"
	KindSequenceExhausted Kind = "sequence_exhausted"
	KindUnknown           Kind = "unknown"
)

// Kind sentinels. Domain errors unwrap to exactly one of these.
var (
	ErrInvalidAmount     = errors.New(string(KindInvalidAmount))
	ErrInvalidInput      = errors.New(string(KindInvalidInput))
	ErrInvalidState      = errors.New(string(KindInvalidState))
	ErrNotFound          = errors.New(string(KindNotFound))
	ErrConflict          = errors.New(string(KindConflict))
	ErrContended         = errors.New(string(KindContended))
	ErrSequenceExhausted = errors.New(string(KindSequenceExhausted))
)

var kindSentinels = map[Kind]error{
	KindInvalidAmount:     ErrInvalidAmount,
	KindInvalidInput:      ErrInvalidInput,
	KindInvalidState:      ErrInvalidState,
	KindNotFound:          ErrNotFound,
	KindConflict:          ErrConflict,
	KindContended:         ErrContended,
	KindSequenceExhausted: ErrSequenceExhausted,
}

// Error is a classified billing error with a stable machine code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

// New declares a sentinel error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches the kind sentinel and other *Error values with the same code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok && target == sentinel {
		return true
	}
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code && other.Kind == e.Kind
	}
	return false
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap returns a copy of e carrying cause. The copy still matches e.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// Withf returns a copy of e with a more specific message.
func (e *Error) Withf(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Contended builds a retryable contention error around a store error.
func Contended(cause error) error {
	return errContended.Wrap(cause)
}

// SequenceExhausted reports that allocation gave up after its retry budget.
func SequenceExhausted(cause error) error {
	return errSequenceExhausted.Wrap(cause)
}

var (
	errContended         = New(KindContended, "contended", "lock or transaction contention")
	errSequenceExhausted = New(KindSequenceExhausted, "sequence_exhausted", "sequence allocation failed after retries")
)

// KindOf returns the kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// IsRetryable reports whether err is transient contention. An exhausted
// sequence wraps a contended cause but is final.
func IsRetryable(err error) bool {
	return KindOf(err) == KindContended
}
