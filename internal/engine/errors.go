package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// EngineErrorKind is the taxonomy from SPEC_FULL.md §7. Every error that
// crosses a port boundary is translated into one of these so call sites can
// branch with errors.As regardless of which adapter produced it.
type EngineErrorKind string

const (
	KindNotFound   EngineErrorKind = "not_found"
	KindPermission EngineErrorKind = "permission"
	KindTransport  EngineErrorKind = "transport"
	KindThrottle   EngineErrorKind = "throttle"
	KindDecode     EngineErrorKind = "decode"
	KindConflict   EngineErrorKind = "conflict"
	KindInvariant  EngineErrorKind = "invariant"
)

// EngineError wraps a taxonomy Kind and an underlying cause. It implements
// Unwrap so the standard library's errors.Is/errors.As still see through to
// the wrapped cause (e.g. a *pgconn.PgError, or a net error).
type EngineError struct {
	Kind  EngineErrorKind
	Op    string // component/operation that raised it, e.g. "push.apply_row"
	Cause error
}

func (e *EngineError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// New builds an EngineError, wrapping cause with pkg/errors so a stack trace
// is attached the first time a raw error enters the taxonomy.
func New(kind EngineErrorKind, op string, cause error) *EngineError {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &EngineError{Kind: kind, Op: op, Cause: cause}
}

// Is reports whether err is an EngineError of the given kind, unwrapping
// through any wrapping chain.
func Is(err error, kind EngineErrorKind) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// Retriable reports whether the caller may retry the operation that
// produced err — true for Transport and Throttle, false otherwise.
func Retriable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == KindTransport || ee.Kind == KindThrottle
	}
	return false
}

// NotFound and its siblings below are convenience constructors for each
// taxonomy kind, e.g. engine.NotFound("definitions.get", err).
func NotFound(op string, cause error) *EngineError { return New(KindNotFound, op, cause) }
func Permission(op string, cause error) *EngineError { return New(KindPermission, op, cause) }
func Transport(op string, cause error) *EngineError  { return New(KindTransport, op, cause) }
func Throttle(op string, cause error) *EngineError   { return New(KindThrottle, op, cause) }
func Decode(op string, cause error) *EngineError     { return New(KindDecode, op, cause) }
func Conflict(op string, cause error) *EngineError   { return New(KindConflict, op, cause) }
func Invariant(op string, cause error) *EngineError  { return New(KindInvariant, op, cause) }
