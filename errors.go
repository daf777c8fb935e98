package stm

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors returned (often wrapped in a [TxError]) by core calls.
// Callers compare against these with errors.Is rather than inspecting
// [TxError.Kind] directly when they only care about the broad category.
var (
	// ErrConflict is returned when a transaction lost a race for a shared
	// resource and must roll back and retry.
	ErrConflict = errors.New("stm: conflict")

	// ErrIrrevocableRequired is returned when a revocable transaction
	// discovers mid-flight that it must restart as irrevocable.
	ErrIrrevocableRequired = errors.New("stm: irrevocable transaction required")

	// ErrOutOfModules is returned by RegisterModule when the transaction's
	// module table is already at capacity.
	ErrOutOfModules = errors.New("stm: out of module slots")

	// ErrNotInTransaction is the value [Tx.ResolveConflict], [Tx.Restart]
	// and the [Tx.RecoverFromError] family panic with when called on a
	// transaction that is not running.
	ErrNotInTransaction = errors.New("stm: not in transaction")

	// ErrOutOfMemory mirrors the domain error code of the same name.
	ErrOutOfMemory = errors.New("stm: out of memory")

	// ErrOutOfBounds mirrors the domain error code of the same name.
	ErrOutOfBounds = errors.New("stm: out of bounds")
)

// nilUUID is used where a conflicting transaction's identity is unknown to
// the caller constructing the error (e.g. lower layers like [RWLock] that
// don't track transaction identifiers at all).
var nilUUID = uuid.UUID{}

// ErrorKind discriminates the three shapes a [TxError] can carry, mirroring
// the tagged union spec.md §3 describes for the core's out-of-band error
// object.
type ErrorKind int

const (
	// KindNone means no error is set; [TxError.IsSet] reports false.
	KindNone ErrorKind = iota
	// KindConflicting means the transaction lost a race for a resource.
	KindConflicting
	// KindCode means a domain-independent [ErrorCode] is set.
	KindCode
	// KindErrno means an OS-level error propagated from a module's syscall.
	KindErrno
)

func (k ErrorKind) String() string {
	switch k {
	case KindConflicting:
		return "conflicting"
	case KindCode:
		return "code"
	case KindErrno:
		return "errno"
	default:
		return "none"
	}
}

// ErrorCode is the small, closed, module-independent enum spec.md §7
// describes for domain errors.
type ErrorCode int

const (
	ErrCodeNone ErrorCode = iota
	ErrCodeOutOfMemory
	ErrCodeOutOfBounds
	ErrCodeIrrevocableRequired
	ErrCodeOutOfModules
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOutOfMemory:
		return "out of memory"
	case ErrCodeOutOfBounds:
		return "out of bounds"
	case ErrCodeIrrevocableRequired:
		return "irrevocable required"
	case ErrCodeOutOfModules:
		return "out of modules"
	default:
		return "none"
	}
}

// TxError is the tagged error value carried out-of-band through the driver
// and module-facing API (C11). It satisfies the standard error interface so
// it composes with errors.Is/errors.As like any other Go error, while still
// exposing the kind-specific accessors modules need to decide how to react.
//
// A nil *TxError and a non-nil *TxError with [TxError.IsSet] false are both
// "no error"; prefer IsSet over a nil check when a TxError value (not
// pointer) might be in play.
type TxError struct {
	kind           ErrorKind
	code           ErrorCode
	errno          error
	conflictingTx  uuid.UUID
	hasConflicting bool
	nonRecoverable bool
}

// newConflictError builds a [KindConflicting] error. other is the zero UUID
// when the conflicting transaction's identity is unknown.
func newConflictError(other uuid.UUID, known bool) *TxError {
	return &TxError{kind: KindConflicting, conflictingTx: other, hasConflicting: known}
}

// NewConflictError builds a [KindConflicting] error with an unknown
// conflicting transaction identity, for [Module] implementations outside
// this package that detect their own conflicts (e.g. an optimistic-
// concurrency-control version mismatch) and need to report it the same way
// [RWLock]/[LockMap] do.
func NewConflictError() *TxError {
	return newConflictError(nilUUID, false)
}

// NewConflictErrorWith builds a [KindConflicting] error naming the
// transaction this one conflicted with.
func NewConflictErrorWith(other uuid.UUID) *TxError {
	return newConflictError(other, true)
}

// NewErrnoError builds a [KindErrno] error wrapping an OS-level error, for
// [Module] implementations outside this package that wrap syscalls (e.g. a
// file I/O failure) and need to report it through the same out-of-band
// error channel the core uses.
func NewErrnoError(errno error) *TxError {
	return newErrnoError(errno, false)
}

// newCodeError builds a [KindCode] error.
func newCodeError(code ErrorCode, nonRecoverable bool) *TxError {
	return &TxError{kind: KindCode, code: code, nonRecoverable: nonRecoverable}
}

// newErrnoError builds a [KindErrno] error wrapping an OS-level error.
func newErrnoError(errno error, nonRecoverable bool) *TxError {
	return &TxError{kind: KindErrno, errno: errno, nonRecoverable: nonRecoverable}
}

// Error implements the standard error interface.
func (e *TxError) Error() string {
	if e == nil || e.kind == KindNone {
		return "stm: no error"
	}
	switch e.kind {
	case KindConflicting:
		if e.hasConflicting {
			return fmt.Sprintf("stm: conflict with transaction %s", e.conflictingTx)
		}
		return "stm: conflict"
	case KindCode:
		return fmt.Sprintf("stm: %s", e.code)
	case KindErrno:
		return fmt.Sprintf("stm: errno: %v", e.errno)
	default:
		return "stm: unknown error"
	}
}

// Unwrap exposes the wrapped errno (for [KindErrno]) or the matching
// sentinel (for [KindConflicting]/[KindCode]) to errors.Is/errors.As.
func (e *TxError) Unwrap() error {
	if e == nil {
		return nil
	}
	switch e.kind {
	case KindConflicting:
		return ErrConflict
	case KindCode:
		switch e.code {
		case ErrCodeOutOfMemory:
			return ErrOutOfMemory
		case ErrCodeOutOfBounds:
			return ErrOutOfBounds
		case ErrCodeIrrevocableRequired:
			return ErrIrrevocableRequired
		case ErrCodeOutOfModules:
			return ErrOutOfModules
		default:
			return nil
		}
	case KindErrno:
		return e.errno
	default:
		return nil
	}
}

// IsSet reports whether e carries an actual error.
func (e *TxError) IsSet() bool {
	return e != nil && e.kind != KindNone
}

// Kind reports which of the three error shapes e carries.
func (e *TxError) Kind() ErrorKind {
	if e == nil {
		return KindNone
	}
	return e.kind
}

// IsNonRecoverable reports whether recovery must treat e as fatal instead of
// offering the user's recovery branch a chance to restart (spec.md §7: "skip
// the jump-to-begin path and abort the process").
func (e *TxError) IsNonRecoverable() bool {
	return e != nil && e.nonRecoverable
}

// AsErrorCode returns the domain error code and true if e is [KindCode].
func (e *TxError) AsErrorCode() (ErrorCode, bool) {
	if e == nil || e.kind != KindCode {
		return ErrCodeNone, false
	}
	return e.code, true
}

// AsErrno returns the wrapped OS-level error and true if e is [KindErrno].
func (e *TxError) AsErrno() (error, bool) {
	if e == nil || e.kind != KindErrno {
		return nil, false
	}
	return e.errno, true
}

// ConflictingTx returns the identifier of the transaction e conflicted with,
// and true, if e is [KindConflicting] and the conflicting transaction's
// identity was known at the time of detection.
func (e *TxError) ConflictingTx() (uuid.UUID, bool) {
	if e == nil || e.kind != KindConflicting || !e.hasConflicting {
		return uuid.UUID{}, false
	}
	return e.conflictingTx, true
}
