package stm

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mode selects the kind of transaction [Begin]/[Run] starts (spec.md §6).
type Mode int

const (
	// ModeRevocable is the normal start: the transaction runs concurrently
	// with any number of other revocable transactions and every operation
	// it performs must have an undo.
	ModeRevocable Mode = iota

	// ModeIrrevocable runs exclusively: it excludes every revocable
	// transaction for its duration and may perform operations whose undo
	// is impossible (modules receive noUndo=true).
	ModeIrrevocable

	// modeRetry is the internal retry mode. [Begin] treats it exactly like
	// ModeRevocable; [Run] does not pass it, and re-enters Begin in the
	// transaction's original mode after a conflict.
	modeRetry
)

func (m Mode) String() string {
	switch m {
	case ModeIrrevocable:
		return "irrevocable"
	case modeRetry:
		return "retry"
	default:
		return "revocable"
	}
}

type txState int

const (
	stateIdle txState = iota
	stateRunning
	stateCommitting
	stateRollingBack
)

// Tx is a transaction object (C8): the per-attempt state a single logical
// transaction owns exclusively for its lifetime - its event log, its
// registered modules, its counter map, and its last error.
//
// spec.md §4.7 describes the transaction object as constructed lazily on a
// thread's first transactional call and reused across that thread's
// restarts. Go has no stable OS-thread affinity for a goroutine to hang
// that kind of thread-local state off of, so this package instead
// constructs one Tx per logical transaction attempt, scoped to a single
// [Run] call (see [Run] and [Begin]). Every invariant spec.md assigns to
// the transaction object still holds: exactly one goroutine owns a Tx at a
// time, it needs no internal lock, and it acquires the irrevocability gate
// exactly once per attempt.
//
// Tx is not safe for concurrent use; it belongs to the goroutine that
// called [Begin] or is running inside a [Run] body.
type Tx struct {
	id     uuid.UUID
	shared *SharedState
	mode   Mode
	state  txState

	log        EventLog
	modules    []Module
	counterMap CounterMap

	lastErr *TxError
	logger  zerolog.Logger
}

// ID returns this transaction's unique identifier, used to report
// conflicts ([TxError.ConflictingTx]) and to identify the exclusive
// transaction in [SharedState].
func (tx *Tx) ID() uuid.UUID {
	return tx.id
}

// Mode returns the mode this transaction is currently running in.
func (tx *Tx) Mode() Mode {
	return tx.mode
}

// IsIrrevocable reports whether this transaction is running irrevocably.
func (tx *Tx) IsIrrevocable() bool {
	return tx.mode == ModeIrrevocable
}

// IsValid reports whether the transaction is currently running (as opposed
// to idle, committing, or rolling back) - the module-facing "is this Tx
// still live" check.
func (tx *Tx) IsValid() bool {
	return tx.state == stateRunning
}

// LastError returns the error that caused the most recent rollback, if any.
func (tx *Tx) LastError() *TxError {
	return tx.lastErr
}

// CounterMap returns this transaction's per-key lock counters, primarily
// for modules built on [LockMap] and for tests asserting the "counter map
// reflects held locks" invariant (spec.md §8).
func (tx *Tx) CounterMap() *CounterMap {
	return &tx.counterMap
}

// EventLog returns this transaction's event log. Modules append to it via
// [Tx.InjectEvent] rather than through this accessor directly; it's exposed
// for tests and for modules that need to inspect what's already logged
// (e.g. to coalesce a new event with the previous one).
func (tx *Tx) EventLog() *EventLog {
	return &tx.log
}

// Logger returns the structured logger this transaction's [SharedState] was
// configured with, for modules that want to emit their own debug events
// under the same sink.
func (tx *Tx) Logger() *zerolog.Logger {
	return &tx.logger
}

// RegisterModule assigns m the next integer module identifier and stores it
// in this transaction's module table (C7/§4.8). Identifiers are stable for
// the lifetime of this Tx and are handed back so callers can tag injected
// events with the right ModuleID.
//
// RegisterModule fails with [ErrOutOfModules] if the table is already at
// [Tuning.ModuleCapacity].
func (tx *Tx) RegisterModule(m Module) (int, *TxError) {
	if len(tx.modules) >= cap(tx.modules) {
		return -1, newCodeError(ErrCodeOutOfModules, false)
	}
	tx.modules = append(tx.modules, m)
	return len(tx.modules) - 1, nil
}

// InjectEvent appends an event to this transaction's log on behalf of
// moduleID, returning the event's index. Modules call this after
// performing (or buffering) a side effect they want applied on commit.
func (tx *Tx) InjectEvent(moduleID, opID int, cookie uint64) int {
	return tx.log.Inject(moduleID, opID, cookie)
}

// --- Module-facing nonlocal control transfer -------------------------------
//
// spec.md §9 replaces setjmp/longjmp with "a per-thread retry loop driven by
// a tagged result". In Go, that tagged result is a typed panic value thrown
// from deep inside a module call and caught nowhere but [runBody], the
// private helper [Run] uses to drive one attempt; called anywhere else, the
// panic is not recovered. ResolveConflict/RecoverFrom*/Restart are the
// only way code running inside a Run body performs the "nonlocal jump back
// to begin" spec.md describes; callers using [Begin]/[Tx.Commit]/
// [Tx.Rollback] directly instead of [Run] get plain error returns and must
// implement their own retry loop around them.

// controlSignal is the payload of the internal panics ResolveConflict,
// RecoverFromError*, and Restart throw. [Run] recovers it in runBody and
// translates it into the appropriate loop action; it must never escape a
// [Run] call.
type controlSignal struct {
	restart bool
	err     *TxError
}

// ResolveConflict rolls back and signals [Run]'s loop to retry this
// transaction in its original mode, optionally naming the transaction this
// one conflicted with. It must only be called from inside a [Run] body (or
// a module callback invoked from one). Calling it on a transaction that is
// not running panics with [ErrNotInTransaction]; calling it on a running
// transaction outside a Run body leaves its internal panic unrecovered.
func (tx *Tx) ResolveConflict(other *uuid.UUID) {
	if tx.state != stateRunning {
		panic(ErrNotInTransaction)
	}
	var err *TxError
	if other != nil {
		err = newConflictError(*other, true)
	} else {
		err = newConflictError(uuid.UUID{}, false)
	}
	panic(controlSignal{restart: true, err: err})
}

// Restart forces a rollback-and-retry in this transaction's original mode,
// without an associated error - the "force restart" entry point of spec.md
// §4.7.1.
func (tx *Tx) Restart() {
	if tx.state != stateRunning {
		panic(ErrNotInTransaction)
	}
	panic(controlSignal{restart: true})
}

// RecoverFromErrorCode rolls back and signals [Run]'s loop to invoke the
// recovery callback with a [KindCode] error.
func (tx *Tx) RecoverFromErrorCode(code ErrorCode, nonRecoverable bool) {
	tx.recoverWith(newCodeError(code, nonRecoverable))
}

// RecoverFromErrno rolls back and signals [Run]'s loop to invoke the
// recovery callback with a [KindErrno] error wrapping errno.
func (tx *Tx) RecoverFromErrno(errno error, nonRecoverable bool) {
	tx.recoverWith(newErrnoError(errno, nonRecoverable))
}

// RecoverFromError rolls back and signals [Run]'s loop to invoke the
// recovery callback with err verbatim.
func (tx *Tx) RecoverFromError(err *TxError) {
	tx.recoverWith(err)
}

func (tx *Tx) recoverWith(err *TxError) {
	if tx.state != stateRunning {
		panic(ErrNotInTransaction)
	}
	panic(controlSignal{restart: false, err: err})
}
