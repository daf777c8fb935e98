package stm

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Begin starts a new transaction attempt against shared in the given mode
// and returns its [Tx] (C10 §4.7.2's IDLE -> RUNNING transition).
//
// For ModeRevocable, Begin acquires the irrevocability gate as a reader,
// which may block behind a running irrevocable transaction. For
// ModeIrrevocable, Begin acquires it as the sole writer, blocking behind
// any running transactions (revocable or irrevocable) and recording itself
// as the exclusive transaction in shared.
//
// Most callers should use [Run] instead, which owns the begin/commit/
// rollback/retry loop; Begin is for callers that want explicit control over
// the commit/rollback boundary.
func Begin(ctx context.Context, shared *SharedState, mode Mode) (*Tx, error) {
	if mode == modeRetry {
		mode = ModeRevocable
	}

	id := uuid.New()
	logger := shared.logger.With().Str("tx", id.String()).Str("mode", mode.String()).Logger()

	var err error
	if mode == ModeIrrevocable {
		err = shared.acquireIrrevocable(ctx, id)
	} else {
		err = shared.acquireRevocable(ctx)
	}
	if err != nil {
		logger.Debug().Err(err).Msg("tx begin: failed to acquire gate")
		return nil, err
	}

	tx := &Tx{
		id:      id,
		shared:  shared,
		mode:    mode,
		state:   stateRunning,
		modules: make([]Module, 0, shared.tuning.ModuleCapacity),
		logger:  logger,
	}
	tx.logger.Debug().Msg("tx begin")
	return tx, nil
}

// Commit runs the commit protocol (C10 §4.7.3):
//
//  1. Lock every registered module, in registration order.
//  2. Validate every registered module (IsValid), in registration order.
//  3. Apply the event log, delegating to each event's module in
//     chronological order (batched per spec.md §4.6).
//  4. UpdateCC every registered module, in registration order.
//  5. Unlock every registered module, in REVERSE registration order.
//  6. Finish every registered module, in registration order.
//  7. Release the irrevocability gate.
//
// Any error at steps 1-4 branches to a cleanup path: every registered module
// is unlocked (reverse order), including any whose Lock failed or was never
// reached, since modules hold record locks taken during the body, and the
// gate is released before the error is returned. Commit returns a *[TxError] (never a bare error) so callers can
// distinguish [ErrConflict] (retry) from other failures (recover).
func (tx *Tx) Commit(ctx context.Context) *TxError {
	if tx.state != stateRunning {
		return nil
	}
	tx.state = stateCommitting
	noUndo := tx.IsIrrevocable()

	locked := 0
	for _, m := range tx.modules {
		if err := m.Lock(tx); err != nil {
			tx.unlockAndRelease(len(tx.modules))
			tx.state = stateIdle
			tx.logger.Debug().Err(err).Msg("tx commit: lock failed")
			return err
		}
		locked++
	}

	for _, m := range tx.modules {
		if err := m.IsValid(tx, noUndo); err != nil {
			tx.unlockAndRelease(locked)
			tx.state = stateIdle
			tx.logger.Debug().Err(err).Msg("tx commit: validation failed")
			return err
		}
	}

	if err := tx.log.ApplyEvents(tx.modules, noUndo); err != nil {
		tx.unlockAndRelease(locked)
		tx.state = stateIdle
		tx.logger.Debug().Err(err).Msg("tx commit: apply failed")
		return err
	}

	for _, m := range tx.modules {
		if err := m.UpdateCC(tx, noUndo); err != nil {
			tx.unlockAndRelease(locked)
			tx.state = stateIdle
			tx.logger.Debug().Err(err).Msg("tx commit: update_cc failed")
			return err
		}
	}

	tx.unlockModules(locked)

	for _, m := range tx.modules {
		if err := m.Finish(tx, noUndo); err != nil {
			tx.shared.release(noUndo)
			tx.state = stateIdle
			tx.logger.Debug().Err(err).Msg("tx commit: finish failed")
			return err
		}
	}

	tx.shared.release(noUndo)
	tx.state = stateIdle
	tx.logger.Debug().Msg("tx commit: ok")
	return nil
}

// Rollback runs the rollback protocol (C10 §4.7.4): undo the event log in
// reverse (one event at a time), ClearCC every module in registration
// order, unlock every module in REVERSE registration order, Finish every
// module in registration order, then release the irrevocability gate.
//
// Unlock must run here exactly as it does on the commit path: modules take
// their record locks eagerly in the body (true two-phase locking) and only
// release them from Unlock, so a rollback that skipped it would leak every
// lock the body acquired before hitting its error.
func (tx *Tx) Rollback(ctx context.Context) *TxError {
	if tx.state != stateRunning && tx.state != stateCommitting {
		return nil
	}
	tx.state = stateRollingBack
	noUndo := tx.IsIrrevocable()

	var firstErr *TxError

	if err := tx.log.UndoEvents(tx.modules, noUndo); err != nil {
		firstErr = err
	}

	for _, m := range tx.modules {
		if err := m.ClearCC(tx, noUndo); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	tx.unlockModules(len(tx.modules))

	for _, m := range tx.modules {
		if err := m.Finish(tx, noUndo); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	tx.shared.release(noUndo)
	tx.log.Clear()
	tx.state = stateIdle
	tx.logger.Debug().Msg("tx rollback")
	return firstErr
}

// Release tears down every registered module permanently (C10 §4.8: called
// in registration order on thread exit). Release is for callers managing a
// Tx's full lifetime themselves; [Run] does not call it, since it
// constructs a fresh Tx per attempt.
func (tx *Tx) Release() {
	for _, m := range tx.modules {
		m.Uninit()
	}
}

// unlockModules releases the first n locked modules' locks, in reverse
// registration order (spec.md §4.7.3).
func (tx *Tx) unlockModules(n int) {
	for i := n - 1; i >= 0; i-- {
		tx.modules[i].Unlock(tx)
	}
}

// unlockAndRelease is the commit cleanup path: unlock the first n modules,
// then release the gate, on a mid-commit failure.
func (tx *Tx) unlockAndRelease(locked int) {
	tx.unlockModules(locked)
	tx.shared.release(tx.IsIrrevocable())
}

// RecoveryFunc is the optional callback [Run] invokes, with the transaction
// already rolled back, when the body returns an error or a module calls
// [Tx.RecoverFromError]/[Tx.RecoverFromErrorCode]/[Tx.RecoverFromErrno].
//
// The tx argument is the now-idle transaction that just rolled back;
// callers may still read [Tx.LastError] and [Tx.CounterMap] from it for
// diagnostics, but must not call any method that assumes a running
// transaction. Returning [ErrRestart] (or an error wrapping it) tells Run
// to retry the body in a fresh transaction; any other non-nil error is
// returned from Run as-is; nil tells Run the error was handled and Run
// returns nil.
type RecoveryFunc func(ctx context.Context, tx *Tx, err *TxError) error

// ErrRestart is a sentinel a [RecoveryFunc] returns (or wraps) to ask [Run]
// to retry the body instead of returning.
var ErrRestart = errors.New("stm: restart requested")

// Run is the library's control-flow bracket (C10's "loop { match
// driver.enter(mode) { ... } }" from spec.md §9): it owns the begin/commit/
// rollback/retry loop so callers write only the transactional body.
//
// Run constructs one [Tx] per attempt, calls body with it, and then:
//
//   - If body panicked via [Tx.Restart] or [Tx.ResolveConflict], body
//     returned a conflict error, or Commit failed with a conflict: rolls
//     back (if not already) and retries with a fresh Tx in the original
//     mode. A conflict never reaches recover or the caller.
//   - If body returned any other non-nil error, or panicked via
//     [Tx.RecoverFromError]/[Tx.RecoverFromErrorCode]/[Tx.RecoverFromErrno]:
//     rolls back and, if recover is non-nil, invokes it; recover may itself
//     ask for a retry by returning [ErrRestart].
//   - If body returned nil and Commit succeeded: returns nil.
//   - If body returned nil but Commit failed with a non-conflict error:
//     treated the same as a body error, went through recover.
//
// recover may be nil, in which case an unhandled domain/errno error is
// returned from Run directly (matching spec.md §7: "if they don't [branch
// on begin==false], the default is that recovery handlers call abort" -
// the Go idiom for "abort" being "propagate the error to the caller",
// process abort being left to the caller if that's truly what they want).
//
// A [TxError] marked [TxError.IsNonRecoverable] is never retried regardless
// of recover's return value - Run returns it immediately after rollback.
func Run(ctx context.Context, shared *SharedState, mode Mode, body func(ctx context.Context, tx *Tx) error, recover RecoveryFunc) error {
	for {
		tx, err := Begin(ctx, shared, mode)
		if err != nil {
			return err
		}

		outcome := runBody(ctx, tx, body)

		switch {
		case outcome.retry:
			if tx.state == stateRunning {
				tx.Rollback(ctx)
			}
			tx.logger.Debug().Msg("tx restart")
			continue

		case outcome.txErr != nil:
			if tx.state == stateRunning {
				tx.Rollback(ctx)
			}
			tx.lastErr = outcome.txErr

			if outcome.txErr.Kind() == KindConflicting {
				tx.logger.Debug().Msg("tx body: conflict, retrying")
				continue
			}

			if outcome.txErr.IsNonRecoverable() {
				return outcome.txErr
			}

			if recover == nil {
				return outcome.txErr
			}

			recErr := recover(ctx, tx, outcome.txErr)
			if recErr == nil {
				return nil
			}
			if errors.Is(recErr, ErrRestart) {
				continue
			}
			return recErr

		default:
			commitErr := tx.Commit(ctx)
			if commitErr == nil {
				return nil
			}

			tx.lastErr = commitErr

			if commitErr.Kind() == KindConflicting {
				tx.logger.Debug().Msg("tx commit: conflict, retrying")
				continue
			}

			if commitErr.IsNonRecoverable() {
				return commitErr
			}

			if recover == nil {
				return commitErr
			}

			recErr := recover(ctx, tx, commitErr)
			if recErr == nil {
				return nil
			}
			if errors.Is(recErr, ErrRestart) {
				continue
			}
			return recErr
		}
	}
}

// bodyOutcome is runBody's normalized report of how one attempt ended.
type bodyOutcome struct {
	retry bool
	txErr *TxError
}

// runBody calls body with tx, recovering the internal panics
// [Tx.Restart]/[Tx.ResolveConflict]/[Tx.RecoverFrom*] throw and translating
// them (and any plain error body returns) into a [bodyOutcome]. This is the
// only place those panics are ever recovered - they must not escape Run,
// and they never do, because runBody is the sole caller of body.
func runBody(ctx context.Context, tx *Tx, body func(ctx context.Context, tx *Tx) error) (outcome bodyOutcome) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch sig := r.(type) {
		case controlSignal:
			if sig.restart {
				outcome = bodyOutcome{retry: true}
				return
			}
			outcome = bodyOutcome{txErr: sig.err}
		default:
			panic(r) // not ours: a genuine bug in the body, let it crash
		}
	}()

	if err := body(ctx, tx); err != nil {
		if txErr, ok := err.(*TxError); ok {
			return bodyOutcome{txErr: txErr}
		}
		return bodyOutcome{txErr: newErrnoError(err, false)}
	}
	return bodyOutcome{}
}
