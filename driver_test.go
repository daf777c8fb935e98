package stm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func Test_Run_Commits_A_Successful_Body(t *testing.T) {
	s := NewSharedState(DefaultTuning())

	err := Run(context.Background(), s, ModeRevocable, func(ctx context.Context, tx *Tx) error {
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func Test_Run_Returns_Body_Error_When_No_Recovery_Given(t *testing.T) {
	s := NewSharedState(DefaultTuning())
	sentinel := errors.New("boom")

	err := Run(context.Background(), s, ModeRevocable, func(ctx context.Context, tx *Tx) error {
		return sentinel
	}, nil)

	if !errors.Is(err, sentinel) {
		t.Fatalf("Run()=%v, want wrapping %v", err, sentinel)
	}
}

func Test_Run_Retries_On_Explicit_Restart(t *testing.T) {
	s := NewSharedState(DefaultTuning())
	attempts := 0

	err := Run(context.Background(), s, ModeRevocable, func(ctx context.Context, tx *Tx) error {
		attempts++
		if attempts == 1 {
			tx.Restart()
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := attempts, 2; got != want {
		t.Fatalf("attempts=%v, want=%v", got, want)
	}
}

func Test_Run_Retries_On_ResolveConflict(t *testing.T) {
	s := NewSharedState(DefaultTuning())
	attempts := 0

	err := Run(context.Background(), s, ModeRevocable, func(ctx context.Context, tx *Tx) error {
		attempts++
		if attempts == 1 {
			tx.ResolveConflict(nil)
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := attempts, 2; got != want {
		t.Fatalf("attempts=%v, want=%v", got, want)
	}
}

func Test_Run_Invokes_Recovery_For_RecoverFromErrorCode(t *testing.T) {
	s := NewSharedState(DefaultTuning())
	var seenCode ErrorCode
	var recoveryCalled bool

	err := Run(context.Background(), s, ModeRevocable, func(ctx context.Context, tx *Tx) error {
		tx.RecoverFromErrorCode(ErrCodeOutOfBounds, false)
		return nil // unreachable
	}, func(ctx context.Context, tx *Tx, txErr *TxError) error {
		recoveryCalled = true
		code, _ := txErr.AsErrorCode()
		seenCode = code
		return nil
	})

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !recoveryCalled {
		t.Fatal("recovery callback was never invoked")
	}
	if got, want := seenCode, ErrCodeOutOfBounds; got != want {
		t.Fatalf("seenCode=%v, want=%v", got, want)
	}
}

func Test_Run_Recovery_Can_Request_Restart(t *testing.T) {
	s := NewSharedState(DefaultTuning())
	attempts := 0

	err := Run(context.Background(), s, ModeRevocable, func(ctx context.Context, tx *Tx) error {
		attempts++
		if attempts == 1 {
			tx.RecoverFromErrorCode(ErrCodeOutOfMemory, false)
		}
		return nil
	}, func(ctx context.Context, tx *Tx, txErr *TxError) error {
		return ErrRestart
	})

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := attempts, 2; got != want {
		t.Fatalf("attempts=%v, want=%v", got, want)
	}
}

func Test_Run_NonRecoverable_Error_Skips_Recovery(t *testing.T) {
	s := NewSharedState(DefaultTuning())
	recoveryCalled := false

	err := Run(context.Background(), s, ModeRevocable, func(ctx context.Context, tx *Tx) error {
		tx.RecoverFromErrorCode(ErrCodeOutOfMemory, true)
		return nil
	}, func(ctx context.Context, tx *Tx, txErr *TxError) error {
		recoveryCalled = true
		return nil
	})

	if err == nil {
		t.Fatal("expected a non-recoverable error to be returned from Run")
	}
	if recoveryCalled {
		t.Fatal("recovery callback must not run for a non-recoverable error")
	}
	if !err.(*TxError).IsNonRecoverable() {
		t.Fatal("returned error should report IsNonRecoverable")
	}
}

// conflictOnceModule conflicts validation on its first call, then succeeds -
// used to exercise Run's retry-on-commit-conflict path end to end.
type conflictOnceModule struct {
	validateCalls int
}

func (m *conflictOnceModule) Lock(tx *Tx) *TxError   { return nil }
func (m *conflictOnceModule) Unlock(tx *Tx)          {}
func (m *conflictOnceModule) ApplyEvents(events []Event, noUndo bool) *TxError { return nil }
func (m *conflictOnceModule) UndoEvents(event Event, noUndo bool) *TxError     { return nil }
func (m *conflictOnceModule) UpdateCC(tx *Tx, noUndo bool) *TxError           { return nil }
func (m *conflictOnceModule) ClearCC(tx *Tx, noUndo bool) *TxError            { return nil }
func (m *conflictOnceModule) Finish(tx *Tx, noUndo bool) *TxError             { return nil }
func (m *conflictOnceModule) Uninit()                                        {}

func (m *conflictOnceModule) IsValid(tx *Tx, noUndo bool) *TxError {
	m.validateCalls++
	if m.validateCalls == 1 {
		return newConflictError(nilUUID, false)
	}
	return nil
}

func Test_Run_Retries_On_Commit_Time_Conflict(t *testing.T) {
	s := NewSharedState(DefaultTuning())
	mod := &conflictOnceModule{}

	err := Run(context.Background(), s, ModeRevocable, func(ctx context.Context, tx *Tx) error {
		_, txErr := tx.RegisterModule(mod)
		if txErr != nil {
			return txErr
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := mod.validateCalls, 2; got != want {
		t.Fatalf("validateCalls=%v, want=%v", got, want)
	}
}

func Test_Tx_RegisterModule_Fails_Past_Capacity(t *testing.T) {
	s := NewSharedState(Tuning{LockMapPageBits: 8, ModuleCapacity: 1, GateMinBackoff: 100 * time.Microsecond, GateMaxBackoff: 10 * time.Millisecond})

	err := Run(context.Background(), s, ModeRevocable, func(ctx context.Context, tx *Tx) error {
		if _, txErr := tx.RegisterModule(&recordingModule{}); txErr != nil {
			return txErr
		}
		_, txErr := tx.RegisterModule(&recordingModule{})
		if txErr == nil {
			t.Fatal("expected RegisterModule to fail past capacity")
		}
		code, ok := txErr.AsErrorCode()
		if !ok || code != ErrCodeOutOfModules {
			t.Fatalf("AsErrorCode()=(%v,%v), want=(%v,true)", code, ok, ErrCodeOutOfModules)
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func Test_Tx_ResolveConflict_Outside_Running_Panics_With_ErrNotInTransaction(t *testing.T) {
	tx := &Tx{state: stateIdle}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a panic")
		}
		if !errors.Is(r.(error), ErrNotInTransaction) {
			t.Fatalf("recovered=%v, want=%v", r, ErrNotInTransaction)
		}
	}()
	tx.ResolveConflict(nil)
}
