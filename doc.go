// Package stm implements a system-level transaction manager: a log-based,
// two-phase-locking transaction kernel that brackets a region of code so its
// side effects on registered [Module] implementations become atomic,
// isolated, and durable with respect to concurrent transactions and error
// recovery.
//
// Unlike a pure memory STM, the side effects a [Module] protects need not be
// in-process memory at all - they can be any OS resource a module chooses to
// bind to the kernel's event log and locking primitives (regular files,
// in-memory cells, and so on - see the modules/ subtree for reference
// implementations).
//
// # Usage
//
// Callers create one process-wide [SharedState] and run transactions against
// it with [Run]:
//
//	shared := stm.NewSharedState(stm.DefaultTuning())
//
//	err := stm.Run(ctx, shared, stm.ModeRevocable, func(ctx context.Context, tx *stm.Tx) error {
//	    h, err := store.Bind(tx)
//	    if err != nil {
//	        return err
//	    }
//	    if err := h.Put("counter", 1); err != nil {
//	        return err
//	    }
//	    return nil
//	}, nil)
//
// [Run] owns the retry loop: a transaction that loses a race for a shared
// resource is rolled back and re-executed automatically; a transaction that
// encounters a domain error or errno is rolled back and handed to the
// optional recovery callback.
//
// For callers that want explicit control over the commit/rollback boundary
// instead of [Run]'s loop, [Begin] returns a [Tx] directly; see [Tx.Commit]
// and [Tx.Rollback].
package stm
