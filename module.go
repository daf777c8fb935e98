package stm

// Module is the interface a resource class (an in-memory cell, a durable
// file region, or any other side effect a transaction should make atomic)
// implements to register itself with a transaction (C7). It replaces the
// nine-function-pointer vtable of the original design with a plain Go
// interface - one value per module instance, carrying its own state instead
// of an opaque data pointer.
//
// A transaction calls a module's methods in the strict orders §4.7.3/§4.7.4
// describe: Lock (registration order) -> IsValid (registration order) ->
// ApplyEvents (event order, batched) -> UpdateCC (registration order) ->
// Unlock (REVERSE registration order) -> Finish (registration order) on
// commit; UndoEvents (reverse event order, one at a time) -> ClearCC
// (registration order) -> Unlock (REVERSE registration order) -> Finish
// (registration order) on rollback.
//
// noUndo, threaded through every method that takes it, is true exactly when
// the owning transaction is irrevocable (spec.md §4.7.5): modules may take
// irreversible fast paths once noUndo is true, since an irrevocable
// transaction never rolls back.
type Module interface {
	// Lock acquires whatever locks this module needs to validate and apply
	// the transaction's effects on it. Called once per commit attempt, in
	// registration order, before validation.
	Lock(tx *Tx) *TxError

	// Unlock releases locks taken by Lock, along with any record locks the
	// module took during the body. Called once per attempt, in REVERSE
	// registration order: after the event log has been applied on a
	// successful commit, on the cleanup path of a failed commit (for every
	// registered module, whether or not its Lock ran), and after ClearCC on
	// rollback.
	Unlock(tx *Tx)

	// IsValid checks that this module's view of its resource is still
	// consistent with what the transaction observed during its body - the
	// optimistic-concurrency-control validation step.
	IsValid(tx *Tx, noUndo bool) *TxError

	// ApplyEvents applies a (possibly batched, always same-ModuleID,
	// chronologically contiguous) run of this module's own events.
	ApplyEvents(events []Event, noUndo bool) *TxError

	// UndoEvents reverses the effect of a single event produced by this
	// module, called one event at a time in reverse chronological order.
	UndoEvents(event Event, noUndo bool) *TxError

	// UpdateCC updates this module's concurrency-control bookkeeping (e.g.
	// version counters) to reflect a successful commit.
	UpdateCC(tx *Tx, noUndo bool) *TxError

	// ClearCC discards concurrency-control state acquired during a rolled
	// back transaction's body, symmetric to UpdateCC.
	ClearCC(tx *Tx, noUndo bool) *TxError

	// Finish runs after commit or rollback has otherwise completed for this
	// module, in registration order, for cleanup that doesn't depend on
	// outcome-specific ordering.
	Finish(tx *Tx, noUndo bool) *TxError

	// Uninit tears the module down permanently when the owning transaction
	// object is released (not called per-attempt).
	Uninit()
}
