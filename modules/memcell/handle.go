package memcell

import (
	"github.com/calvinalkan/stmkernel"
)

const (
	opPut = iota
	opDelete
	opBufferWrite
	opFree
)

type bufferedOp struct {
	kind   int
	id     uint64
	value  any
	offset int
	data   []byte
}

type readEntry struct {
	id            uint64
	seenVersion   uint64
	seenExistence bool
}

// Handle binds one transaction to a [Store]. Callers get one by calling
// [Store.Bind] once per transaction; Handle registers itself as an
// [stm.Module] as part of that call.
//
// Writes are buffered locally (read-your-own-writes via [Handle.Get]) and
// only materialized into the Store during [stm.Tx.Commit]'s apply step, the
// way the teacher's WAL-based transactions buffer operations in a map keyed
// by id and apply them in one pass at commit.
type Handle struct {
	tx       *stm.Tx
	store    *Store
	moduleID int

	reads []readEntry
	ops   []bufferedOp
}

// Bind registers a new [Handle] on store with tx, returning the handle the
// caller uses for the rest of the transaction's body.
func (s *Store) Bind(tx *stm.Tx) (*Handle, *stm.TxError) {
	h := &Handle{tx: tx, store: s}
	id, err := tx.RegisterModule(h)
	if err != nil {
		return nil, err
	}
	h.moduleID = id
	return h, nil
}

// Get reads key, returning (value, true, nil) if it exists, (nil, false,
// nil) if it doesn't, or a non-nil error on lock conflict. A value
// previously [Handle.Put]/[Handle.Delete] earlier in the same transaction
// is visible immediately (read-your-own-writes), without consulting the
// record lock or the store.
func (h *Handle) Get(key string) (any, bool, *stm.TxError) {
	id := h.store.idFor(key)

	if v, found, ok := h.localOp(id); ok {
		return v, found, nil
	}

	if err := h.store.locks.RDLockRegion(h.tx.CounterMap(), id, 1); err != nil {
		return nil, false, err
	}

	c := h.store.snapshot(id)
	h.reads = append(h.reads, readEntry{id: id, seenVersion: c.version, seenExistence: c.exists})

	return c.value, c.exists, nil
}

// localOp scans this handle's buffered ops backward for the most recent
// write to id, reporting whether one was found.
func (h *Handle) localOp(id uint64) (value any, found bool, hasLocalOp bool) {
	for i := len(h.ops) - 1; i >= 0; i-- {
		op := h.ops[i]
		if op.id != id {
			continue
		}
		switch op.kind {
		case opPut:
			return op.value, true, true
		case opDelete:
			return nil, false, true
		}
	}
	return nil, false, false
}

// Put buffers an upsert of key to value, to be materialized on commit.
func (h *Handle) Put(key string, value any) *stm.TxError {
	id := h.store.idFor(key)
	if err := h.store.locks.WRLockRegion(h.tx.CounterMap(), id, 1); err != nil {
		return err
	}
	idx := len(h.ops)
	h.ops = append(h.ops, bufferedOp{kind: opPut, id: id, value: value})
	h.tx.InjectEvent(h.moduleID, opPut, uint64(idx))
	return nil
}

// Delete buffers removal of key, to be materialized on commit.
func (h *Handle) Delete(key string) *stm.TxError {
	id := h.store.idFor(key)
	if err := h.store.locks.WRLockRegion(h.tx.CounterMap(), id, 1); err != nil {
		return err
	}
	idx := len(h.ops)
	h.ops = append(h.ops, bufferedOp{kind: opDelete, id: id})
	h.tx.InjectEvent(h.moduleID, opDelete, uint64(idx))
	return nil
}

// Alloc reserves a fresh anonymous buffer of size bytes and buffers its
// initial zeroed contents, to be materialized on commit; it returns the
// buffer's id, used with [Handle.Write] and [Handle.Free]. Like any other
// buffered op, a transaction that never commits never allocates anything
// observable: rollback simply discards the buffered op (spec.md §8
// scenario 3).
func (h *Handle) Alloc(size int) (uint64, *stm.TxError) {
	id := h.store.allocID()
	if err := h.store.locks.WRLockRegion(h.tx.CounterMap(), id, 1); err != nil {
		return 0, err
	}
	idx := len(h.ops)
	h.ops = append(h.ops, bufferedOp{kind: opBufferWrite, id: id, offset: 0, data: make([]byte, size)})
	h.tx.InjectEvent(h.moduleID, opBufferWrite, uint64(idx))
	return id, nil
}

// Write buffers a write of data at offset into the buffer id previously
// returned by [Handle.Alloc].
func (h *Handle) Write(id uint64, offset int, data []byte) *stm.TxError {
	if err := h.store.locks.WRLockRegion(h.tx.CounterMap(), id, 1); err != nil {
		return err
	}
	idx := len(h.ops)
	cp := append([]byte(nil), data...)
	h.ops = append(h.ops, bufferedOp{kind: opBufferWrite, id: id, offset: offset, data: cp})
	h.tx.InjectEvent(h.moduleID, opBufferWrite, uint64(idx))
	return nil
}

// Free buffers release of the buffer id, to be materialized on commit.
func (h *Handle) Free(id uint64) *stm.TxError {
	if err := h.store.locks.WRLockRegion(h.tx.CounterMap(), id, 1); err != nil {
		return err
	}
	idx := len(h.ops)
	h.ops = append(h.ops, bufferedOp{kind: opFree, id: id})
	h.tx.InjectEvent(h.moduleID, opFree, uint64(idx))
	return nil
}

// --- stm.Module ------------------------------------------------------------

// Lock is a no-op: memcell takes its record locks eagerly, at the point of
// each Get/Put/Delete/Alloc/Write/Free call during the transaction's body
// (true two-phase locking), so there is nothing left to acquire at commit
// time.
func (h *Handle) Lock(tx *stm.Tx) *stm.TxError {
	return nil
}

// Unlock releases every record lock this handle acquired during the
// transaction, via [stm.LockMap.UnlockRegion], calling it once per recorded
// read and buffered op so a record locked several times has its counter
// brought back to zero.
func (h *Handle) Unlock(tx *stm.Tx) {
	for _, r := range h.reads {
		h.store.locks.UnlockRegion(tx.CounterMap(), r.id, 1)
	}
	for _, op := range h.ops {
		h.store.locks.UnlockRegion(tx.CounterMap(), op.id, 1)
	}
}

// IsValid re-validates every record this handle read against the store's
// current version, the TL2-style defense-in-depth check: under the locks
// held since each read, no other transaction should have been able to
// commit a conflicting write, but a module is free to double check, and
// memcell does.
func (h *Handle) IsValid(tx *stm.Tx, noUndo bool) *stm.TxError {
	for _, r := range h.reads {
		c := h.store.snapshot(r.id)
		if c.version != r.seenVersion || c.exists != r.seenExistence {
			return stm.NewConflictError()
		}
	}
	return nil
}

// ApplyEvents materializes this handle's buffered ops into the store, in
// the order InjectEvent recorded them (they are always this handle's own
// ModuleID; the core hands over each consecutive run of them in one call).
func (h *Handle) ApplyEvents(events []stm.Event, noUndo bool) *stm.TxError {
	for _, ev := range events {
		op := h.ops[ev.Cookie]
		switch op.kind {
		case opPut:
			h.store.commitValue(op.id, op.value)
		case opDelete:
			h.store.commitDelete(op.id)
		case opBufferWrite:
			h.store.commitBufferWrite(op.id, op.offset, op.data)
		case opFree:
			h.store.commitFree(op.id)
		}
	}
	return nil
}

// UndoEvents is a no-op: memcell only materializes a buffered op during
// ApplyEvents inside a successful commit, and [stm.Tx.Rollback] only calls
// UndoEvents for a transaction that never reached (or never completed)
// commit - so by construction, there is nothing here to undo yet.
func (h *Handle) UndoEvents(event stm.Event, noUndo bool) *stm.TxError {
	return nil
}

// UpdateCC is a no-op: the version bump already happened as part of
// ApplyEvents (commitValue/commitDelete/... increment the cell's version),
// matching the teacher's WAL style of writing-then-confirming in one pass
// rather than a separate confirmation phase.
func (h *Handle) UpdateCC(tx *stm.Tx, noUndo bool) *stm.TxError {
	return nil
}

// ClearCC is a no-op for the same reason UndoEvents is: nothing was applied
// to undo, so there is no concurrency-control state to clear either.
func (h *Handle) ClearCC(tx *stm.Tx, noUndo bool) *stm.TxError {
	return nil
}

// Finish clears this handle's local buffers; the handle is not reused
// across transactions (callers call [Store.Bind] again for the next one).
func (h *Handle) Finish(tx *stm.Tx, noUndo bool) *stm.TxError {
	h.reads = nil
	h.ops = nil
	return nil
}

// Uninit is a no-op: a Handle owns no resources beyond its slices.
func (h *Handle) Uninit() {}
