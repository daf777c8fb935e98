package filebytes

import (
	"github.com/google/uuid"

	"github.com/calvinalkan/stmkernel"
	"github.com/calvinalkan/stmkernel/internal/osfs"
)

type bufferedWrite struct {
	recordID uint64
	name     string
	offset   int64
	data     []byte
	writeID  uuid.UUID
}

// Handle binds one transaction to a [Store]. Get one via [Store.Bind], once
// per transaction; Bind registers the Handle as an [stm.Module].
//
// Writes are buffered locally and only materialized - via
// [osfs.Real.WriteFileAtomic] - during [stm.Tx.Commit]'s apply step.
// Record-level locks (one per file name) are acquired eagerly, at the point
// of each [Handle.WriteRegion]/[Handle.ReadRegion] call, true two-phase
// locking; a second, OS-level flock per record is acquired only at commit
// time (the module's Lock step) to exclude other *processes* writing the
// same file concurrently.
type Handle struct {
	tx       *stm.Tx
	store    *Store
	moduleID int

	reads  []string
	writes []bufferedWrite

	heldLocks map[string]*osfs.Lock
}

// Bind registers a new [Handle] on store with tx.
func (s *Store) Bind(tx *stm.Tx) (*Handle, *stm.TxError) {
	h := &Handle{tx: tx, store: s}
	id, err := tx.RegisterModule(h)
	if err != nil {
		return nil, err
	}
	h.moduleID = id
	return h, nil
}

// ReadRegion reads name's entire current contents, taking a read lock on
// the record for the remainder of the transaction. A name this transaction
// has already buffered a write for returns the buffered (not-yet-durable)
// contents instead, read-your-own-writes.
func (h *Handle) ReadRegion(name string) ([]byte, bool, *stm.TxError) {
	id := h.store.idFor(name)

	if data, found, ok := h.localWrite(name); ok {
		return data, found, nil
	}

	if err := h.store.locks.RDLockRegion(h.tx.CounterMap(), id, 1); err != nil {
		return nil, false, err
	}
	h.reads = append(h.reads, name)

	data, found, ioErr := h.store.read(name)
	if ioErr != nil {
		return nil, false, stm.NewConflictError()
	}
	return data, found, nil
}

// localWrite replays this handle's buffered writes for name, if any,
// against the record's on-disk contents, reporting whether a write exists.
func (h *Handle) localWrite(name string) ([]byte, bool, bool) {
	var base []byte
	var found, hasWrite bool
	for _, w := range h.writes {
		if w.name != name {
			continue
		}
		hasWrite = true
		if base == nil {
			data, existed, _ := h.store.read(name)
			base = data
			found = existed
		}
		needed := w.offset + int64(len(w.data))
		if int64(len(base)) < needed {
			grown := make([]byte, needed)
			copy(grown, base)
			base = grown
		}
		copy(base[w.offset:], w.data)
		found = true
	}
	return base, found, hasWrite
}

// WriteRegion buffers a durable write of data at offset into record name,
// to be materialized on commit. It takes a write lock on the record for the
// remainder of the transaction.
func (h *Handle) WriteRegion(name string, offset int64, data []byte) *stm.TxError {
	id := h.store.idFor(name)
	if err := h.store.locks.WRLockRegion(h.tx.CounterMap(), id, 1); err != nil {
		return err
	}

	cp := append([]byte(nil), data...)
	idx := len(h.writes)
	h.writes = append(h.writes, bufferedWrite{
		recordID: id,
		name:     name,
		offset:   offset,
		data:     cp,
		writeID:  uuid.New(),
	})
	h.tx.InjectEvent(h.moduleID, 0, uint64(idx))
	return nil
}

// --- stm.Module ------------------------------------------------------------

// Lock acquires this transaction's cross-process advisory file locks: one
// flock per distinct record name this handle touched, exclusive for names it
// buffered a write for and shared for names it only read, bounded by
// [Tuning.FileLockTimeout] so a stuck cross-process holder can't wedge the
// commit. This excludes a concurrent transaction in another process from
// interleaving its own write to the same record between our validation and
// our apply.
func (h *Handle) Lock(tx *stm.Tx) *stm.TxError {
	writeNames := make(map[string]bool, len(h.writes))
	for _, w := range h.writes {
		writeNames[w.name] = true
	}
	if len(writeNames) == 0 && len(h.reads) == 0 {
		return nil
	}

	h.heldLocks = make(map[string]*osfs.Lock, len(writeNames)+len(h.reads))
	for name := range writeNames {
		lk, err := h.store.locker.LockWithTimeout(h.store.lockPath(name), h.store.lockTimeout)
		if err != nil {
			return stm.NewConflictError()
		}
		h.heldLocks[name] = lk
	}
	for _, name := range h.reads {
		if _, ok := h.heldLocks[name]; ok || writeNames[name] {
			continue
		}
		lk, err := h.store.locker.RLockWithTimeout(h.store.lockPath(name), h.store.lockTimeout)
		if err != nil {
			return stm.NewConflictError()
		}
		h.heldLocks[name] = lk
	}
	return nil
}

// Unlock releases every flock acquired in Lock, then every record lock this
// handle took during the body. It calls [stm.LockMap.UnlockRegion] once per
// WriteRegion/ReadRegion acquisition, so a record locked several times has
// its counter brought back to zero and its lock released.
func (h *Handle) Unlock(tx *stm.Tx) {
	for name, lk := range h.heldLocks {
		_ = lk.Close()
		delete(h.heldLocks, name)
	}

	for _, w := range h.writes {
		h.store.locks.UnlockRegion(tx.CounterMap(), w.recordID, 1)
	}
	for _, name := range h.reads {
		h.store.locks.UnlockRegion(tx.CounterMap(), h.store.idFor(name), 1)
	}
}

// IsValid is a no-op: the in-process [stm.LockMap] and the cross-process
// flock acquired in Lock together already guarantee no other writer can
// have touched a record this transaction is about to apply a write to.
func (h *Handle) IsValid(tx *stm.Tx, noUndo bool) *stm.TxError {
	return nil
}

// ApplyEvents materializes this handle's buffered writes durably, replacing
// each record's full contents with a temp-file-plus-rename
// ([osfs.Real.WriteFileAtomic]) so a concurrent reader never observes a
// partially written file.
func (h *Handle) ApplyEvents(events []stm.Event, noUndo bool) *stm.TxError {
	byName := make(map[string][]bufferedWrite)
	order := make([]string, 0, len(events))
	for _, ev := range events {
		w := h.writes[ev.Cookie]
		if _, ok := byName[w.name]; !ok {
			order = append(order, w.name)
		}
		byName[w.name] = append(byName[w.name], w)
	}

	for _, name := range order {
		base, _, err := h.store.read(name)
		if err != nil {
			return newIOError(err)
		}
		for _, w := range byName[name] {
			needed := w.offset + int64(len(w.data))
			if int64(len(base)) < needed {
				grown := make([]byte, needed)
				copy(grown, base)
				base = grown
			}
			copy(base[w.offset:], w.data)
		}
		if err := h.store.fsys.WriteFileAtomic(h.store.dataPath(name), base, 0o644); err != nil {
			return newIOError(err)
		}
	}
	return nil
}

// UndoEvents is a no-op: like [memcell.Handle], filebytes only materializes
// a buffered write during ApplyEvents inside a successful commit, and
// [stm.Tx.Rollback] only runs for a transaction that never reached (or
// never completed) commit - so there is nothing on disk yet to undo.
func (h *Handle) UndoEvents(event stm.Event, noUndo bool) *stm.TxError {
	return nil
}

// UpdateCC is a no-op: filebytes has no separate concurrency-control state
// beyond the record lock itself, which Unlock already releases.
func (h *Handle) UpdateCC(tx *stm.Tx, noUndo bool) *stm.TxError {
	return nil
}

// ClearCC is a no-op, symmetric with UpdateCC.
func (h *Handle) ClearCC(tx *stm.Tx, noUndo bool) *stm.TxError {
	return nil
}

// Finish clears this handle's local buffers; a Handle is not reused across
// transactions.
func (h *Handle) Finish(tx *stm.Tx, noUndo bool) *stm.TxError {
	h.reads = nil
	h.writes = nil
	return nil
}

// Uninit is a no-op: a Handle owns no resources beyond its slices and
// already-released locks.
func (h *Handle) Uninit() {}

func newIOError(err error) *stm.TxError {
	return stm.NewErrnoError(err)
}
