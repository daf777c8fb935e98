package stm

import "sync"

// LockMap is a sparse, two-level, page-indexed map from an integer key
// (e.g. a file offset in record units) to a per-key [RWLock] (C5). The
// upper level is keyed on key>>PageBits; leaves are fixed-size pages of
// 1<<PageBits locks, created lazily on first touch via atomic
// insert-or-get ([sync.Map.LoadOrStore]) and never removed for the
// lifetime of the map - exactly the "trie of owned page nodes" spec.md §9
// describes as the only structural-sharing hazard in the core.
//
// LockMap is safe for concurrent use by multiple transactions.
type LockMap struct {
	pageBits uint
	pages    sync.Map // map[uint64]*lockPage
}

type lockPage struct {
	locks []RWLock
}

// NewLockMap returns a LockMap whose pages hold 1<<pageBits locks each.
// pageBits is typically sourced from [Tuning.LockMapPageBits].
func NewLockMap(pageBits uint) *LockMap {
	return &LockMap{pageBits: pageBits}
}

func (m *LockMap) pageSize() uint64 {
	return uint64(1) << m.pageBits
}

// lockFor returns the (lazily created) [RWLock] for key.
func (m *LockMap) lockFor(key uint64) *RWLock {
	pageID := key >> m.pageBits
	pageIdx := key & (m.pageSize() - 1)

	v, ok := m.pages.Load(pageID)
	if !ok {
		newPage := &lockPage{locks: make([]RWLock, m.pageSize())}
		v, _ = m.pages.LoadOrStore(pageID, newPage)
	}
	page := v.(*lockPage)
	return &page.locks[pageIdx]
}

// counterEntry is the per-transaction, per-key bookkeeping C5 describes:
// how many times this transaction has taken the corresponding RWLock in
// each mode, so repeat acquisitions inside one region (or overlapping
// regions) are idempotent.
type counterEntry struct {
	rdCount uint32
	wrCount uint32
}

// CounterMap is the per-transaction companion to a [LockMap]: it records
// how many times this transaction has acquired each key's underlying
// rwlock, so [LockMap.RDLockRegion]/[LockMap.WRLockRegion] only call down to
// the rwlock itself on the first acquisition of a given key, and
// [LockMap.UnlockRegion] only releases it when the counter returns to zero.
//
// CounterMap belongs to exactly one transaction and is not safe for
// concurrent use.
type CounterMap struct {
	entries map[uint64]*counterEntry
}

// NewCounterMap returns an empty CounterMap. Built lazily - the map itself
// isn't allocated until the first entry is needed.
func NewCounterMap() *CounterMap {
	return &CounterMap{}
}

func (c *CounterMap) entry(key uint64) *counterEntry {
	if c.entries == nil {
		c.entries = make(map[uint64]*counterEntry)
	}
	e, ok := c.entries[key]
	if !ok {
		e = &counterEntry{}
		c.entries[key] = e
	}
	return e
}

// Counts returns the (read, write) counters this transaction currently
// holds for key, for tests and the "counter map reflects held locks"
// invariant (spec.md §8).
func (c *CounterMap) Counts(key uint64) (rd, wr uint32) {
	if c.entries == nil {
		return 0, 0
	}
	e, ok := c.entries[key]
	if !ok {
		return 0, 0
	}
	return e.rdCount, e.wrCount
}

// RDLockRegion acquires a read lock, for this transaction, on every record
// in [offset, offset+length) (record units), per spec.md §4.5.
//
// If an error occurs partway through the region, already-acquired locks in
// this call remain held: the caller is expected to roll back the whole
// transaction, which releases everything via [LockMap.UnlockRegion] (or
// equivalent per-key unlocks) during rollback's unwind.
func (m *LockMap) RDLockRegion(cm *CounterMap, offset, length uint64) *TxError {
	for key := offset; key < offset+length; key++ {
		e := cm.entry(key)
		if e.wrCount > 0 || e.rdCount > 0 {
			e.rdCount++
			continue
		}
		if !m.lockFor(key).TryRLock() {
			return newConflictError(nilUUID, false)
		}
		e.rdCount = 1
	}
	return nil
}

// WRLockRegion acquires a write lock, for this transaction, on every record
// in [offset, offset+length), upgrading in place where this transaction
// already holds a read lock on a record.
func (m *LockMap) WRLockRegion(cm *CounterMap, offset, length uint64) *TxError {
	for key := offset; key < offset+length; key++ {
		e := cm.entry(key)
		switch {
		case e.wrCount > 0:
			e.wrCount++
		case e.rdCount > 0:
			if !m.lockFor(key).TryWLock(true) {
				return newConflictError(nilUUID, false)
			}
			// The upgrade converts the one reader slot this transaction held
			// into the writer slot in place; there is no separate read lock
			// left to account for.
			e.rdCount = 0
			e.wrCount = 1
		default:
			if !m.lockFor(key).TryWLock(false) {
				return newConflictError(nilUUID, false)
			}
			e.wrCount = 1
		}
	}
	return nil
}

// UnlockRegion releases this transaction's hold on every record in
// [offset, offset+length), decrementing counters and releasing the
// underlying rwlock exactly when a counter returns to zero. Unlocking a
// region (or sub-region) this transaction never locked is a no-op, verified
// purely from counter-map state with no underlying rwlock call.
func (m *LockMap) UnlockRegion(cm *CounterMap, offset, length uint64) {
	if cm.entries == nil {
		return
	}
	for key := offset; key < offset+length; key++ {
		e, ok := cm.entries[key]
		if !ok {
			continue
		}
		switch {
		case e.wrCount > 1:
			e.wrCount--
		case e.wrCount == 1:
			e.wrCount = 0
			m.lockFor(key).UnlockWrite()
		case e.rdCount > 1:
			e.rdCount--
		case e.rdCount == 1:
			e.rdCount = 0
			m.lockFor(key).UnlockRead()
		}
		if e.rdCount == 0 && e.wrCount == 0 {
			delete(cm.entries, key)
		}
	}
}
