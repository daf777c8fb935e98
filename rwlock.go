package stm

import "sync/atomic"

// rwLockWriter is the sentinel state value meaning "one writer holds the
// lock". Any other value is the number of current readers (0 = unlocked).
const rwLockWriter = ^uint32(0)

// RWLock is a single-word reader/writer lock supporting many concurrent
// readers xor one writer, try-acquire only, and in-place reader-to-writer
// upgrade (C1).
//
// Every mutator is non-blocking: contention is reported as a failed
// try-acquire, never waited on. Callers that need blocking behavior build it
// on top, one layer up (see [SharedState] for the one place in this package
// that does), by retrying with backoff - RWLock itself never sleeps or
// spins beyond the handful of CompareAndSwap retries needed to resolve a
// race on the state word itself.
//
// The zero value is an unlocked lock, ready to use.
type RWLock struct {
	state atomic.Uint32
}

// NewRWLock returns a new unlocked [RWLock]. Equivalent to the zero value;
// provided for symmetry with the rest of the package's constructors.
func NewRWLock() *RWLock {
	return &RWLock{}
}

// TryRLock attempts to acquire a read (shared) lock. It succeeds if no
// writer currently holds the lock.
func (l *RWLock) TryRLock() bool {
	for {
		cur := l.state.Load()
		if cur == rwLockWriter {
			return false
		}
		if l.state.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// TryWLock attempts to acquire a write (exclusive) lock.
//
// If upgrade is false, it succeeds only if the lock is currently unlocked.
// If upgrade is true, it succeeds only if the calling transaction is the
// lock's sole current reader, converting that one reader slot into the
// writer slot in place; it fails (without side effects) if any other reader
// is present.
func (l *RWLock) TryWLock(upgrade bool) bool {
	if upgrade {
		return l.state.CompareAndSwap(1, rwLockWriter)
	}
	return l.state.CompareAndSwap(0, rwLockWriter)
}

// UnlockRead releases one previously acquired read lock.
//
// It panics if the lock is not currently read-locked by at least one reader;
// callers are expected to pair this with a prior successful [RWLock.TryRLock]
// (enforced in practice by [RWState], which makes unlock idempotent).
func (l *RWLock) UnlockRead() {
	for {
		cur := l.state.Load()
		if cur == 0 || cur == rwLockWriter {
			panic("stm: RWLock.UnlockRead called on a lock that is not read-locked")
		}
		if l.state.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// UnlockWrite releases a previously acquired write lock.
//
// It panics if the lock is not currently write-locked.
func (l *RWLock) UnlockWrite() {
	if !l.state.CompareAndSwap(rwLockWriter, 0) {
		panic("stm: RWLock.UnlockWrite called on a lock that is not write-locked")
	}
}

// ReaderCount reports the current number of readers, or -1 if the lock is
// held by a writer. Intended for tests and diagnostics, not for making
// acquisition decisions (it is stale the instant it's read).
func (l *RWLock) ReaderCount() int {
	cur := l.state.Load()
	if cur == rwLockWriter {
		return -1
	}
	return int(cur)
}
