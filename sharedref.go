package stm

import (
	"sync/atomic"
	"time"
)

// spinLock is a minimal atomic-flag spin lock with exponential backoff,
// suitable for critical sections bounded by trivial user-provided callbacks
// (spec.md §9: "implementable as an atomic flag with exponential back-off").
// It is not reentrant.
type spinLock struct {
	flag atomic.Bool
}

func (s *spinLock) Lock() {
	backoff := time.Microsecond
	for !s.flag.CompareAndSwap(false, true) {
		time.Sleep(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

func (s *spinLock) Unlock() {
	s.flag.Store(false)
}

// CondFunc is a veto callback run under a [SharedRef]'s internal lock. A
// false result aborts the increment/decrement without changing the counter.
type CondFunc func(data any) bool

// RefFunc is a first-ref/final-ref callback run under a [SharedRef]'s
// internal lock, exactly once per 0->1 or 1->0 transition.
type RefFunc func(data any) error

// SharedRef is a 16-bit reference counter with an internal spin lock and
// user-provided condition/first-ref/final-ref callbacks, used by modules to
// serialize first-use setup and last-use teardown of a shared resource (C3).
//
// The zero value is a SharedRef with count 0, ready to use.
type SharedRef struct {
	mu    spinLock
	count atomic.Uint32 // stored as uint32 (no 16-bit atomics in sync/atomic); semantically a 16-bit counter
}

// NewSharedRef returns a zeroed [SharedRef].
func NewSharedRef() *SharedRef {
	return &SharedRef{}
}

// Up increments the reference count.
//
// Fast path: if both cond and firstRef are nil, Up is a single atomic
// increment with no locking. Otherwise it acquires the internal spin lock,
// runs cond (if non-nil); a false result releases the lock and returns
// (false, nil) without changing the counter. Otherwise the counter is
// incremented, and if this was the 0->1 transition, firstRef runs under the
// lock; if firstRef returns an error, the increment is rolled back before
// the lock is released and the error is returned.
//
// The returned bool reports whether the counter was actually incremented.
func (r *SharedRef) Up(data any, cond CondFunc, firstRef RefFunc) (bool, error) {
	if cond == nil && firstRef == nil {
		r.count.Add(1)
		return true, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cond != nil && !cond(data) {
		return false, nil
	}

	wasZero := r.count.Load() == 0
	r.count.Add(1)

	if wasZero && firstRef != nil {
		if err := firstRef(data); err != nil {
			r.count.Add(^uint32(0)) // -1
			return false, err
		}
	}

	return true, nil
}

// Down decrements the reference count, symmetric to [SharedRef.Up].
//
// If this is the 1->0 transition, finalRef runs under the lock. If finalRef
// returns an error, the returned *[TxError] is marked non-recoverable
// ([TxError.IsNonRecoverable]): teardown cannot be undone, so the error must
// be treated as fatal rather than retried.
func (r *SharedRef) Down(data any, cond CondFunc, finalRef RefFunc) (bool, *TxError) {
	if cond == nil && finalRef == nil {
		for {
			cur := r.count.Load()
			if cur == 0 {
				return false, nil
			}
			if r.count.CompareAndSwap(cur, cur-1) {
				return true, nil
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count.Load() == 0 {
		return false, nil
	}

	if cond != nil && !cond(data) {
		return false, nil
	}

	newCount := r.count.Add(^uint32(0)) // -1

	if newCount == 0 && finalRef != nil {
		if err := finalRef(data); err != nil {
			return true, newErrnoError(err, true)
		}
	}

	return true, nil
}

// Count returns the current reference count.
func (r *SharedRef) Count() uint16 {
	return uint16(r.count.Load())
}
