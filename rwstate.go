package stm

// LockStatus is a transaction's current relation to one [RWLock] (C2).
type LockStatus int

const (
	// Unlocked means this transaction has not acquired the lock.
	Unlocked LockStatus = iota
	// RDLocked means this transaction holds a read lock on it.
	RDLocked
	// WRLocked means this transaction holds a write lock on it (reached
	// either directly or by upgrading from RDLocked).
	WRLocked
)

func (s LockStatus) String() string {
	switch s {
	case RDLocked:
		return "rdlocked"
	case WRLocked:
		return "wrlocked"
	default:
		return "unlocked"
	}
}

// RWState tracks one transaction's idempotent relation to a single
// [RWLock] (C2). It lets a module call TryRDLock/TryWRLock freely on a hot
// path without tracking separately whether it already holds the lock: the
// state monotonically advances Unlocked -> RDLocked -> WRLocked within one
// transaction, and re-acquiring a mode already held is a no-op.
//
// RWState is not safe for concurrent use - it belongs to exactly one
// transaction, matching the ownership of the [RWLock] field it's paired
// with.
type RWState struct {
	status LockStatus
	lock   *RWLock
}

// NewRWState returns a zeroed (Unlocked) [RWState].
func NewRWState() *RWState {
	return &RWState{}
}

// Status returns the current lock relation.
func (s *RWState) Status() LockStatus {
	return s.status
}

// TryRDLock ensures the state is at least RDLocked against lock.
//
// If the state already reflects RDLocked or WRLocked, this is a no-op that
// returns nil (re-acquiring read access while already holding a stronger or
// equal lock never fails). Otherwise it delegates to lock.TryRLock; on
// success the state advances to RDLocked, on failure it returns
// [ErrConflict] wrapped in a [TxError].
func (s *RWState) TryRDLock(lock *RWLock) *TxError {
	if s.status != Unlocked {
		return nil
	}
	if !lock.TryRLock() {
		return newConflictError(nilUUID, false)
	}
	s.lock = lock
	s.status = RDLocked
	return nil
}

// TryWRLock ensures the state is WRLocked against lock.
//
// If already WRLocked, this is a no-op. If currently RDLocked, it attempts
// an in-place upgrade (lock.TryWLock(true)); on success the state advances
// to WRLocked, on failure the state is left at RDLocked and a conflict is
// returned (the read lock is NOT released - the caller still holds it and
// will release it normally on unlock). If Unlocked, it attempts a direct
// write acquisition (lock.TryWLock(false)).
func (s *RWState) TryWRLock(lock *RWLock) *TxError {
	switch s.status {
	case WRLocked:
		return nil
	case RDLocked:
		if !lock.TryWLock(true) {
			return newConflictError(nilUUID, false)
		}
		s.status = WRLocked
		return nil
	default:
		if !lock.TryWLock(false) {
			return newConflictError(nilUUID, false)
		}
		s.lock = lock
		s.status = WRLocked
		return nil
	}
}

// Unlock releases whichever mode is currently held and resets the state to
// Unlocked. It is a no-op if the state is already Unlocked.
func (s *RWState) Unlock() {
	switch s.status {
	case RDLocked:
		s.lock.UnlockRead()
	case WRLocked:
		s.lock.UnlockWrite()
	default:
		return
	}
	s.lock = nil
	s.status = Unlocked
}

// Uninit resets the state without touching the underlying lock. Used when a
// module is torn down and the lock itself is being discarded along with it.
func (s *RWState) Uninit() {
	s.lock = nil
	s.status = Unlocked
}
