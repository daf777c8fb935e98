package stm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SharedState is the process-wide irrevocability gate and the only
// intrinsic cross-thread synchronization point of the core (C9): any
// number of revocable transactions may run concurrently as readers, but at
// most one irrevocable transaction may run, as the sole writer, and it
// excludes every revocable transaction while it does.
//
// [RWLock] itself is strictly non-blocking (spec.md §4.1): a failed
// try-acquire reports conflict, it never waits. The "begin(IRREVOCABLE)
// waits until no revocable transaction is running" behavior spec.md §4.7.5
// describes is layered on top, here, as a bounded spin-retry loop with
// exponential backoff - SharedState is the one place in this package that
// turns C1's non-blocking primitive into a blocking one, deliberately kept
// out of RWLock so RWLock's own invariants stay exactly as specified.
type SharedState struct {
	gate RWLock

	mu          sync.Mutex
	exclusiveTx uuid.UUID
	hasExcl     bool

	tuning Tuning
	logger zerolog.Logger
}

// NewSharedState returns a new SharedState tuned by tuning, using the
// package's current default logger (see [SetLogger]).
func NewSharedState(tuning Tuning) *SharedState {
	return &SharedState{
		tuning: tuning,
		logger: *defaultLogger.Load(),
	}
}

// WithLogger returns a shallow copy of s using logger instead of the
// package default. Intended to be called once, right after
// [NewSharedState].
func (s *SharedState) WithLogger(logger zerolog.Logger) *SharedState {
	cp := *s
	cp.logger = logger
	return &cp
}

// ExclusiveTx returns the identifier of the currently running irrevocable
// transaction, and true, or the zero value and false if none is running.
func (s *SharedState) ExclusiveTx() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exclusiveTx, s.hasExcl
}

// acquireRevocable blocks (via backoff-retry on [RWLock.TryRLock]) until it
// acquires the gate as a reader, or ctx is done.
func (s *SharedState) acquireRevocable(ctx context.Context) error {
	return s.retryUntil(ctx, func() bool {
		return s.gate.TryRLock()
	})
}

// acquireIrrevocable blocks until it acquires the gate as the sole writer,
// then records txID as the exclusive transaction.
func (s *SharedState) acquireIrrevocable(ctx context.Context, txID uuid.UUID) error {
	s.logger.Debug().Str("tx", txID.String()).Msg("irrevocable wait: acquiring gate")
	if err := s.retryUntil(ctx, func() bool {
		return s.gate.TryWLock(false)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.exclusiveTx = txID
	s.hasExcl = true
	s.mu.Unlock()
	return nil
}

// release releases the gate, as whichever mode wasIrrevocable indicates.
func (s *SharedState) release(wasIrrevocable bool) {
	if wasIrrevocable {
		s.mu.Lock()
		s.hasExcl = false
		s.exclusiveTx = uuid.UUID{}
		s.mu.Unlock()
		s.gate.UnlockWrite()
		return
	}
	s.gate.UnlockRead()
}

// retryUntil retries try with exponential backoff (bounded by
// s.tuning.GateMinBackoff/GateMaxBackoff) until it returns true or ctx is
// done.
func (s *SharedState) retryUntil(ctx context.Context, try func() bool) error {
	if try() {
		return nil
	}

	backoff := s.tuning.GateMinBackoff
	if backoff <= 0 {
		backoff = 100 * time.Microsecond
	}
	maxBackoff := s.tuning.GateMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Millisecond
	}

	timer := time.NewTimer(backoff)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if try() {
			return nil
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		timer.Reset(backoff)
	}
}
