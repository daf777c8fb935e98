package stm

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func Test_SharedState_AcquireRevocable_Allows_Multiple_Concurrent(t *testing.T) {
	s := NewSharedState(DefaultTuning())
	ctx := context.Background()

	if err := s.acquireRevocable(ctx); err != nil {
		t.Fatalf("first acquireRevocable: %v", err)
	}
	if err := s.acquireRevocable(ctx); err != nil {
		t.Fatalf("second acquireRevocable: %v", err)
	}
}

func Test_SharedState_AcquireIrrevocable_Excludes_Revocable(t *testing.T) {
	s := NewSharedState(DefaultTuning())
	id := uuid.New()
	ctx := context.Background()

	if err := s.acquireIrrevocable(ctx, id); err != nil {
		t.Fatalf("acquireIrrevocable: %v", err)
	}

	got, ok := s.ExclusiveTx()
	if !ok || got != id {
		t.Fatalf("ExclusiveTx()=(%v,%v), want=(%v,true)", got, ok, id)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := s.acquireRevocable(shortCtx); err == nil {
		t.Fatal("expected acquireRevocable to block behind a running irrevocable transaction")
	}
}

func Test_SharedState_Release_Unblocks_Waiters(t *testing.T) {
	s := NewSharedState(DefaultTuning())
	id := uuid.New()
	ctx := context.Background()

	if err := s.acquireIrrevocable(ctx, id); err != nil {
		t.Fatalf("acquireIrrevocable: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.acquireRevocable(ctx)
	}()

	time.Sleep(5 * time.Millisecond)
	s.release(true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquireRevocable after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquireRevocable never unblocked after release")
	}

	if _, ok := s.ExclusiveTx(); ok {
		t.Fatal("ExclusiveTx should be cleared after releasing an irrevocable hold")
	}
}

func Test_SharedState_AcquireIrrevocable_Waits_Behind_Revocable(t *testing.T) {
	s := NewSharedState(DefaultTuning())
	ctx := context.Background()

	if err := s.acquireRevocable(ctx); err != nil {
		t.Fatalf("acquireRevocable: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := s.acquireIrrevocable(shortCtx, uuid.New()); err == nil {
		t.Fatal("expected acquireIrrevocable to block behind a running revocable transaction")
	}

	s.release(false)

	id := uuid.New()
	if err := s.acquireIrrevocable(ctx, id); err != nil {
		t.Fatalf("acquireIrrevocable after release: %v", err)
	}
}
