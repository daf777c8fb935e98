package stm

import "testing"

func Test_RWLock_TryRLock_Succeeds_When_Unlocked(t *testing.T) {
	l := NewRWLock()

	if got, want := l.TryRLock(), true; got != want {
		t.Fatalf("TryRLock()=%v, want=%v", got, want)
	}
	if got, want := l.ReaderCount(), 1; got != want {
		t.Fatalf("ReaderCount()=%v, want=%v", got, want)
	}
}

func Test_RWLock_TryRLock_Allows_Many_Concurrent_Readers(t *testing.T) {
	l := NewRWLock()

	for i := 0; i < 5; i++ {
		if !l.TryRLock() {
			t.Fatalf("TryRLock() failed on reader %d", i)
		}
	}
	if got, want := l.ReaderCount(), 5; got != want {
		t.Fatalf("ReaderCount()=%v, want=%v", got, want)
	}
}

func Test_RWLock_TryRLock_Fails_When_Write_Locked(t *testing.T) {
	l := NewRWLock()
	if !l.TryWLock(false) {
		t.Fatal("setup: TryWLock failed")
	}

	if got, want := l.TryRLock(), false; got != want {
		t.Fatalf("TryRLock()=%v, want=%v", got, want)
	}
}

func Test_RWLock_TryWLock_Succeeds_When_Unlocked(t *testing.T) {
	l := NewRWLock()

	if got, want := l.TryWLock(false), true; got != want {
		t.Fatalf("TryWLock(false)=%v, want=%v", got, want)
	}
	if got, want := l.ReaderCount(), -1; got != want {
		t.Fatalf("ReaderCount()=%v, want=%v", got, want)
	}
}

func Test_RWLock_TryWLock_Fails_When_Already_Locked(t *testing.T) {
	l := NewRWLock()
	if !l.TryWLock(false) {
		t.Fatal("setup: first TryWLock failed")
	}

	if got, want := l.TryWLock(false), false; got != want {
		t.Fatalf("TryWLock(false)=%v, want=%v", got, want)
	}
}

func Test_RWLock_TryWLock_Upgrade_Succeeds_For_Sole_Reader(t *testing.T) {
	l := NewRWLock()
	if !l.TryRLock() {
		t.Fatal("setup: TryRLock failed")
	}

	if got, want := l.TryWLock(true), true; got != want {
		t.Fatalf("TryWLock(true)=%v, want=%v", got, want)
	}
	if got, want := l.ReaderCount(), -1; got != want {
		t.Fatalf("ReaderCount()=%v, want=%v", got, want)
	}
}

func Test_RWLock_TryWLock_Upgrade_Fails_With_Other_Readers_Present(t *testing.T) {
	l := NewRWLock()
	if !l.TryRLock() {
		t.Fatal("setup: first TryRLock failed")
	}
	if !l.TryRLock() {
		t.Fatal("setup: second TryRLock failed")
	}

	if got, want := l.TryWLock(true), false; got != want {
		t.Fatalf("TryWLock(true)=%v, want=%v", got, want)
	}
	if got, want := l.ReaderCount(), 2; got != want {
		t.Fatalf("ReaderCount()=%v, want=%v", got, want)
	}
}

func Test_RWLock_UnlockRead_Panics_When_Not_Read_Locked(t *testing.T) {
	l := NewRWLock()

	defer func() {
		if recover() == nil {
			t.Fatal("UnlockRead did not panic on an unlocked lock")
		}
	}()
	l.UnlockRead()
}

func Test_RWLock_UnlockWrite_Panics_When_Not_Write_Locked(t *testing.T) {
	l := NewRWLock()

	defer func() {
		if recover() == nil {
			t.Fatal("UnlockWrite did not panic on an unlocked lock")
		}
	}()
	l.UnlockWrite()
}

func Test_RWLock_UnlockWrite_Then_TryWLock_Round_Trips(t *testing.T) {
	l := NewRWLock()
	if !l.TryWLock(false) {
		t.Fatal("setup: TryWLock failed")
	}

	l.UnlockWrite()

	if got, want := l.TryWLock(false), true; got != want {
		t.Fatalf("TryWLock(false) after unlock=%v, want=%v", got, want)
	}
}
