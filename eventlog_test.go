package stm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// recordingModule is a minimal [Module] that records how ApplyEvents/
// UndoEvents were called, for verifying [EventLog]'s batching and ordering.
type recordingModule struct {
	applyCalls [][]Event
	undoCalls  []Event
	failOn     uint64 // Cookie to fail on, 0 = never
}

func (m *recordingModule) Lock(tx *Tx) *TxError   { return nil }
func (m *recordingModule) Unlock(tx *Tx)          {}
func (m *recordingModule) IsValid(tx *Tx, noUndo bool) *TxError { return nil }
func (m *recordingModule) UpdateCC(tx *Tx, noUndo bool) *TxError { return nil }
func (m *recordingModule) ClearCC(tx *Tx, noUndo bool) *TxError  { return nil }
func (m *recordingModule) Finish(tx *Tx, noUndo bool) *TxError   { return nil }
func (m *recordingModule) Uninit()                               {}

func (m *recordingModule) ApplyEvents(events []Event, noUndo bool) *TxError {
	for _, ev := range events {
		if m.failOn != 0 && ev.Cookie == m.failOn {
			return newConflictError(nilUUID, false)
		}
	}
	cp := append([]Event(nil), events...)
	m.applyCalls = append(m.applyCalls, cp)
	return nil
}

func (m *recordingModule) UndoEvents(event Event, noUndo bool) *TxError {
	m.undoCalls = append(m.undoCalls, event)
	return nil
}

func Test_EventLog_Inject_Returns_Sequential_Indices(t *testing.T) {
	l := NewEventLog()

	if got, want := l.Inject(0, 1, 10), 0; got != want {
		t.Fatalf("first Inject()=%v, want=%v", got, want)
	}
	if got, want := l.Inject(0, 1, 20), 1; got != want {
		t.Fatalf("second Inject()=%v, want=%v", got, want)
	}
	if got, want := l.Len(), 2; got != want {
		t.Fatalf("Len()=%v, want=%v", got, want)
	}
}

func Test_EventLog_ApplyEvents_Batches_Consecutive_Same_Module_Events(t *testing.T) {
	l := NewEventLog()
	l.Inject(0, 1, 1)
	l.Inject(0, 1, 2)
	l.Inject(1, 1, 3)
	l.Inject(0, 1, 4)

	modA, modB := &recordingModule{}, &recordingModule{}
	modules := []Module{modA, modB}

	if err := l.ApplyEvents(modules, false); err.IsSet() {
		t.Fatalf("ApplyEvents: %v", err)
	}

	if got, want := len(modA.applyCalls), 2; got != want {
		t.Fatalf("module 0 got %d ApplyEvents calls, want %v", got, want)
	}
	if got, want := len(modA.applyCalls[0]), 2; got != want {
		t.Fatalf("module 0's first call batched %d events, want %v", got, want)
	}
	if got, want := len(modB.applyCalls), 1; got != want {
		t.Fatalf("module 1 got %d ApplyEvents calls, want %v", got, want)
	}
}

func Test_EventLog_ApplyEvents_Stops_At_First_Error(t *testing.T) {
	l := NewEventLog()
	l.Inject(0, 1, 1)
	l.Inject(0, 1, 2) // will fail
	l.Inject(0, 1, 3)

	mod := &recordingModule{failOn: 2}
	err := l.ApplyEvents([]Module{mod}, false)

	if !err.IsSet() {
		t.Fatal("expected ApplyEvents to report an error")
	}
	if got, want := len(mod.applyCalls), 0; got != want {
		t.Fatalf("module got %d successful ApplyEvents calls, want %v", got, want)
	}
}

func Test_EventLog_UndoEvents_Visits_In_Reverse_One_At_A_Time(t *testing.T) {
	l := NewEventLog()
	l.Inject(0, 1, 1)
	l.Inject(0, 1, 2)
	l.Inject(0, 1, 3)

	mod := &recordingModule{}
	if err := l.UndoEvents([]Module{mod}, false); err.IsSet() {
		t.Fatalf("UndoEvents: %v", err)
	}

	want := []uint64{3, 2, 1}
	if len(mod.undoCalls) != len(want) {
		t.Fatalf("undoCalls=%v, want cookies %v", mod.undoCalls, want)
	}
	for i, w := range want {
		if mod.undoCalls[i].Cookie != w {
			t.Fatalf("undoCalls[%d].Cookie=%v, want=%v", i, mod.undoCalls[i].Cookie, w)
		}
	}
}

func Test_EventLog_Events_Reflects_Injected_Order(t *testing.T) {
	l := NewEventLog()
	l.Inject(0, 1, 10)
	l.Inject(1, 2, 20)

	want := []Event{
		{ModuleID: 0, OpID: 1, Cookie: 10},
		{ModuleID: 1, OpID: 2, Cookie: 20},
	}
	if diff := cmp.Diff(want, l.Events()); diff != "" {
		t.Fatalf("Events() mismatch (-want +got):\n%s", diff)
	}
}

func Test_EventLog_Clear_Empties_The_Log(t *testing.T) {
	l := NewEventLog()
	l.Inject(0, 1, 1)
	l.Inject(0, 1, 2)

	l.Clear()

	if got, want := l.Len(), 0; got != want {
		t.Fatalf("Len() after Clear()=%v, want=%v", got, want)
	}
}

func Test_EventLog_ApplyEvents_Reports_OutOfBounds_For_Unknown_Module(t *testing.T) {
	l := NewEventLog()
	l.Inject(5, 1, 1)

	err := l.ApplyEvents([]Module{&recordingModule{}}, false)
	if !err.IsSet() {
		t.Fatal("expected an error for an out-of-range module id")
	}
	code, ok := err.AsErrorCode()
	if !ok || code != ErrCodeOutOfBounds {
		t.Fatalf("AsErrorCode()=(%v,%v), want=(%v,true)", code, ok, ErrCodeOutOfBounds)
	}
}
