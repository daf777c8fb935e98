package stm

// Event is one append-only log record: which module produced it, which
// operation it represents, and an opaque module-defined cookie identifying
// what to apply/undo (C6).
type Event struct {
	ModuleID int
	OpID     int
	Cookie   uint64
}

// EventLog is the chronological, append-only sequence of [Event]s a
// transaction produces during its body. It is owned exclusively by one
// transaction - Inject is a non-atomic append, safe only because a single
// goroutine drives one transaction at a time (spec.md §5).
type EventLog struct {
	events []Event
}

// NewEventLog returns an empty EventLog.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Inject appends a new event and returns its index in the log.
func (l *EventLog) Inject(moduleID, opID int, cookie uint64) int {
	l.events = append(l.events, Event{ModuleID: moduleID, OpID: opID, Cookie: cookie})
	return len(l.events) - 1
}

// Len returns the number of events currently in the log.
func (l *EventLog) Len() int {
	return len(l.events)
}

// Events returns the log's events in chronological order. The returned
// slice aliases internal storage and must not be mutated by the caller.
func (l *EventLog) Events() []Event {
	return l.events
}

// Clear empties the log, ready for the next transaction attempt.
func (l *EventLog) Clear() {
	l.events = l.events[:0]
}

// ApplyEvents walks the log forward, delegating to each event's module in
// chronological order. Consecutive events sharing the same ModuleID are
// batched into a single call to that module's ApplyEvents, giving modules a
// chance to fuse work (spec.md §4.6). Iteration stops at the first error;
// the log's own state after a partial apply is left as-is - tolerating that
// is the module's responsibility.
func (l *EventLog) ApplyEvents(modules []Module, noUndo bool) *TxError {
	i := 0
	for i < len(l.events) {
		moduleID := l.events[i].ModuleID
		j := i + 1
		for j < len(l.events) && l.events[j].ModuleID == moduleID {
			j++
		}
		if moduleID < 0 || moduleID >= len(modules) || modules[moduleID] == nil {
			return newCodeError(ErrCodeOutOfBounds, false)
		}
		if err := modules[moduleID].ApplyEvents(l.events[i:j], noUndo); err != nil {
			return wrapModuleError(err)
		}
		i = j
	}
	return nil
}

// UndoEvents walks the log in reverse, delegating one event at a time (no
// batching - order matters for undo) to its module's UndoEvents. Iteration
// stops at the first error.
func (l *EventLog) UndoEvents(modules []Module, noUndo bool) *TxError {
	for i := len(l.events) - 1; i >= 0; i-- {
		ev := l.events[i]
		if ev.ModuleID < 0 || ev.ModuleID >= len(modules) || modules[ev.ModuleID] == nil {
			return newCodeError(ErrCodeOutOfBounds, false)
		}
		if err := modules[ev.ModuleID].UndoEvents(ev, noUndo); err != nil {
			return wrapModuleError(err)
		}
	}
	return nil
}

// wrapModuleError normalizes whatever error a [Module] callback returned
// into a *[TxError], so the driver always propagates a single error shape
// regardless of whether the module already speaks TxError or a plain error
// (e.g. from a syscall wrapper).
func wrapModuleError(err error) *TxError {
	if err == nil {
		return nil
	}
	if txErr, ok := err.(*TxError); ok {
		return txErr
	}
	return newErrnoError(err, false)
}
