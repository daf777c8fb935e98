// Package filebytes is a reference [stm.Module] implementation binding
// transactional byte-range writes to regular files - the module-facing
// answer to spec.md's "regular files" resource class.
//
// It is grounded on the teacher's filesystem abstraction ([osfs.FS]), its
// durable-replace-via-rename pattern (now [osfs.Real.WriteFileAtomic], via
// github.com/natefinch/atomic), and its advisory flock-based record locking
// ([osfs.Locker]/[osfs.Lock]). Record-granularity locking within one
// process is layered on top via [stm.LockMap]/[stm.CounterMap]
// (spec.md §4.5); cross-process mutual exclusion for the same record is
// layered on top of that via a dedicated flock lock file per record,
// acquired in the module's Lock step and released in Unlock.
package filebytes
