// Package memcell is a reference [stm.Module] implementation binding an
// in-memory key/value store to the kernel: a transactional map, grounded on
// Jekaa-go-mvcc-map's write-buffer-then-apply transaction shape and on the
// versioned-variable validation tiancaiamao's TL2 implementation uses.
//
// It drives the kernel's concrete end-to-end scenarios that talk about a
// shared counter and an allocator-like buffer (single-thread counter,
// two-thread race, rollback preserves state): see handle_test.go.
package memcell
