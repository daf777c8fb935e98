package memcell

import (
	"sync"

	"github.com/calvinalkan/stmkernel"
)

// cell is one named value's or buffer's committed state.
type cell struct {
	version uint64
	exists  bool
	value   any
	buf     []byte
}

// Store is the shared, process-wide backing map a [Handle] binds a
// transaction to. One Store is meant to be shared across many concurrent
// transactions the way a real module's global table would be; record-level
// isolation between them is provided by its embedded [stm.LockMap].
type Store struct {
	mu     sync.Mutex
	nextID uint64
	ids    map[string]uint64
	cells  map[uint64]*cell

	locks *stm.LockMap
}

// NewStore returns an empty Store whose record lock map is sized per
// tuning.LockMapPageBits.
func NewStore(tuning stm.Tuning) *Store {
	return &Store{
		ids:   make(map[string]uint64),
		cells: make(map[uint64]*cell),
		locks: stm.NewLockMap(tuning.LockMapPageBits),
	}
}

// idFor returns the stable numeric id backing key, allocating both the id
// and an empty cell on first use. The id, not the string, is what the
// sparse lock map and counter map key off of (spec.md §4.5 describes the
// map's keys as integers, e.g. file offsets in record units - here, a
// monotonically assigned per-key slot).
func (s *Store) idFor(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.ids[key]; ok {
		return id
	}
	s.nextID++
	id := s.nextID
	s.ids[key] = id
	s.cells[id] = &cell{}
	return id
}

// allocID reserves a fresh anonymous id for a buffer allocation (no string
// key), used by [Handle.Alloc].
func (s *Store) allocID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.cells[id] = &cell{}
	return id
}

// snapshot returns a copy of the cell at id's current committed state.
func (s *Store) snapshot(id uint64) cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[id]
	if !ok {
		return cell{}
	}
	cp := *c
	cp.buf = append([]byte(nil), c.buf...)
	return cp
}

// commitValue materializes a put, bumping the cell's version.
func (s *Store) commitValue(id uint64, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cells[id]
	c.value = value
	c.exists = true
	c.version++
}

// commitDelete materializes a delete, bumping the cell's version.
func (s *Store) commitDelete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cells[id]
	c.value = nil
	c.exists = false
	c.version++
}

// commitBufferWrite materializes a byte-range write into a buffer cell,
// growing it as needed, bumping the cell's version.
func (s *Store) commitBufferWrite(id uint64, offset int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cells[id]
	needed := offset + len(data)
	if len(c.buf) < needed {
		grown := make([]byte, needed)
		copy(grown, c.buf)
		c.buf = grown
	}
	copy(c.buf[offset:], data)
	c.exists = true
	c.version++
}

// commitFree materializes a buffer free, bumping the cell's version.
func (s *Store) commitFree(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cells[id]
	c.buf = nil
	c.exists = false
	c.version++
}
