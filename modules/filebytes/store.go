package filebytes

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/calvinalkan/stmkernel"
	"github.com/calvinalkan/stmkernel/internal/osfs"
)

// Store is the shared, process-wide binding between a directory on disk and
// the kernel: one Store is meant to be shared across many concurrent
// transactions, the way a real module's global table would be. Record names
// (relative paths under dir) are mapped to stable numeric ids for
// [stm.LockMap]/[stm.CounterMap] keying, the same scheme [memcell.Store]
// uses.
type Store struct {
	fsys        osfs.FS
	locker      *osfs.Locker
	dir         string
	lockTimeout time.Duration

	mu     sync.Mutex
	ids    map[string]uint64
	nextID uint64

	locks *stm.LockMap
}

// NewStore returns a Store rooted at dir (created if it doesn't exist),
// using the real filesystem.
func NewStore(dir string, tuning stm.Tuning) (*Store, error) {
	fsys := osfs.NewReal()
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		fsys:        fsys,
		locker:      osfs.NewLocker(fsys),
		dir:         dir,
		lockTimeout: tuning.FileLockTimeout,
		ids:         make(map[string]uint64),
		locks:       stm.NewLockMap(tuning.LockMapPageBits),
	}, nil
}

// idFor returns the stable numeric id backing a record name, allocating one
// on first use.
func (s *Store) idFor(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.ids[name]; ok {
		return id
	}
	s.nextID++
	s.ids[name] = s.nextID
	return s.nextID
}

func (s *Store) dataPath(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) lockPath(name string) string {
	return filepath.Join(s.dir, ".locks", name+".lock")
}

// read returns the current on-disk contents of name, or (nil, false, nil)
// if it doesn't exist yet.
func (s *Store) read(name string) ([]byte, bool, error) {
	exists, err := s.fsys.Exists(s.dataPath(name))
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	data, err := s.fsys.ReadFile(s.dataPath(name))
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
