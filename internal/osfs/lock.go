package osfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned by LockWithTimeout/RLockWithTimeout when the
	// acquisition timeout expires before the lock becomes available.
	ErrWouldBlock = errors.New("osfs: lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("osfs: invalid lock timeout")

	// errInodeMismatch is an internal sentinel indicating the lock file was
	// replaced between open and flock. Callers retry.
	errInodeMismatch = errors.New("osfs: inode mismatch")
)

// Locker provides whole-file advisory locking via flock(2), one lock file per
// record that [modules/filebytes] reads or writes. It backs the record-granularity
// locking spec.md §4.5 describes for file-like resources, one level below the
// sparse lock map, which only tracks the byte-range held by a transaction.
//
// flock locks an inode, not a pathname, so Locker verifies the lock file
// wasn't replaced out from under it (see [Locker.inodeMatchesPath]).
//
// Locker has no mutable state beyond its dependencies and is safe for
// concurrent use as long as the underlying [FS] is.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker that uses fs for file operations.
func NewLocker(fs FS) *Locker {
	return &Locker{
		fs:    fs,
		flock: unix.Flock,
	}
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent: subsequent calls return nil. Closing a file
// descriptor releases any flock held by it, so Close's explicit unlock is
// belt-and-braces - if it fails but the close still succeeds, the lock is
// usually released anyway.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("osfs: unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("osfs: closing lock fd: %w", closeErr)
	}

	return nil
}

type lockType int

const (
	sharedLock    lockType = unix.LOCK_SH
	exclusiveLock lockType = unix.LOCK_EX
)

// LockWithTimeout attempts to acquire an exclusive lock on the file at path,
// retrying with exponential backoff (1ms to 25ms) until timeout expires,
// creating path and its parent directories if needed.
//
// Returns [ErrWouldBlock] if timeout expires first, [ErrInvalidTimeout] if
// timeout <= 0. [modules/filebytes] uses a bounded timeout rather than an
// unbounded blocking acquire so a stuck cross-process holder can't wedge a
// commit attempt forever - [Tuning.FileLockTimeout] sizes it.
func (l *Locker) LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}
	return l.lockPolling(path, exclusiveLock, timeout)
}

// RLockWithTimeout is [Locker.LockWithTimeout] for a shared (read) lock.
// Multiple readers can hold a shared lock at once; a shared lock blocks
// exclusive locks and vice versa.
func (l *Locker) RLockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}
	return l.lockPolling(path, sharedLock, timeout)
}

// lockPolling acquires a lock using non-blocking flock with exponential
// backoff, retrying until timeout expires.
func (l *Locker) lockPolling(path string, lt lockType, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond
	openFlag := openFlagForLockType(lt)

	for {
		file, err := l.openLockFile(path, openFlag)
		if err != nil {
			return nil, fmt.Errorf("osfs: opening lockfile: %w", err)
		}

		err = l.acquire(file, path, lt)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		retryable := errors.Is(err, ErrWouldBlock) || errors.Is(err, errInodeMismatch)
		if !retryable {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if errors.Is(err, errInodeMismatch) {
				return nil, fmt.Errorf("%w: timed out after %s (lock file was replaced while acquiring lock)", ErrWouldBlock, timeout)
			}
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}
		time.Sleep(sleep)

		if backoff < 25*time.Millisecond {
			backoff *= 2
			if backoff > 25*time.Millisecond {
				backoff = 25 * time.Millisecond
			}
		}
	}
}

// acquire flocks file non-blockingly and verifies the inode still matches
// path. On failure the file is unlocked (if needed) but not closed - the
// caller closes it.
func (l *Locker) acquire(file File, path string, lt lockType) error {
	fd := int(file.Fd())
	flags := int(lt) | unix.LOCK_NB

	if err := flockRetryEINTR(l.flock, fd, flags); err != nil {
		if isWouldBlock(err) {
			return ErrWouldBlock
		}
		return err
	}

	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)
		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}
		return fmt.Errorf("osfs: verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)
		return errInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

func (l *Locker) openLockFile(path string, flag int) (File, error) {
	f, err := l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath guards against flock's inode-not-pathname semantics: if
// path was replaced (rename, delete+recreate) between open and flock, a
// successful flock on the old inode would silently stop guarding path. It
// compares (dev,ino) of the open fd against a fresh [FS.Stat] of path;
// callers unlock and retry on mismatch.
func (l *Locker) inodeMatchesPath(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*unix.Stat_t)
	if !ok || openSys == nil {
		return false, fmt.Errorf("osfs: file.Stat Sys=%T, want *unix.Stat_t", openInfo.Sys())
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*unix.Stat_t)
	if !ok || pathSys == nil {
		return false, fmt.Errorf("osfs: fs.Stat Sys=%T, want *unix.Stat_t", pathInfo.Sys())
	}

	return uint64(openSys.Dev) == uint64(pathSys.Dev) && openSys.Ino == pathSys.Ino, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}

func openFlagForLockType(lt lockType) int {
	if lt == sharedLock {
		return os.O_RDONLY
	}
	return os.O_RDWR
}

// flockRetryEINTR wraps flock, retrying on EINTR up to a bounded number of
// times. EINTR means a signal interrupted the syscall before completion, not
// that it failed; in practice this loop should never come close to its cap.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
