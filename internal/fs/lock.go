// Package fs holds the small amount of filesystem plumbing the cache tools
// need: advisory flock locks on segment lock files and atomic snapshot writes.
package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when a lock cannot be acquired without waiting.
	ErrWouldBlock = errors.New("lock would block")

	// errInodeMismatch is an internal sentinel indicating the lock file was
	// replaced between open and flock. Callers retry.
	errInodeMismatch = errors.New("inode mismatch")
)

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755

	maxEINTRRetries = 10000
)

// Locker takes flock(2) locks on lock files.
//
// flock is advisory and applies to an inode, not a pathname. Locker verifies
// that the descriptor it locked still refers to the file at path, so a lock
// file replaced during acquisition never yields two owners for one path.
//
// Locker is safe for concurrent use.
type Locker struct {
	flock func(fd int, how int) error
}

// NewLocker returns a Locker using the real flock syscall.
func NewLocker() *Locker {
	return &Locker{flock: unix.Flock}
}

// Lock is a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  *os.File
	flock func(fd int, how int) error
}

// Path returns the path of the locked file, or "" after Close.
func (lk *Lock) Path() string {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return ""
	}

	return lk.file.Name()
}

// Close releases the lock and closes the descriptor. Close is idempotent.
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
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// TryLock attempts to take an exclusive lock on path without blocking.
//
// The lock file and its parent directories are created if missing. Returns
// an error wrapping [ErrWouldBlock] if another descriptor holds the lock.
func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.try(path, unix.LOCK_EX)
}

// TryRLock attempts to take a shared lock on path without blocking.
func (l *Locker) TryRLock(path string) (*Lock, error) {
	return l.try(path, unix.LOCK_SH)
}

// Held reports whether some process currently holds an exclusive lock on
// path. A missing lock file means no holder.
func (l *Locker) Held(path string) (bool, error) {
	_, statErr := os.Stat(path)
	if errors.Is(statErr, os.ErrNotExist) {
		return false, nil
	}

	lk, err := l.TryRLock(path)
	if errors.Is(err, ErrWouldBlock) {
		return true, nil
	}

	if err != nil {
		return false, err
	}

	return false, lk.Close()
}

func (l *Locker) try(path string, how int) (*Lock, error) {
	// One retry covers a lock file replaced between open and flock; a second
	// replacement in a row is reported as contention.
	for range 2 {
		file, err := openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, how|unix.LOCK_NB)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		if !errors.Is(err, errInodeMismatch) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: lock file was replaced while acquiring lock", ErrWouldBlock)
}

func (l *Locker) acquire(file *os.File, path string, how int) error {
	fd := int(file.Fd())

	if err := flockRetryEINTR(l.flock, fd, how); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	match, err := inodeMatchesPath(path, file)
	if err == nil && match {
		return nil
	}

	_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("verifying inode match: %w", err)
	}

	return errInodeMismatch
}

func openLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := os.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath compares (dev, inode) of the open descriptor with the
// file currently at path.
func inodeMatchesPath(path string, f *os.File) (bool, error) {
	var open, current unix.Stat_t

	if err := unix.Fstat(int(f.Fd()), &open); err != nil {
		return false, err
	}

	if err := unix.Stat(path, &current); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, os.ErrNotExist
		}

		return false, err
	}

	return open.Dev == current.Dev && open.Ino == current.Ino, nil
}

// flockRetryEINTR retries flock while it is interrupted by signals, with a
// cap so a signal storm cannot spin forever.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
