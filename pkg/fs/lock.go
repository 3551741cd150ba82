package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when a lock cannot be acquired without waiting.
	//
	// It is returned by [Locker.TryLock] when the lock is held by another
	// open file description, and by [Locker.Lock] (joined with ctx.Err())
	// when ctx expires first.
	ErrWouldBlock = errors.New("lock would block")

	// errInodeMismatch is an internal sentinel indicating the lock file was
	// replaced between open and flock. Callers should retry.
	errInodeMismatch = errors.New("inode mismatch")
)

// lockPollInterval is how often [Locker.Lock] retries a non-blocking flock.
const lockPollInterval = 10 * time.Millisecond

// Locker provides exclusive file-based locking using flock(2).
//
// flock is advisory and applies to an open file description, so two handles
// opened in the same process also exclude each other. Lock a dedicated lock
// file that is stable on disk; do not replace or unlink it while locks may
// be held.
//
// Locker verifies that the descriptor it locked still refers to the file
// currently at path at the moment the lock is acquired.
//
// This implementation is Unix-only.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker that uses the given filesystem for file operations.
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
// Close is idempotent. If both unlocking and closing fail, the returned
// error wraps both (see [errors.Join]).
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

// Lock acquires an exclusive lock on the file at path, polling until it is
// available or ctx is done.
//
// The file and its parent directory are created if missing.
func (l *Locker) Lock(ctx context.Context, path string) (*Lock, error) {
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		lock, err := l.TryLock(path)
		if err == nil {
			return lock, nil
		}

		if !errors.Is(err, ErrWouldBlock) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrWouldBlock, ctx.Err())
		case <-ticker.C:
		}
	}
}

// TryLock attempts to acquire an exclusive lock without waiting.
// Returns [ErrWouldBlock] if the lock is held elsewhere.
func (l *Locker) TryLock(path string) (*Lock, error) {
	for {
		lock, err := l.tryOnce(path)
		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return lock, err
	}
}

func (l *Locker) tryOnce(path string) (*Lock, error) {
	err := l.fs.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	file, err := l.fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	fd := int(file.Fd())

	err = flockRetryEINTR(l.flock, fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock: %w", err)
	}

	same, err := l.inodeMatchesPath(file, path)
	if err != nil || !same {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)
		_ = file.Close()

		if err != nil {
			return nil, err
		}

		return nil, errInodeMismatch
	}

	return &Lock{file: file, flock: l.flock}, nil
}

// inodeMatchesPath reports whether file is still the inode linked at path.
// A missing path counts as a mismatch so the caller retries with a fresh file.
func (l *Locker) inodeMatchesPath(file File, path string) (bool, error) {
	var fdStat unix.Stat_t

	err := unix.Fstat(int(file.Fd()), &fdStat)
	if err != nil {
		return false, fmt.Errorf("fstat lock file: %w", err)
	}

	var pathStat unix.Stat_t

	err = unix.Stat(path, &pathStat)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}

		return false, fmt.Errorf("stat lock file: %w", err)
	}

	return fdStat.Dev == pathStat.Dev && fdStat.Ino == pathStat.Ino, nil
}

func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	for {
		err := flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
