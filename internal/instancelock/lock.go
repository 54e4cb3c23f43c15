// Package instancelock enforces spec.md invariant 1: at most one bridge
// process per (lock-dir, instance) pair. The lock file may persist across
// crashes; only the advisory flock held on its fd matters.
package instancelock

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Lock is an acquired exclusive advisory lock on a file under lockDir
// named after instance. Release is idempotent and safe to call on any
// exit path.
type Lock struct {
	f *os.File
}

// ErrHeld is returned by Acquire when another process already holds the
// lock for (lockDir, instance).
type ErrHeld struct {
	Path string
}

func (e *ErrHeld) Error() string {
	return fmt.Sprintf("instance lock %s is held by another process", e.Path)
}

// Path returns the lock file path for (lockDir, instance), exported so
// callers (and tests) can reason about it without re-deriving the naming
// convention.
func Path(lockDir, instance string) string {
	return filepath.Join(lockDir, fmt.Sprintf("cpc-gpio-bridge.%s.lock", instance))
}

// Acquire opens (creating if necessary) and flock(2)s the instance lock
// file in non-blocking exclusive mode. On success the caller owns the
// lock until Release is called.
func Acquire(lockDir, instance string) (*Lock, error) {
	path := Path(lockDir, instance)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, &ErrHeld{Path: path}
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &Lock{f: f}, nil
}

// Release unlocks and closes the underlying file. It is safe to call
// multiple times and safe to call on a nil *Lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return cerr
}
