package letree

import (
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockName is the flock file guarding a store directory against a second
// process. The lock lives for the Store's lifetime; in-process
// coordination is handled by the store's own mutexes.
const lockName = "LOCK"

type storeLock struct {
	fd int
}

// acquireStoreLock takes an exclusive, non-blocking flock on dir/LOCK.
// Contention returns [ErrBusy].
func acquireStoreLock(dir string) (*storeLock, error) {
	path := filepath.Join(dir, lockName)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("store in use: %w", ErrBusy)
		}

		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &storeLock{fd: fd}, nil
}

// release drops the lock. Safe to call on nil.
func (l *storeLock) release() {
	if l == nil || l.fd < 0 {
		return
	}

	_ = unix.Flock(l.fd, unix.LOCK_UN)
	_ = unix.Close(l.fd)
	l.fd = -1
}
