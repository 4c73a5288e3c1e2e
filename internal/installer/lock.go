// Package installer implements the install-mode CLI path: acquiring the
// `.install.lock` exclusive cross-process lock and invoking the opaque
// platform provisioner. The lock uses flock(2) for a single non-blocking
// acquire/release, retried under a caller-supplied timeout: a single
// acquire-run-release for the duration of one install, not a renewed
// leadership lease.
package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/devicefarmd/agent/internal/agenterr"
)

// LockFileName is the conventional basename of the install lock file inside
// an install folder, used by callers composing the lock path and by Clean
// to avoid removing a lock it may itself be running under.
const LockFileName = ".install.lock"

// Lock is a held exclusive lock on a single lock file.
type Lock struct {
	file *os.File
	path string
}

const pollInterval = 100 * time.Millisecond

// Acquire blocks (polling) until the lock at path is obtained, ctx is
// cancelled, or timeout elapses, whichever comes first.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating install lock directory: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		l, err := tryAcquire(path)
		if err == nil {
			return l, nil
		}
		if err != agenterr.ErrLockHeld {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, agenterr.ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func tryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening install lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, agenterr.ErrLockHeld
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	f.Sync()

	return &Lock{file: f, path: path}, nil
}

// Release unlocks and closes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
