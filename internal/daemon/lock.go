package daemon

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is the single-instance advisory lock described in §5/§6: an exclusive
// non-blocking flock on <configDir>/lock, truncated and rewritten with the
// holder's PID. Grounded on the lock-then-write-pid sequence every daemon in
// this family uses before binding its socket.
type Lock struct {
	f *os.File
}

// ErrAlreadyRunning is returned by AcquireLock when another daemon instance
// already holds the lock.
var ErrAlreadyRunning = fmt.Errorf("daemon: another instance is already running")

// AcquireLock opens (creating if needed) the lock file at path, takes a
// non-blocking exclusive flock, and writes the current PID. On EAGAIN it
// returns ErrAlreadyRunning and the caller should exit silently (§5).
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("daemon: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("daemon: flock: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("daemon: truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("daemon: write pid: %w", err)
	}

	return &Lock{f: f}, nil
}

// Release truncates the lock file, drops the flock, and closes the
// descriptor (§5).
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
