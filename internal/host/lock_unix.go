//go:build unix

package host

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// InstanceLock holds the single-instance lock file.
type InstanceLock struct {
	file *os.File
}

// AcquireInstanceLock takes an exclusive flock on a lock file under dir.
// A second daemon instance fails here instead of fighting over the port.
func AcquireInstanceLock(dir, name string) (*InstanceLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run dir: %w", err)
	}
	path := filepath.Join(dir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("another instance is already running")
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &InstanceLock{file: f}, nil
}

// Release drops the lock.
func (l *InstanceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}
