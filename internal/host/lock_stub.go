//go:build !unix

package host

import (
	"fmt"
	"os"
	"path/filepath"
)

// InstanceLock holds the single-instance lock file.
type InstanceLock struct {
	path string
}

// AcquireInstanceLock creates the lock file exclusively. Best effort on
// platforms without flock semantics.
func AcquireInstanceLock(dir, name string) (*InstanceLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run dir: %w", err)
	}
	path := filepath.Join(dir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another instance is already running")
		}
		return nil, err
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return &InstanceLock{path: path}, nil
}

// Release drops the lock.
func (l *InstanceLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	return os.Remove(l.path)
}
