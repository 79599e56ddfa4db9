package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// staleLockAge is how long a lock file may sit untouched before a new
// Open is allowed to reclaim it, on the assumption the owning process
// crashed without releasing it. There is no portable way to probe whether
// a PID from a lock file written by another process is still alive, so
// age is the only signal available.
const staleLockAge = 24 * time.Hour

// Lock is a PID file claiming exclusive ownership of one controller home
// id under storage.lockDirectory, spec.md §6.
type Lock struct {
	path string
}

// AcquireLock claims dir/<homeID-hex>.lock. An empty dir means locking is
// disabled and AcquireLock is a no-op returning a nil *Lock.
func AcquireLock(dir string, homeID uint32) (*Lock, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create lock directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%08x.lock", homeID))

	if info, err := os.Stat(path); err == nil && time.Since(info.ModTime()) > staleLockAge {
		_ = os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, err
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
	cerr := f.Close()
	if werr != nil {
		return nil, werr
	}
	if cerr != nil {
		return nil, cerr
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Releasing a nil Lock (locking disabled)
// is a no-op.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	return os.Remove(l.path)
}
