package link

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/conneroisu/devloop/internal/errors"
)

// LockFileName is the name of the single-instance lock in the state dir.
const LockFileName = "devloop.lock"

// InstanceLock keeps a second supervisor from driving the same project.
type InstanceLock struct {
	path  string
	flock *flock.Flock
}

// AcquireLock takes the lock in dir without blocking. It fails with an
// ERR_ALREADY_RUNNING process error when another supervisor holds it.
func AcquireLock(dir string) (*InstanceLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	path := filepath.Join(dir, LockFileName)
	fl := flock.New(path)

	acquired, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, errors.NewProcessError(
			errors.ErrCodeAlreadyRunning,
			"another devloop instance is running for this project",
			nil,
		).WithFile(path)
	}

	return &InstanceLock{path: path, flock: fl}, nil
}

// Path returns the lock file path.
func (l *InstanceLock) Path() string {
	return l.path
}

// Release unlocks the lock. Safe to call more than once.
func (l *InstanceLock) Release() error {
	if l == nil || !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
