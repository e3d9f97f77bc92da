// Package lock guarantees a single controller per command pipe.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// PIDLock is a single-instance lock implemented via a PID file + flock(2).
// Keep the lock alive by keeping the file descriptor open; the kernel
// drops it when the controller exits, however it exits.
type PIDLock struct {
	path string
	f    *os.File
}

func (l *PIDLock) Path() string { return l.path }

// Holder returns the pid recorded in the lock file at lockPath.
func Holder(lockPath string) (int, error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, fmt.Errorf("read lock file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("lock file %s does not contain a pid", lockPath)
	}
	return pid, nil
}
