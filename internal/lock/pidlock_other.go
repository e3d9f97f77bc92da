//go:build !unix

package lock

import "fmt"

// AcquirePIDLock is unsupported without flock(2).
func AcquirePIDLock(lockPath string) (*PIDLock, error) {
	return nil, fmt.Errorf("instance lock is not supported on this platform")
}

func (l *PIDLock) Release() error { return nil }
