//go:build unix

package launch

import "syscall"

// detachedProcAttr puts the child in a new session so terminal signals
// aimed at the controller's process group do not reach it.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
