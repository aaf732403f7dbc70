//go:build !windows

package client

import "syscall"

// detachedProcAttr starts the daemon in its own session so it survives the
// spawning process's exit (§6).
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
