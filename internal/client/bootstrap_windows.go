//go:build windows

package client

import "syscall"

// detachedProcAttr starts the daemon detached from the console on Windows
// (§6).
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: 0x00000008} // DETACHED_PROCESS
}
