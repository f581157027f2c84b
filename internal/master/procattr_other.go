//go:build !linux

package master

import "syscall"

// sysProcAttr returns process attributes that put the worker in its own
// process group. Pdeathsig is not available on non-Linux platforms.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
