package master

import "syscall"

// sysProcAttr returns process attributes that put the worker in its own
// process group. Pdeathsig is a Linux-only safety net: if the master
// dies unexpectedly, the kernel sends SIGTERM to the worker.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
