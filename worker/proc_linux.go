//go:build linux

package worker

import "syscall"

// childSysProcAttr makes the child a session leader (its own process group,
// the signal target for cooperative and forced termination) and links its
// lifetime to the supervising process: if the worker dies, the kernel
// delivers SIGKILL to the child. Descendants that double-fork out of the
// group are the orphan reaper's problem.
func childSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid:    true,
		Pdeathsig: syscall.SIGKILL,
	}
}
