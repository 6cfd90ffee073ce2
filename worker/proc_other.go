//go:build unix && !linux

package worker

import "syscall"

// childSysProcAttr makes the child a session leader so the whole process
// group can be signalled at once. Parent-death linkage (prctl PDEATHSIG) is
// Linux-only; on other platforms a crashed worker's child survives until the
// orphan reaper requeues the job.
func childSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}
