//go:build unix

package worker

import "syscall"

// Termination escalation: cooperative first, forceful after the grace window.
const (
	termSignal = syscall.SIGTERM
	killSignal = syscall.SIGKILL
)

// signalGroup delivers sig to every process in the group. An already-gone
// group is not an error; termination races with natural exit.
func signalGroup(pgid int, sig syscall.Signal) {
	if pgid <= 0 {
		return
	}
	_ = syscall.Kill(-pgid, sig)
}

// processGroupOf looks up the child's process group id. With Setsid the
// group id equals the child pid, but asking the kernel keeps this correct if
// launch attributes ever change.
func processGroupOf(pid int) int {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return pid
	}
	return pgid
}
