package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/logger"
	"github.com/whirr-ml/whirr/queue"
	"github.com/whirr-ml/whirr/runfs"
)

// Result is the supervisor's verdict on one job.
type Result struct {
	ExitCode int
	Status   queue.Status
}

// Supervisor launches one job as an isolated child-process group, keeps its
// lease alive, and enforces cooperative-then-forceful termination. One
// supervision span per Run call; the worker loop runs them serially.
type Supervisor struct {
	store      queue.Store
	workerID   string
	gpuIndex   *int
	signals    *SignalState
	heartbeat  time.Duration
	lease      time.Duration
	killGrace  time.Duration
}

// NewSupervisor wires a supervisor for one worker.
func NewSupervisor(store queue.Store, workerID string, gpuIndex *int, signals *SignalState,
	heartbeat, lease, killGrace time.Duration) *Supervisor {
	return &Supervisor{
		store:     store,
		workerID:  workerID,
		gpuIndex:  gpuIndex,
		signals:   signals,
		heartbeat: heartbeat,
		lease:     lease,
		killGrace: killGrace,
	}
}

// Run supervises job until it reaches a terminal state. A StartupFailure
// (missing workdir, exec error) is not an error: it is recorded in
// output.log and reported as a failed result with the sentinel exit code.
// ErrNotOwner is returned when the lease was lost mid-flight; the caller
// must abandon the job without writing further state.
func (s *Supervisor) Run(ctx context.Context, job *queue.Job, runDir string) (Result, error) {
	logFile, err := runfs.OpenOutputLog(runDir)
	if err != nil {
		// Can't even open the log; fail the job with what we know.
		logger.Logger.Errorw("Failed to open output log", "job_id", job.ID, "error", err)
		return Result{ExitCode: queue.ExitCodeStartupFailure, Status: queue.StatusFailed}, nil
	}
	defer logFile.Close()

	if info, err := os.Stat(job.Workdir); err != nil || !info.IsDir() {
		fmt.Fprintf(logFile, "whirr: workdir does not exist: %s\n", job.Workdir)
		return Result{ExitCode: queue.ExitCodeStartupFailure, Status: queue.StatusFailed}, nil
	}

	cmd := exec.Command(job.CommandArgv[0], job.CommandArgv[1:]...)
	cmd.Dir = job.Workdir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = s.childEnv(job, runDir)
	cmd.SysProcAttr = childSysProcAttr()

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(logFile, "whirr: failed to start command: %v\n", err)
		return Result{ExitCode: queue.ExitCodeStartupFailure, Status: queue.StatusFailed}, nil
	}

	pid := cmd.Process.Pid
	pgid := processGroupOf(pid)
	if err := s.store.UpdateJobProcess(ctx, job.ID, s.workerID, pid, pgid); err != nil {
		logger.Logger.Warnw("Failed to record child process info",
			"job_id", job.ID, "pid", pid, "error", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	return s.supervise(ctx, job, cmd, pgid, waitCh)
}

// supervise is the heartbeat loop: wait on the child with a bounded timeout,
// renew the lease on each wake, and watch for cancellation from the store or
// a forced local shutdown.
func (s *Supervisor) supervise(ctx context.Context, job *queue.Job, cmd *exec.Cmd, pgid int, waitCh chan error) (Result, error) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	renewFailures := 0
	cancelObserved := false

	for {
		select {
		case <-waitCh:
			return s.verdict(cmd, cancelObserved), nil

		case <-ctx.Done():
			s.terminate(pgid, waitCh)
			return s.verdict(cmd, true), nil

		case <-ticker.C:
			if s.signals.Force() {
				logger.Logger.Infow("Terminating job on force shutdown", "job_id", job.ID)
				s.terminate(pgid, waitCh)
				return s.verdict(cmd, true), nil
			}

			lease, err := s.store.Renew(ctx, job.ID, s.workerID, s.lease)
			if err != nil {
				if errors.IsNotOwner(err) {
					// The lease expired and the job was reaped out from
					// under us. Kill our copy and abandon; another worker
					// owns the requeued attempt now.
					logger.Logger.Warnw("Lost job lease, abandoning",
						"job_id", job.ID, "error", err)
					s.terminate(pgid, waitCh)
					return Result{}, err
				}
				if errors.IsStoreUnavailable(err) {
					renewFailures++
					logger.Logger.Warnw("Lease renewal failed, will retry",
						"job_id", job.ID, "failures", renewFailures, "error", err)
					continue
				}
				logger.Logger.Errorw("Lease renewal error",
					"job_id", job.ID, "error", err)
				continue
			}
			renewFailures = 0

			if lease.CancelRequested {
				logger.Logger.Infow("Cancellation observed, terminating job", "job_id", job.ID)
				cancelObserved = true
				s.terminate(pgid, waitCh)
				return s.verdict(cmd, true), nil
			}
		}
	}
}

// terminate sends SIGTERM to the process group, waits the grace window, then
// SIGKILLs the group. Returns once the child has been reaped.
func (s *Supervisor) terminate(pgid int, waitCh chan error) {
	signalGroup(pgid, termSignal)

	select {
	case err := <-waitCh:
		waitCh <- err
		return
	case <-time.After(s.killGrace):
	}

	signalGroup(pgid, killSignal)
	err := <-waitCh
	waitCh <- err
}

// verdict maps the child's exit state to a terminal status: cancelled when
// cancellation was observed before natural exit, completed on exit 0,
// failed otherwise. Signal death reports the sentinel exit code.
func (s *Supervisor) verdict(cmd *exec.Cmd, cancelled bool) Result {
	exitCode := queue.ExitCodeStartupFailure
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case cancelled:
		return Result{ExitCode: exitCode, Status: queue.StatusCancelled}
	case exitCode == 0:
		return Result{ExitCode: 0, Status: queue.StatusCompleted}
	default:
		return Result{ExitCode: exitCode, Status: queue.StatusFailed}
	}
}

// childEnv is the parent environment plus the run context variables and,
// when an accelerator slot is assigned, CUDA_VISIBLE_DEVICES.
func (s *Supervisor) childEnv(job *queue.Job, runDir string) []string {
	env := append(os.Environ(),
		fmt.Sprintf("%s=%d", runfs.EnvJobID, job.ID),
		fmt.Sprintf("%s=%s", runfs.EnvRunID, job.RunID),
		fmt.Sprintf("%s=%s", runfs.EnvRunDir, runDir),
	)
	if s.gpuIndex != nil {
		env = append(env, fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", *s.gpuIndex))
	}
	return env
}
