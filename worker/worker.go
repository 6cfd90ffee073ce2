// Package worker implements the worker loop and the child-process
// supervisor. A worker is one long-lived process, typically one per
// accelerator: it claims jobs from the store, supervises each as an isolated
// process group, renews the job lease while the child runs, and finalizes
// both the run directory and the store row on exit.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/whirr-ml/whirr/config"
	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/logger"
	"github.com/whirr-ml/whirr/queue"
	"github.com/whirr-ml/whirr/runfs"
)

// Backoff bounds for transient store failures on the claim and renew paths.
const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
)

// Options configures a Worker.
type Options struct {
	// Store is the scheduling backend, embedded or networked.
	Store queue.Store

	// RunsRoot is the runs tree on the (possibly shared) filesystem.
	RunsRoot string

	// GPUIndex, when set, names the accelerator slot: the worker id becomes
	// <host>:gpu<N> and children get CUDA_VISIBLE_DEVICES=<N>.
	GPUIndex *int

	// Config supplies the scheduling tunables.
	Config *config.Config

	// ReapOnStart runs the orphan reaper before the first claim. Embedded
	// mode sets this; in networked mode the server reaps periodically.
	ReapOnStart bool

	// Signals overrides the default process-wide signal handler (tests).
	Signals *SignalState
}

// Worker is the claim-supervise-finalize loop.
type Worker struct {
	store       queue.Store
	cfg         *config.Config
	runsRoot    string
	id          string
	hostname    string
	gpuIndex    *int
	signals     *SignalState
	reapOnStart bool
	supervisor  *Supervisor
}

// New derives the worker identity and assembles the loop. The worker id is
// <hostname>:gpu<N> for an accelerator slot, <hostname>:default otherwise.
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("worker requires a store")
	}
	if opts.RunsRoot == "" {
		return nil, errors.New("worker requires a runs root")
	}
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load("")
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.Wrap(err, "resolve hostname")
	}
	slot := "default"
	if opts.GPUIndex != nil {
		slot = fmt.Sprintf("gpu%d", *opts.GPUIndex)
	}

	signals := opts.Signals
	if signals == nil {
		signals = NewSignalState()
	}

	w := &Worker{
		store:       opts.Store,
		cfg:         cfg,
		runsRoot:    opts.RunsRoot,
		id:          fmt.Sprintf("%s:%s", hostname, slot),
		hostname:    hostname,
		gpuIndex:    opts.GPUIndex,
		signals:     signals,
		reapOnStart: opts.ReapOnStart,
	}
	w.supervisor = NewSupervisor(opts.Store, w.id, opts.GPUIndex, signals,
		cfg.HeartbeatInterval(), cfg.LeaseDuration(), cfg.KillGracePeriod())
	return w, nil
}

// ID returns the worker identity string.
func (w *Worker) ID() string {
	return w.id
}

// Run executes the worker loop until drained, forced, or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.reapOnStart {
		reaped, err := w.store.ReapExpired(ctx, time.Now(), w.cfg.HeartbeatTimeout())
		if err != nil {
			logger.Logger.Warnw("Orphan reap failed on startup", "error", err)
		}
		for _, id := range reaped {
			logger.Logger.Infow("Requeued orphaned job", "job_id", id)
		}
	}

	if warning := memoryPressureWarning(); warning != "" {
		logger.Logger.Warnw("Memory pressure warning", "warning", warning)
	}

	if err := w.store.RegisterWorker(ctx, &queue.WorkerInfo{
		ID:       w.id,
		Hostname: w.hostname,
		PID:      os.Getpid(),
		GPUIndex: w.gpuIndex,
		Status:   queue.WorkerIdle,
	}); err != nil {
		return errors.Wrap(err, "register worker")
	}
	defer w.deregister()

	logger.Logger.Infow("Worker started",
		"worker_id", w.id,
		"poll_interval", w.cfg.PollInterval(),
		"lease", w.cfg.LeaseDuration())

	backoff := backoffInitial
	for {
		if w.signals.Drain() || ctx.Err() != nil {
			logger.Logger.Infow("Worker draining, no further claims", "worker_id", w.id)
			return nil
		}

		job, err := w.store.ClaimNext(ctx, w.id, w.cfg.LeaseDuration())
		if err != nil {
			if errors.IsStoreUnavailable(err) {
				logger.Logger.Warnw("Store unavailable during claim, backing off",
					"backoff", backoff, "error", err)
				if !w.sleep(ctx, backoff) {
					return nil
				}
				backoff = nextBackoff(backoff)
				continue
			}
			return errors.Wrap(err, "claim next job")
		}
		backoff = backoffInitial

		if job == nil {
			// Idle heartbeat so last_seen_at does not go stale between claims.
			if err := w.store.UpdateWorker(ctx, w.id, queue.WorkerIdle, nil); err != nil {
				logger.Logger.Warnw("Failed to refresh worker liveness", "error", err)
			}
			if !w.sleep(ctx, w.cfg.PollInterval()) {
				return nil
			}
			continue
		}

		w.process(ctx, job)
	}
}

// process runs one claimed job end to end: run directory, supervision,
// finalization of meta.json, the run index, and the job row.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	logger.Logger.Infow("Claimed job",
		"job_id", job.ID, "name", job.Name, "attempt", job.Attempt)

	if err := w.store.UpdateWorker(ctx, w.id, queue.WorkerBusy, &job.ID); err != nil {
		logger.Logger.Warnw("Failed to mark worker busy", "error", err)
	}

	startedAt := time.Now()
	runDir := runfs.Dir(w.runsRoot, job.RunID)
	result, supErr := w.superviseInDir(ctx, job, runDir, startedAt)

	if errors.IsNotOwner(supErr) {
		// Reaped mid-flight; the requeued attempt belongs to someone else.
		// Write nothing further for this job.
		if err := w.store.UpdateWorker(ctx, w.id, queue.WorkerIdle, nil); err != nil {
			logger.Logger.Warnw("Failed to mark worker idle", "error", err)
		}
		return
	}

	w.finalize(ctx, job, runDir, startedAt, result)

	if err := w.store.UpdateWorker(ctx, w.id, queue.WorkerIdle, nil); err != nil {
		logger.Logger.Warnw("Failed to mark worker idle", "error", err)
	}
}

// superviseInDir prepares the run directory and its index row, then hands
// the job to the supervisor. Directory preparation failures finalize the
// job as failed rather than crashing the loop.
func (w *Worker) superviseInDir(ctx context.Context, job *queue.Job, runDir string, startedAt time.Time) (Result, error) {
	if err := runfs.Create(runDir); err != nil {
		logger.Logger.Errorw("Failed to create run directory",
			"job_id", job.ID, "run_dir", runDir, "error", err)
		return Result{ExitCode: queue.ExitCodeStartupFailure, Status: queue.StatusFailed}, nil
	}
	if err := runfs.WriteConfig(runDir, job.Config); err != nil {
		logger.Logger.Warnw("Failed to write run config", "job_id", job.ID, "error", err)
	}
	if err := runfs.WriteMeta(runDir, &runfs.Meta{
		RunID:      job.RunID,
		Name:       job.Name,
		Status:     string(queue.StatusRunning),
		StartedAt:  runfs.FormatTime(startedAt),
		Tags:       job.Tags,
		ConfigFile: runfs.ConfigFile,
	}); err != nil {
		// meta.json corruption is the one thing the loop does not try to
		// survive; refusing to run avoids cascading damage.
		logger.Logger.Errorw("Failed to seed run metadata",
			"job_id", job.ID, "error", err)
		return Result{ExitCode: queue.ExitCodeStartupFailure, Status: queue.StatusFailed}, nil
	}

	if err := w.store.CreateRun(ctx, &queue.RunIndex{
		RunID:     job.RunID,
		JobID:     &job.ID,
		Name:      job.Name,
		Status:    queue.StatusRunning,
		StartedAt: startedAt,
		Hostname:  w.hostname,
		Config:    job.Config,
		Tags:      job.Tags,
	}); err != nil {
		logger.Logger.Warnw("Failed to create run index row", "job_id", job.ID, "error", err)
	}

	return w.supervisor.Run(ctx, job, runDir)
}

// finalize writes the terminal state everywhere it lives: meta.json, the run
// index row, and the job row. The store write retries through transient
// failures so a blip does not strand a finished job as running.
func (w *Worker) finalize(ctx context.Context, job *queue.Job, runDir string, startedAt time.Time, result Result) {
	finishedAt := time.Now()
	duration := finishedAt.Sub(startedAt).Seconds()

	meta, err := runfs.ReadMeta(runDir)
	if err != nil {
		// Seeded meta may be gone if directory creation failed; rebuild a
		// minimal document so the terminal state is still recorded.
		meta = &runfs.Meta{
			RunID:      job.RunID,
			Name:       job.Name,
			Status:     string(queue.StatusRunning),
			StartedAt:  runfs.FormatTime(startedAt),
			Tags:       job.Tags,
			ConfigFile: runfs.ConfigFile,
		}
	}
	meta.Status = string(result.Status)
	meta.FinishedAt = runfs.FormatTime(finishedAt)
	meta.DurationSeconds = &duration
	meta.ExitCode = &result.ExitCode
	if err := runfs.WriteMeta(runDir, meta); err != nil {
		logger.Logger.Errorw("Failed to finalize run metadata",
			"job_id", job.ID, "error", err)
	}

	var summary json.RawMessage
	if meta.Summary != nil {
		if b, err := json.Marshal(meta.Summary); err == nil {
			summary = b
		}
	}
	if err := w.store.CompleteRun(ctx, job.RunID, queue.CompleteRunRequest{
		Status:          result.Status,
		FinishedAt:      finishedAt,
		DurationSeconds: duration,
		ExitCode:        &result.ExitCode,
		Summary:         summary,
	}); err != nil {
		logger.Logger.Warnw("Failed to finalize run index", "job_id", job.ID, "error", err)
	}

	completeReq := queue.CompleteRequest{
		WorkerID: w.id,
		ExitCode: result.ExitCode,
		Status:   result.Status,
	}
	backoff := backoffInitial
	for {
		err := w.store.Complete(ctx, job.ID, completeReq)
		if err == nil {
			break
		}
		if errors.IsNotOwner(err) {
			logger.Logger.Warnw("Lost ownership before completion, abandoning",
				"job_id", job.ID, "error", err)
			return
		}
		if errors.IsStoreUnavailable(err) && ctx.Err() == nil {
			logger.Logger.Warnw("Store unavailable during completion, retrying",
				"job_id", job.ID, "backoff", backoff, "error", err)
			if !w.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		logger.Logger.Errorw("Failed to complete job", "job_id", job.ID, "error", err)
		return
	}

	logger.Logger.Infow("Job finished",
		"job_id", job.ID,
		"status", result.Status,
		"exit_code", result.ExitCode,
		"duration_seconds", duration)
}

// sleep waits for d but wakes early on context cancellation or a shutdown
// signal. Returns false when the loop should stop.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return true
		case <-tick.C:
			if w.signals.Drain() {
				return false
			}
		}
	}
}

func (w *Worker) deregister() {
	// Best effort on a fresh context; the loop's context is usually
	// cancelled by the time we get here.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.DeregisterWorker(ctx, w.id); err != nil {
		logger.Logger.Warnw("Failed to deregister worker", "worker_id", w.id, "error", err)
	}
	logger.Logger.Infow("Worker stopped", "worker_id", w.id)
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// memoryPressureWarning reports when available memory looks too tight to
// supervise a training job comfortably. Advisory only.
func memoryPressureWarning() string {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return ""
	}
	availableGB := float64(vm.Available) / 1024 / 1024 / 1024
	if availableGB < 1.0 {
		return fmt.Sprintf("only %.1f GB memory available; jobs may be OOM-killed", availableGB)
	}
	return ""
}
