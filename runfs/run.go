package runfs

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/logger"
	"github.com/whirr-ml/whirr/queue"
)

// InitOptions configures Run creation. All fields are optional; a zero value
// produces an anonymous direct-mode run with system metrics enabled.
type InitOptions struct {
	Name   string
	Config json.RawMessage
	Tags   []string

	// RunsRoot is the runs tree for direct-mode runs. Ignored when the
	// process runs under a worker (WHIRR_RUN_DIR wins).
	RunsRoot string

	// Store, when set, keeps the run index row in sync with the directory.
	Store queue.Store

	// DisableSystemMetrics turns off the system.jsonl collector.
	DisableSystemMetrics bool

	// SystemMetricsInterval is the sampling period (default 10s).
	SystemMetricsInterval time.Duration
}

// Run is a live experiment run: the in-process handle user code logs metrics
// and artifacts through. It works both under a worker (attaching to the
// directory the supervisor created) and standalone (creating a local-
// prefixed run directory).
type Run struct {
	RunID  string
	Dir    string
	Name   string
	JobID  *int64
	Tags   []string
	config json.RawMessage

	mu        sync.Mutex
	metrics   *MetricsWriter
	collector *SystemMetricsCollector
	store     queue.Store
	summary   map[string]interface{}
	gitInfo   *GitInfo
	startedAt time.Time
	finished  bool
}

// Init creates or attaches a run. Under a worker (WHIRR_JOB_ID and
// WHIRR_RUN_DIR set) it attaches to the existing run directory; otherwise it
// creates a fresh local-<timestamp>-<4hex> directory under opts.RunsRoot.
func Init(opts InitOptions) (*Run, error) {
	run := &Run{
		Tags:      opts.Tags,
		config:    opts.Config,
		store:     opts.Store,
		startedAt: time.Now(),
	}

	envJobID := os.Getenv(EnvJobID)
	envRunDir := os.Getenv(EnvRunDir)
	if envJobID != "" && envRunDir != "" {
		jobID, err := strconv.ParseInt(envJobID, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", EnvJobID)
		}
		run.JobID = &jobID
		run.Dir = envRunDir
		run.RunID = os.Getenv(EnvRunID)
		if run.RunID == "" {
			run.RunID = queue.RunIDForJob(jobID)
		}
	} else {
		if opts.RunsRoot == "" {
			return nil, errors.WithHint(errors.ErrNotInitialized,
				"direct-mode runs need a runs root; pass InitOptions.RunsRoot")
		}
		run.RunID = NewLocalRunID(time.Now())
		run.Dir = Dir(opts.RunsRoot, run.RunID)
	}

	run.Name = opts.Name
	if run.Name == "" {
		run.Name = run.RunID
	}

	if err := Create(run.Dir); err != nil {
		return nil, err
	}
	if err := WriteConfig(run.Dir, opts.Config); err != nil {
		return nil, err
	}

	run.gitInfo = CaptureGitInfo(".")
	if err := run.writeMeta(queue.StatusRunning, nil, nil); err != nil {
		return nil, err
	}

	metrics, err := NewMetricsWriter(run.Dir, MetricsFile)
	if err != nil {
		return nil, err
	}
	run.metrics = metrics

	if run.store != nil {
		run.registerIndex()
	}

	if !opts.DisableSystemMetrics {
		collector, err := NewSystemMetricsCollector(run.Dir, opts.SystemMetricsInterval)
		if err != nil {
			logger.Logger.Warnw("System metrics unavailable", "error", err)
		} else {
			run.collector = collector
			collector.Start()
		}
	}

	return run, nil
}

func (r *Run) registerIndex() {
	hostname, _ := os.Hostname()
	index := &queue.RunIndex{
		RunID:     r.RunID,
		JobID:     r.JobID,
		Name:      r.Name,
		Status:    queue.StatusRunning,
		StartedAt: r.startedAt,
		Hostname:  hostname,
		Config:    r.config,
		Tags:      r.Tags,
	}
	if r.gitInfo != nil {
		index.GitHash = r.gitInfo.Commit
		index.GitDirty = &r.gitInfo.Dirty
	}
	if err := r.store.CreateRun(context.Background(), index); err != nil {
		// The directory is authoritative; a failed index write costs only
		// listing visibility.
		logger.Logger.Warnw("Failed to register run index", "run_id", r.RunID, "error", err)
	}
}

func (r *Run) writeMeta(status queue.Status, finishedAt *time.Time, exitCode *int) error {
	meta := &Meta{
		RunID:      r.RunID,
		Name:       r.Name,
		Status:     string(status),
		StartedAt:  FormatTime(r.startedAt),
		Tags:       r.Tags,
		ConfigFile: ConfigFile,
		Summary:    r.summary,
		GitInfo:    r.gitInfo,
		ExitCode:   exitCode,
	}
	if finishedAt != nil {
		meta.FinishedAt = FormatTime(*finishedAt)
		duration := finishedAt.Sub(r.startedAt).Seconds()
		meta.DurationSeconds = &duration
	}
	return WriteMeta(r.Dir, meta)
}

// Log appends one metrics record. step, when >= 0, is recorded under "step".
func (r *Run) Log(metrics map[string]interface{}, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return errors.New("cannot log to a finished run")
	}

	record := make(map[string]interface{}, len(metrics)+1)
	for k, v := range metrics {
		record[k] = v
	}
	if step >= 0 {
		record["step"] = step
	}
	return r.metrics.Append(record)
}

// Summary records the final metrics shown in run listings, rewriting
// meta.json immediately so readers see them before the run finishes.
func (r *Run) Summary(metrics map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return errors.New("cannot set summary on a finished run")
	}
	r.summary = metrics
	return r.writeMeta(queue.StatusRunning, nil, nil)
}

// SaveArtifact copies a file into the run's artifacts directory.
func (r *Run) SaveArtifact(src, destName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return "", errors.New("cannot save artifacts to a finished run")
	}
	return SaveArtifact(r.Dir, src, destName)
}

// Finish finalizes the run: stops the collector, closes the metrics stream,
// writes terminal meta.json, and completes the index row. Idempotent.
func (r *Run) Finish(status queue.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}
	r.finished = true

	if r.collector != nil {
		r.collector.Stop()
	}
	if err := r.metrics.Close(); err != nil {
		logger.Logger.Warnw("Failed to close metrics stream", "run_id", r.RunID, "error", err)
	}

	finishedAt := time.Now()
	if err := r.writeMeta(status, &finishedAt, nil); err != nil {
		return err
	}

	if r.store != nil {
		var summary json.RawMessage
		if r.summary != nil {
			if b, err := json.Marshal(r.summary); err == nil {
				summary = b
			}
		}
		err := r.store.CompleteRun(context.Background(), r.RunID, queue.CompleteRunRequest{
			Status:          status,
			FinishedAt:      finishedAt,
			DurationSeconds: finishedAt.Sub(r.startedAt).Seconds(),
			Summary:         summary,
		})
		if err != nil {
			logger.Logger.Warnw("Failed to complete run index", "run_id", r.RunID, "error", err)
		}
	}
	return nil
}
