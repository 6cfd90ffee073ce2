package queue

import (
	"context"
	"encoding/json"
	"time"
)

// EnqueueRequest is the submission payload.
type EnqueueRequest struct {
	CommandArgv []string        `json:"command_argv"`
	Workdir     string          `json:"workdir"`
	Name        string          `json:"name,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// CompleteRequest finalizes a job from its owning worker.
type CompleteRequest struct {
	WorkerID string `json:"worker_id"`
	ExitCode int    `json:"exit_code"`
	Status   Status `json:"status"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status Status
	Tag    string
	Limit  int
}

// CompleteRunRequest finalizes a run index row.
type CompleteRunRequest struct {
	Status          Status          `json:"status"`
	FinishedAt      time.Time       `json:"finished_at"`
	DurationSeconds float64         `json:"duration_seconds"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	Summary         json.RawMessage `json:"summary,omitempty"`
}

// Store is the scheduling contract shared by the embedded SQLite store and
// the HTTP client. Errors are surfaced via the sentinels in the errors
// package: ErrNotFound, ErrNotOwner, ErrNotRetryable, ErrStoreUnavailable.
type Store interface {
	// Enqueue creates a queued job and assigns its run id.
	Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error)

	// ClaimNext atomically claims the oldest queued job for workerID with
	// the given lease. Returns (nil, nil) when the queue is empty.
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Job, error)

	// Renew extends the lease and reports whether cancellation was
	// requested. ErrNotOwner when (jobID, workerID) no longer match a
	// running job.
	Renew(ctx context.Context, jobID int64, workerID string, lease time.Duration) (*Lease, error)

	// Complete records the terminal status decided by the supervisor.
	Complete(ctx context.Context, jobID int64, req CompleteRequest) error

	// RequestCancel cancels a queued job synchronously or flags a running
	// one for cooperative shutdown. Returns the job's resulting status.
	RequestCancel(ctx context.Context, jobID int64) (Status, error)

	// CancelAllQueued cancels every queued job, returning how many.
	CancelAllQueued(ctx context.Context) (int, error)

	// Retry clones a failed or cancelled job as a new queued attempt.
	Retry(ctx context.Context, jobID int64) (*Job, error)

	// ReapExpired requeues running jobs whose lease expired or whose
	// heartbeat is older than heartbeatTimeout, returning their ids.
	ReapExpired(ctx context.Context, now time.Time, heartbeatTimeout time.Duration) ([]int64, error)

	// UpdateJobProcess records the supervised child's pid and pgid.
	UpdateJobProcess(ctx context.Context, jobID int64, workerID string, pid, pgid int) error

	GetJob(ctx context.Context, jobID int64) (*Job, error)
	ListActive(ctx context.Context) ([]*Job, error)
	Counts(ctx context.Context) (*Counts, error)

	CreateRun(ctx context.Context, run *RunIndex) error
	CompleteRun(ctx context.Context, runID string, req CompleteRunRequest) error
	GetRun(ctx context.Context, runID string) (*RunIndex, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunIndex, error)

	RegisterWorker(ctx context.Context, w *WorkerInfo) error
	UpdateWorker(ctx context.Context, workerID string, status WorkerStatus, currentJobID *int64) error
	DeregisterWorker(ctx context.Context, workerID string) error
	ListWorkers(ctx context.Context) ([]*WorkerInfo, error)

	Close() error
}
