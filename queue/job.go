// Package queue holds the scheduling data model and the transactional store
// behind the claim/lease protocol. Two implementations exist: SQLiteStore in
// this package (embedded mode) and client.Client (networked mode); workers
// and the submission paths only see the Store interface.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a job's scheduling state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsValidStatus returns true if the status string is a valid Status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TimeLayout is the fixed-width RFC 3339 layout used for every timestamp the
// store persists. Fixed fraction width keeps lexicographic order equal to
// chronological order, which the claim ORDER BY relies on.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// RunIDForJob derives the run id for a queued job.
func RunIDForJob(id int64) string {
	return fmt.Sprintf("job-%d", id)
}

// ExitCodeStartupFailure is the sentinel exit code recorded when a child
// never started (missing workdir, exec error) or died to a signal.
const ExitCodeStartupFailure = -1

// Job is the scheduling unit.
type Job struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name,omitempty"`
	CommandArgv       []string        `json:"command_argv"`
	Workdir           string          `json:"workdir"`
	Status            Status          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	HeartbeatAt       *time.Time      `json:"heartbeat_at,omitempty"`
	LeaseExpiresAt    *time.Time      `json:"lease_expires_at,omitempty"`
	CancelRequestedAt *time.Time      `json:"cancel_requested_at,omitempty"`
	WorkerID          string          `json:"worker_id,omitempty"`
	RunID             string          `json:"run_id,omitempty"`
	ExitCode          *int            `json:"exit_code,omitempty"`
	Attempt           int             `json:"attempt"`
	ParentJobID       *int64          `json:"parent_job_id,omitempty"`
	Config            json.RawMessage `json:"config,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	PID               *int            `json:"pid,omitempty"`
	PGID              *int            `json:"pgid,omitempty"`
}

// CancelRequested reports whether a cancel has been requested for the job.
func (j *Job) CancelRequested() bool {
	return j.CancelRequestedAt != nil
}

// Lease is the result of a renewal.
type Lease struct {
	ExpiresAt       time.Time `json:"lease_expires_at"`
	CancelRequested bool      `json:"cancel_requested"`
}

// WorkerStatus is a worker row's state.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerStopped WorkerStatus = "stopped"
)

// WorkerInfo is a worker registration row. A crash leaves the row busy with a
// stale last_seen_at, which is the orphan-reaping signal.
type WorkerInfo struct {
	ID           string       `json:"worker_id"`
	Hostname     string       `json:"hostname"`
	PID          int          `json:"pid,omitempty"`
	GPUIndex     *int         `json:"gpu_index,omitempty"`
	Status       WorkerStatus `json:"status"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	LastSeenAt   *time.Time   `json:"last_seen_at,omitempty"`
	CurrentJobID *int64       `json:"current_job_id,omitempty"`
}

// RunIndex is the thin store-side index of a run directory. The filesystem is
// authoritative; this row exists so listing runs does not require a directory
// scan, and it is rebuildable from disk.
type RunIndex struct {
	RunID           string          `json:"run_id"`
	JobID           *int64          `json:"job_id,omitempty"`
	Name            string          `json:"name,omitempty"`
	Status          Status          `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty"`
	Hostname        string          `json:"hostname,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	Summary         json.RawMessage `json:"summary,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	GitHash         string          `json:"git_hash,omitempty"`
	GitDirty        *bool           `json:"git_dirty,omitempty"`
	ExitCode        *int            `json:"exit_code,omitempty"`
}

// Counts is the status summary exposed by the status operation.
type Counts struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	WorkersIdle int `json:"workers_idle"`
	WorkersBusy int `json:"workers_busy"`
}
