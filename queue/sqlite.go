package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/logger"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels.
	SubscriberChannelBufferSize = 100
)

// SQLiteStore is the embedded Store. Claim atomicity comes from SQLite's
// single-writer WAL transactions: the claim UPDATE takes the write lock
// before selecting its row, so concurrent claimants serialize.
type SQLiteStore struct {
	db *sql.DB

	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewSQLiteStore wraps an opened, migrated database.
func NewSQLiteStore(conn *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:          conn,
		subscribers: make([]chan *Job, 0),
	}
}

// Subscribe returns a channel receiving every job state transition. Slow
// subscribers drop updates rather than blocking the scheduling path.
func (s *SQLiteStore) Subscribe() chan *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (s *SQLiteStore) Unsubscribe(ch chan *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (s *SQLiteStore) notifySubscribers(job *Job) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- job:
		default:
			// Subscriber buffer full, drop the update.
		}
	}
}

func (s *SQLiteStore) notifyJob(ctx context.Context, jobID int64) {
	s.mu.RLock()
	n := len(s.subscribers)
	s.mu.RUnlock()
	if n == 0 {
		return
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		logger.Logger.Warnw("Failed to load job for notification", "job_id", jobID, "error", err)
		return
	}
	s.notifySubscribers(job)
}

// storeErr maps SQLITE_BUSY/SQLITE_LOCKED onto ErrStoreUnavailable so the
// worker's bounded-retry policy can distinguish transient lock contention
// from real failures.
func storeErr(err error, msg string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return errors.Wrapf(errors.ErrStoreUnavailable, "%s: %v", msg, err)
	}
	return errors.Wrap(err, msg)
}

// Enqueue creates a queued job and assigns run_id = job-<id>.
func (s *SQLiteStore) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if len(req.CommandArgv) == 0 {
		return nil, errors.New("command_argv must not be empty")
	}
	if !filepath.IsAbs(req.Workdir) {
		return nil, errors.Newf("workdir must be absolute: %q", req.Workdir)
	}

	argvJSON, err := json.Marshal(req.CommandArgv)
	if err != nil {
		return nil, errors.Wrap(err, "marshal command_argv")
	}
	var tagsJSON sql.NullString
	if len(req.Tags) > 0 {
		b, err := json.Marshal(req.Tags)
		if err != nil {
			return nil, errors.Wrap(err, "marshal tags")
		}
		tagsJSON = sql.NullString{String: string(b), Valid: true}
	}
	name := sql.NullString{String: req.Name, Valid: req.Name != ""}
	config := sql.NullString{String: string(req.Config), Valid: len(req.Config) > 0}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr(err, "begin enqueue")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (name, command_argv, workdir, status, created_at, attempt, config, tags)
		VALUES (?, ?, ?, 'queued', ?, 1, ?, ?)`,
		name, string(argvJSON), req.Workdir, FormatTime(time.Now()), config, tagsJSON,
	)
	if err != nil {
		return nil, storeErr(err, "insert job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "job id")
	}

	runID := RunIDForJob(id)
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET run_id = ? WHERE id = ?`, runID, id); err != nil {
		return nil, storeErr(err, "assign run_id")
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr(err, "commit enqueue")
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notifySubscribers(job)
	return job, nil
}

// ClaimNext atomically claims the oldest queued job. The single UPDATE with a
// scalar subquery is atomic under SQLite's write lock; two workers can never
// both see themselves as claimant of the same row.
func (s *SQLiteStore) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	now := time.Now()
	query := `
		UPDATE jobs SET
			status = 'running',
			worker_id = ?,
			started_at = ?,
			heartbeat_at = ?,
			lease_expires_at = ?
		WHERE id = (
			SELECT id FROM jobs WHERE status = 'queued'
			ORDER BY created_at, id LIMIT 1
		)
		RETURNING ` + StandardJobSelectColumns()

	var job Job
	err := ScanJobFromRow(s.db.QueryRowContext(ctx, query,
		workerID, FormatTime(now), FormatTime(now), FormatTime(now.Add(lease))), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "claim next job")
	}

	s.notifySubscribers(&job)
	return &job, nil
}

// Renew extends the lease iff the worker still owns the running job.
func (s *SQLiteStore) Renew(ctx context.Context, jobID int64, workerID string, lease time.Duration) (*Lease, error) {
	now := time.Now()
	expires := now.Add(lease)

	var expiresStr string
	var cancelAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET heartbeat_at = ?, lease_expires_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'running'
		RETURNING lease_expires_at, cancel_requested_at`,
		FormatTime(now), FormatTime(expires), jobID, workerID,
	).Scan(&expiresStr, &cancelAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.ownershipErr(ctx, jobID)
	}
	if err != nil {
		return nil, storeErr(err, "renew lease")
	}

	// The renewal is also the worker's liveness signal: without this a worker
	// supervising a long job shows an ever-staler last_seen_at.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE workers SET last_seen_at = ? WHERE worker_id = ?`,
		FormatTime(now), workerID); err != nil {
		logger.Logger.Warnw("Failed to refresh worker last_seen_at",
			"worker_id", workerID, "error", err)
	}

	return &Lease{ExpiresAt: expires, CancelRequested: cancelAt.Valid}, nil
}

// ownershipErr distinguishes NotFound from NotOwner after a guarded update
// matched no rows.
func (s *SQLiteStore) ownershipErr(ctx context.Context, jobID int64) error {
	var status Status
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFound("job %d", jobID)
	}
	if err != nil {
		return storeErr(err, "check job ownership")
	}
	return errors.Wrapf(errors.ErrNotOwner, "job %d (status %s)", jobID, status)
}

// Complete records the terminal status decided by the supervisor and clears
// ownership so terminal rows satisfy worker_id == null.
func (s *SQLiteStore) Complete(ctx context.Context, jobID int64, req CompleteRequest) error {
	if !req.Status.Terminal() {
		return errors.Newf("complete with non-terminal status %q", req.Status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?,
			finished_at = ?,
			exit_code = ?,
			worker_id = NULL,
			pid = NULL,
			pgid = NULL
		WHERE id = ? AND worker_id = ? AND status = 'running'`,
		req.Status, FormatTime(time.Now()), req.ExitCode, jobID, req.WorkerID,
	)
	if err != nil {
		return storeErr(err, "complete job")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "complete rows affected")
	}
	if affected == 0 {
		return s.ownershipErr(ctx, jobID)
	}

	s.notifyJob(ctx, jobID)
	return nil
}

// RequestCancel cancels a queued job synchronously; for a running job it sets
// cancel_requested_at for the owning worker to observe on its next renewal.
// Repeated calls are no-ops past the first.
func (s *SQLiteStore) RequestCancel(ctx context.Context, jobID int64) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storeErr(err, "begin cancel")
	}
	defer tx.Rollback()

	var status Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.NewNotFound("job %d", jobID)
	}
	if err != nil {
		return "", storeErr(err, "load job status")
	}

	now := FormatTime(time.Now())
	switch status {
	case StatusQueued:
		// Fast path: never started, cancel synchronously. Sentinel exit
		// code keeps the terminal invariant (exit_code non-null).
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET
				status = 'cancelled',
				cancel_requested_at = ?,
				finished_at = ?,
				exit_code = ?
			WHERE id = ? AND status = 'queued'`,
			now, now, ExitCodeStartupFailure, jobID)
		if err != nil {
			return "", storeErr(err, "cancel queued job")
		}
		status = StatusCancelled
	case StatusRunning:
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET cancel_requested_at = ?
			WHERE id = ? AND cancel_requested_at IS NULL`,
			now, jobID)
		if err != nil {
			return "", storeErr(err, "request cancel")
		}
	default:
		// Already terminal.
	}

	if err := tx.Commit(); err != nil {
		return "", storeErr(err, "commit cancel")
	}

	s.notifyJob(ctx, jobID)
	return status, nil
}

// CancelAllQueued cancels every queued job.
func (s *SQLiteStore) CancelAllQueued(ctx context.Context) (int, error) {
	now := FormatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'cancelled',
			cancel_requested_at = ?,
			finished_at = ?,
			exit_code = ?
		WHERE status = 'queued'`,
		now, now, ExitCodeStartupFailure)
	if err != nil {
		return 0, storeErr(err, "cancel all queued")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "cancel rows affected")
	}
	return int(affected), nil
}

// Retry clones a failed or cancelled job as a fresh queued attempt linked via
// parent_job_id.
func (s *SQLiteStore) Retry(ctx context.Context, jobID int64) (*Job, error) {
	parent, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if parent.Status != StatusFailed && parent.Status != StatusCancelled {
		return nil, errors.Wrapf(errors.ErrNotRetryable,
			"job %d has status %s", jobID, parent.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr(err, "begin retry")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (name, command_argv, workdir, status, created_at, attempt, parent_job_id, config, tags)
		SELECT name, command_argv, workdir, 'queued', ?, attempt + 1, id, config, tags
		FROM jobs WHERE id = ?`,
		FormatTime(time.Now()), jobID)
	if err != nil {
		return nil, storeErr(err, "insert retry")
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "retry job id")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET run_id = ? WHERE id = ?`,
		RunIDForJob(newID), newID); err != nil {
		return nil, storeErr(err, "assign retry run_id")
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr(err, "commit retry")
	}

	job, err := s.GetJob(ctx, newID)
	if err != nil {
		return nil, err
	}
	s.notifySubscribers(job)
	return job, nil
}

// ReapExpired requeues running jobs whose lease expired or whose heartbeat
// is older than heartbeatTimeout. Idempotent: a requeued job no longer
// matches the predicate.
func (s *SQLiteStore) ReapExpired(ctx context.Context, now time.Time, heartbeatTimeout time.Duration) ([]int64, error) {
	heartbeatCutoff := now.Add(-heartbeatTimeout)

	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs SET
			status = 'queued',
			worker_id = NULL,
			started_at = NULL,
			heartbeat_at = NULL,
			lease_expires_at = NULL,
			cancel_requested_at = NULL,
			pid = NULL,
			pgid = NULL,
			attempt = attempt + 1
		WHERE status = 'running' AND (
			(lease_expires_at IS NOT NULL AND lease_expires_at < ?) OR
			(heartbeat_at IS NOT NULL AND heartbeat_at < ?)
		)
		RETURNING id`,
		FormatTime(now), FormatTime(heartbeatCutoff))
	if err != nil {
		return nil, storeErr(err, "reap expired leases")
	}
	defer rows.Close()

	var reaped []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan reaped id")
		}
		reaped = append(reaped, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "iterate reaped rows")
	}

	for _, id := range reaped {
		s.notifyJob(ctx, id)
	}
	return reaped, nil
}

// UpdateJobProcess records the supervised child's pid and pgid for
// diagnostics.
func (s *SQLiteStore) UpdateJobProcess(ctx context.Context, jobID int64, workerID string, pid, pgid int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET pid = ?, pgid = ?
		WHERE id = ? AND worker_id = ? AND status = 'running'`,
		pid, pgid, jobID, workerID)
	if err != nil {
		return storeErr(err, "update job process")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "process rows affected")
	}
	if affected == 0 {
		return s.ownershipErr(ctx, jobID)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID int64) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`

	var job Job
	err := ScanJobFromRow(s.db.QueryRowContext(ctx, query, jobID), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("job %d", jobID)
	}
	if err != nil {
		return nil, storeErr(err, "get job")
	}
	return &job, nil
}

// ListActive returns queued and running jobs in claim order.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs WHERE status IN ('queued', 'running')
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr(err, "list active jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := ScanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "scan active job")
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// Counts summarizes jobs by status and workers by liveness.
func (s *SQLiteStore) Counts(ctx context.Context) (*Counts, error) {
	counts := &Counts{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, storeErr(err, "count jobs")
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan job count")
		}
		switch status {
		case StatusQueued:
			counts.Queued = n
		case StatusRunning:
			counts.Running = n
		case StatusCompleted:
			counts.Completed = n
		case StatusFailed:
			counts.Failed = n
		case StatusCancelled:
			counts.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "iterate job counts")
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'idle'),
			COUNT(*) FILTER (WHERE status = 'busy')
		FROM workers`).Scan(&counts.WorkersIdle, &counts.WorkersBusy)
	if err != nil {
		return nil, storeErr(err, "count workers")
	}

	return counts, nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.mu.Unlock()

	return s.db.Close()
}
