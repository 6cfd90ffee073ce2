package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/whirr-ml/whirr/errors"
)

// RegisterWorker upserts a worker row as idle. Called on worker startup; a
// re-register after a crash overwrites the stale busy row.
func (s *SQLiteStore) RegisterWorker(ctx context.Context, w *WorkerInfo) error {
	if w.ID == "" {
		return errors.New("worker_id must not be empty")
	}
	status := w.Status
	if status == "" {
		status = WorkerIdle
	}
	now := FormatTime(time.Now())

	var gpuIndex sql.NullInt64
	if w.GPUIndex != nil {
		gpuIndex = sql.NullInt64{Int64: int64(*w.GPUIndex), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, hostname, pid, gpu_index, status, started_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			hostname = excluded.hostname,
			pid = excluded.pid,
			gpu_index = excluded.gpu_index,
			status = excluded.status,
			started_at = excluded.started_at,
			last_seen_at = excluded.last_seen_at,
			current_job_id = NULL`,
		w.ID, w.Hostname, w.PID, gpuIndex, status, now, now,
	)
	if err != nil {
		return storeErr(err, "register worker")
	}
	return nil
}

// UpdateWorker transitions a worker row and refreshes last_seen_at.
func (s *SQLiteStore) UpdateWorker(ctx context.Context, workerID string, status WorkerStatus, currentJobID *int64) error {
	var jobID sql.NullInt64
	if currentJobID != nil {
		jobID = sql.NullInt64{Int64: *currentJobID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET status = ?, current_job_id = ?, last_seen_at = ?
		WHERE worker_id = ?`,
		status, jobID, FormatTime(time.Now()), workerID,
	)
	if err != nil {
		return storeErr(err, "update worker")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "worker rows affected")
	}
	if affected == 0 {
		return errors.NewNotFound("worker %s", workerID)
	}
	return nil
}

// DeregisterWorker marks a worker stopped on clean shutdown.
func (s *SQLiteStore) DeregisterWorker(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET status = 'stopped', current_job_id = NULL, last_seen_at = ?
		WHERE worker_id = ?`,
		FormatTime(time.Now()), workerID,
	)
	if err != nil {
		return storeErr(err, "deregister worker")
	}
	return nil
}

// ListWorkers returns all worker rows.
func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*WorkerInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, hostname, pid, gpu_index, status, started_at, last_seen_at, current_job_id
		FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, storeErr(err, "list workers")
	}
	defer rows.Close()

	var workers []*WorkerInfo
	for rows.Next() {
		var w WorkerInfo
		var pid, gpuIndex, currentJobID sql.NullInt64
		var startedAt, lastSeenAt sql.NullString

		if err := rows.Scan(&w.ID, &w.Hostname, &pid, &gpuIndex, &w.Status,
			&startedAt, &lastSeenAt, &currentJobID); err != nil {
			return nil, errors.Wrap(err, "scan worker")
		}

		if pid.Valid {
			w.PID = int(pid.Int64)
		}
		if gpuIndex.Valid {
			idx := int(gpuIndex.Int64)
			w.GPUIndex = &idx
		}
		if startedAt.Valid {
			t, err := ParseTime(startedAt.String)
			if err != nil {
				return nil, errors.Wrapf(err, "parse started_at for worker %s", w.ID)
			}
			w.StartedAt = &t
		}
		if lastSeenAt.Valid {
			t, err := ParseTime(lastSeenAt.String)
			if err != nil {
				return nil, errors.Wrapf(err, "parse last_seen_at for worker %s", w.ID)
			}
			w.LastSeenAt = &t
		}
		if currentJobID.Valid {
			w.CurrentJobID = &currentJobID.Int64
		}

		workers = append(workers, &w)
	}
	return workers, rows.Err()
}
