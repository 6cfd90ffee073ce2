package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/whirr-ml/whirr/errors"
)

// runSelectColumns is the column list for run index SELECTs, in scan order.
const runSelectColumns = `run_id, job_id, name, status,
	started_at, finished_at, duration_seconds,
	hostname, config, summary, tags,
	git_hash, git_dirty, exit_code`

func scanRun(scan func(dest ...interface{}) error) (*RunIndex, error) {
	var run RunIndex
	var jobID sql.NullInt64
	var name, startedAt, finishedAt, hostname, config, summary, tags, gitHash sql.NullString
	var duration sql.NullFloat64
	var gitDirty sql.NullBool
	var exitCode sql.NullInt64

	err := scan(&run.RunID, &jobID, &name, &run.Status,
		&startedAt, &finishedAt, &duration,
		&hostname, &config, &summary, &tags,
		&gitHash, &gitDirty, &exitCode)
	if err != nil {
		return nil, err
	}

	if jobID.Valid {
		run.JobID = &jobID.Int64
	}
	if name.Valid {
		run.Name = name.String
	}
	if startedAt.Valid {
		t, err := ParseTime(startedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "parse started_at for run %s", run.RunID)
		}
		run.StartedAt = t
	}
	if finishedAt.Valid {
		t, err := ParseTime(finishedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "parse finished_at for run %s", run.RunID)
		}
		run.FinishedAt = &t
	}
	if duration.Valid {
		run.DurationSeconds = &duration.Float64
	}
	if hostname.Valid {
		run.Hostname = hostname.String
	}
	if config.Valid && config.String != "" {
		run.Config = json.RawMessage(config.String)
	}
	if summary.Valid && summary.String != "" {
		run.Summary = json.RawMessage(summary.String)
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &run.Tags); err != nil {
			return nil, errors.Wrapf(err, "decode tags for run %s", run.RunID)
		}
	}
	if gitHash.Valid {
		run.GitHash = gitHash.String
	}
	if gitDirty.Valid {
		run.GitDirty = &gitDirty.Bool
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}

	return &run, nil
}

// CreateRun upserts a run index row. Upsert rather than insert: a job reaped
// and re-claimed reuses its run_id, and direct-mode libraries may re-register
// after a transient store failure.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *RunIndex) error {
	if run.RunID == "" {
		return errors.New("run_id must not be empty")
	}
	status := run.Status
	if status == "" {
		status = StatusRunning
	}
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	var tagsJSON sql.NullString
	if len(run.Tags) > 0 {
		b, err := json.Marshal(run.Tags)
		if err != nil {
			return errors.Wrap(err, "marshal tags")
		}
		tagsJSON = sql.NullString{String: string(b), Valid: true}
	}

	var jobID sql.NullInt64
	if run.JobID != nil {
		jobID = sql.NullInt64{Int64: *run.JobID, Valid: true}
	}
	var gitDirty sql.NullBool
	if run.GitDirty != nil {
		gitDirty = sql.NullBool{Bool: *run.GitDirty, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, job_id, name, status, started_at, hostname, config, tags, git_hash, git_dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			job_id = excluded.job_id,
			name = excluded.name,
			status = excluded.status,
			started_at = excluded.started_at,
			hostname = excluded.hostname,
			config = excluded.config,
			tags = excluded.tags,
			git_hash = excluded.git_hash,
			git_dirty = excluded.git_dirty,
			finished_at = NULL,
			duration_seconds = NULL,
			summary = NULL,
			exit_code = NULL`,
		run.RunID, jobID,
		sql.NullString{String: run.Name, Valid: run.Name != ""},
		status, FormatTime(startedAt),
		sql.NullString{String: run.Hostname, Valid: run.Hostname != ""},
		sql.NullString{String: string(run.Config), Valid: len(run.Config) > 0},
		tagsJSON,
		sql.NullString{String: run.GitHash, Valid: run.GitHash != ""},
		gitDirty,
	)
	if err != nil {
		return storeErr(err, "create run")
	}
	return nil
}

// CompleteRun finalizes a run index row.
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, req CompleteRunRequest) error {
	if !req.Status.Terminal() {
		return errors.Newf("complete run with non-terminal status %q", req.Status)
	}
	finishedAt := req.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	var exitCode sql.NullInt64
	if req.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*req.ExitCode), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			finished_at = ?,
			duration_seconds = ?,
			exit_code = ?,
			summary = COALESCE(?, summary)
		WHERE run_id = ?`,
		req.Status, FormatTime(finishedAt), req.DurationSeconds, exitCode,
		sql.NullString{String: string(req.Summary), Valid: len(req.Summary) > 0},
		runID,
	)
	if err != nil {
		return storeErr(err, "complete run")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "complete run rows affected")
	}
	if affected == 0 {
		return errors.NewNotFound("run %s", runID)
	}
	return nil
}

// GetRun retrieves a run index row.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunIndex, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runSelectColumns+` FROM runs WHERE run_id = ?`, runID)

	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("run %s", runID)
	}
	if err != nil {
		return nil, storeErr(err, "get run")
	}
	return run, nil
}

// ListRuns returns run index rows, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunIndex, error) {
	var clauses []string
	var args []interface{}

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Tag != "" {
		// Tags are a JSON array of strings; match the quoted element.
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, `%"`+filter.Tag+`"%`)
	}

	query := `SELECT ` + runSelectColumns + ` FROM runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "list runs")
	}
	defer rows.Close()

	var runs []*RunIndex
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
