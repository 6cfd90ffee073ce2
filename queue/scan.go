package queue

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/whirr-ml/whirr/errors"
)

// JobScanArgs holds the nullable intermediates needed to scan a job row.
type JobScanArgs struct {
	Name              sql.NullString
	CommandArgvJSON   string
	CreatedAt         string
	StartedAt         sql.NullString
	FinishedAt        sql.NullString
	HeartbeatAt       sql.NullString
	LeaseExpiresAt    sql.NullString
	CancelRequestedAt sql.NullString
	WorkerID          sql.NullString
	RunID             sql.NullString
	ExitCode          sql.NullInt64
	ParentJobID       sql.NullInt64
	Config            sql.NullString
	TagsJSON          sql.NullString
	PID               sql.NullInt64
	PGID              sql.NullInt64
}

// GetJobScanArgs returns a JobScanArgs struct ready for scanning.
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns scan destinations for the job and scan args, in
// the order of StandardJobSelectColumns.
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&args.Name,
		&args.CommandArgvJSON,
		&job.Workdir,
		&job.Status,
		&args.CreatedAt,
		&args.StartedAt,
		&args.FinishedAt,
		&args.HeartbeatAt,
		&args.LeaseExpiresAt,
		&args.CancelRequestedAt,
		&args.WorkerID,
		&args.RunID,
		&args.ExitCode,
		&job.Attempt,
		&args.ParentJobID,
		&args.Config,
		&args.TagsJSON,
		&args.PID,
		&args.PGID,
	}
}

// ProcessJobScanArgs decodes the scanned intermediates into the job struct.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) error {
	if args.Name.Valid {
		job.Name = args.Name.String
	}

	if err := json.Unmarshal([]byte(args.CommandArgvJSON), &job.CommandArgv); err != nil {
		return errors.Wrapf(err, "decode command_argv for job %d", job.ID)
	}

	createdAt, err := ParseTime(args.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "parse created_at for job %d", job.ID)
	}
	job.CreatedAt = createdAt

	for _, field := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{args.StartedAt, &job.StartedAt},
		{args.FinishedAt, &job.FinishedAt},
		{args.HeartbeatAt, &job.HeartbeatAt},
		{args.LeaseExpiresAt, &job.LeaseExpiresAt},
		{args.CancelRequestedAt, &job.CancelRequestedAt},
	} {
		if !field.src.Valid {
			continue
		}
		t, err := ParseTime(field.src.String)
		if err != nil {
			return errors.Wrapf(err, "parse timestamp for job %d", job.ID)
		}
		*field.dst = &t
	}

	if args.WorkerID.Valid {
		job.WorkerID = args.WorkerID.String
	}
	if args.RunID.Valid {
		job.RunID = args.RunID.String
	}
	if args.ExitCode.Valid {
		code := int(args.ExitCode.Int64)
		job.ExitCode = &code
	}
	if args.ParentJobID.Valid {
		parent := args.ParentJobID.Int64
		job.ParentJobID = &parent
	}
	if args.Config.Valid && args.Config.String != "" {
		job.Config = json.RawMessage(args.Config.String)
	}
	if args.TagsJSON.Valid && args.TagsJSON.String != "" {
		if err := json.Unmarshal([]byte(args.TagsJSON.String), &job.Tags); err != nil {
			return errors.Wrapf(err, "decode tags for job %d", job.ID)
		}
	}
	if args.PID.Valid {
		pid := int(args.PID.Int64)
		job.PID = &pid
	}
	if args.PGID.Valid {
		pgid := int(args.PGID.Int64)
		job.PGID = &pgid
	}

	return nil
}

// ScanJobFromRow scans a single job from a sql.Row.
func ScanJobFromRow(row *sql.Row, job *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(job, args)

	if err := row.Scan(targets...); err != nil {
		return err
	}

	return ProcessJobScanArgs(job, args)
}

// ScanJobFromRows scans a single job from sql.Rows (for use in loops).
func ScanJobFromRows(rows *sql.Rows, job *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(job, args)

	if err := rows.Scan(targets...); err != nil {
		return err
	}

	return ProcessJobScanArgs(job, args)
}

// StandardJobSelectColumns returns the standard column list for job SELECT
// queries, in scan-target order.
func StandardJobSelectColumns() string {
	return `id, name, command_argv, workdir, status,
		created_at, started_at, finished_at,
		heartbeat_at, lease_expires_at, cancel_requested_at,
		worker_id, run_id, exit_code,
		attempt, parent_job_id, config, tags, pid, pgid`
}
