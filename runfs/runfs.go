// Package runfs owns the on-disk run directory format. One directory per run
// under <data_root>/runs/<run_id>/ holding meta.json, config.json, the
// append-only metrics.jsonl stream, captured output.log, and artifacts/.
//
// The filesystem is the authoritative record; the store's run index is a
// rebuildable convenience. Every file has a single writer: the worker's
// supervisor owns output.log and meta.json finalization, the Run library
// owns metrics.jsonl, system.jsonl, config.json, and artifacts/.
package runfs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/whirr-ml/whirr/errors"
)

// File names inside a run directory.
const (
	MetaFile    = "meta.json"
	ConfigFile  = "config.json"
	MetricsFile = "metrics.jsonl"
	SystemFile  = "system.jsonl"
	OutputFile  = "output.log"
	ArtifactDir = "artifacts"
)

// Environment variables the supervisor injects into child processes. The Run
// library reads them to attach to the worker-created run directory instead of
// creating a local one.
const (
	EnvJobID  = "WHIRR_JOB_ID"
	EnvRunID  = "WHIRR_RUN_ID"
	EnvRunDir = "WHIRR_RUN_DIR"
)

// TimeLayout is the timestamp format used inside run files. Second precision,
// always UTC with a Z suffix.
const TimeLayout = "2006-01-02T15:04:05Z"

// FormatTime renders t for a run file.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Dir returns the run directory for runID under runsRoot.
func Dir(runsRoot, runID string) string {
	return filepath.Join(runsRoot, runID)
}

// NewLocalRunID generates a direct-mode run id: local-<YYYYMMDD-HHMMSS>-<4hex>.
// The local- prefix keeps direct runs out of the job-<id> namespace.
func NewLocalRunID(now time.Time) string {
	suffix := uuid.NewString()[:4]
	return fmt.Sprintf("local-%s-%s", now.UTC().Format("20060102-150405"), suffix)
}

// Create builds the run directory skeleton: the directory itself plus the
// artifacts subdirectory. Idempotent, so a reaped-and-reclaimed job reuses
// its directory.
func Create(runDir string) error {
	if err := os.MkdirAll(filepath.Join(runDir, ArtifactDir), 0o755); err != nil {
		return errors.Wrapf(err, "create run directory %s", runDir)
	}
	return nil
}

// OpenOutputLog opens <run_dir>/output.log for appending, creating it if
// absent. The caller owns the descriptor for the supervision span.
func OpenOutputLog(runDir string) (*os.File, error) {
	path := filepath.Join(runDir, OutputFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return f, nil
}
