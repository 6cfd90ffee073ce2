package runfs

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/whirr-ml/whirr/errors"
)

// GitInfo is the repository snapshot captured when a run starts.
type GitInfo struct {
	Commit    string `json:"commit"`
	Branch    string `json:"branch,omitempty"`
	Dirty     bool   `json:"dirty"`
	RemoteURL string `json:"remote_url,omitempty"`
}

// Meta is the meta.json document. Timestamps are UTC strings in TimeLayout;
// FinishedAt, DurationSeconds, and ExitCode are set only on terminal runs.
type Meta struct {
	RunID           string                 `json:"run_id"`
	Name            string                 `json:"name,omitempty"`
	Status          string                 `json:"status"`
	StartedAt       string                 `json:"started_at"`
	FinishedAt      string                 `json:"finished_at,omitempty"`
	DurationSeconds *float64               `json:"duration_seconds,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	ConfigFile      string                 `json:"config_file,omitempty"`
	Summary         map[string]interface{} `json:"summary,omitempty"`
	GitInfo         *GitInfo               `json:"git_info,omitempty"`
	ExitCode        *int                   `json:"exit_code,omitempty"`
}

// WriteMeta writes meta.json atomically: a temp file in the same directory
// followed by rename, so concurrent readers never observe partial JSON.
func WriteMeta(runDir string, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal meta")
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(runDir, ".meta-*.json")
	if err != nil {
		return errors.Wrapf(err, "create temp meta in %s", runDir)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "write temp meta")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "close temp meta")
	}

	target := filepath.Join(runDir, MetaFile)
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "rename meta into %s", target)
	}
	return nil
}

// ReadMeta loads meta.json from a run directory.
func ReadMeta(runDir string) (*Meta, error) {
	path := filepath.Join(runDir, MetaFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound("meta for run directory %s", runDir)
		}
		return nil, errors.Wrapf(err, "read %s", path)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return &meta, nil
}

// WriteConfig writes config.json. Free-form user configuration; nil writes
// an empty object so readers never hit a missing file.
func WriteConfig(runDir string, config json.RawMessage) error {
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	path := filepath.Join(runDir, ConfigFile)
	if err := os.WriteFile(path, append(config, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
