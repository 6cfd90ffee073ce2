package runfs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()

	duration := 12.5
	exitCode := 0
	meta := &Meta{
		RunID:           "job-7",
		Name:            "baseline",
		Status:          "completed",
		StartedAt:       FormatTime(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
		FinishedAt:      FormatTime(time.Date(2026, 3, 1, 10, 0, 12, 0, time.UTC)),
		DurationSeconds: &duration,
		Tags:            []string{"sweep", "lr"},
		ConfigFile:      ConfigFile,
		Summary:         map[string]interface{}{"final_loss": 0.1},
		GitInfo:         &GitInfo{Commit: "abc123", Branch: "main", Dirty: true},
		ExitCode:        &exitCode,
	}
	require.NoError(t, WriteMeta(dir, meta))

	got, err := ReadMeta(dir)
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestWriteMetaLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteMeta(dir, &Meta{RunID: "job-1", Status: "running", StartedAt: FormatTime(time.Now())}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, MetaFile, entries[0].Name())
}

func TestWriteMetaIsValidJSONUnderRewrite(t *testing.T) {
	dir := t.TempDir()

	// Repeated rewrites (summary updates, finalization) must each leave a
	// complete document behind.
	for i := 0; i < 20; i++ {
		require.NoError(t, WriteMeta(dir, &Meta{
			RunID:     "job-2",
			Status:    "running",
			StartedAt: FormatTime(time.Now()),
			Summary:   map[string]interface{}{"i": i},
		}))
		data, err := os.ReadFile(filepath.Join(dir, MetaFile))
		require.NoError(t, err)
		assert.True(t, json.Valid(data))
	}
}

func TestReadMetaMissing(t *testing.T) {
	_, err := ReadMeta(t.TempDir())
	require.Error(t, err)
}
