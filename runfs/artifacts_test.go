package runfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndListArtifacts(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, Create(runDir))

	src := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0o644))

	dest, err := SaveArtifact(runDir, src, "checkpoints/final/model.bin")
	require.NoError(t, err)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	artifacts, err := ListArtifacts(runDir)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "checkpoints/final/model.bin", artifacts[0].Path)
	assert.Equal(t, int64(len("weights")), artifacts[0].Size)
}

func TestListArtifactsEmpty(t *testing.T) {
	artifacts, err := ListArtifacts(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestArtifactPathRejectsEscapes(t *testing.T) {
	runDir := t.TempDir()

	for _, bad := range []string{"../meta.json", "../../etc/passwd", "/etc/passwd", "a/../../x"} {
		_, err := ArtifactPath(runDir, bad)
		assert.Error(t, err, "path %q should be rejected", bad)
	}

	path, err := ArtifactPath(runDir, "sub/ok.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(runDir, ArtifactDir, "sub", "ok.txt"), path)
}

func TestSaveArtifactMissingSource(t *testing.T) {
	runDir := t.TempDir()
	_, err := SaveArtifact(runDir, filepath.Join(t.TempDir(), "absent"), "")
	require.Error(t, err)
}
