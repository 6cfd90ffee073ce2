package runfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsWriterContiguousIndices(t *testing.T) {
	dir := t.TempDir()

	w, err := NewMetricsWriter(dir, MetricsFile)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(map[string]interface{}{"loss": float64(10 - i), "step": i}))
	}
	require.NoError(t, w.Close())

	records, err := ReadMetrics(dir)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, record := range records {
		assert.Equal(t, float64(i), record["_idx"], "record %d", i)
		assert.NotEmpty(t, record["_timestamp"])
	}
}

func TestMetricsWriterResumesIndexAfterReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := NewMetricsWriter(dir, MetricsFile)
	require.NoError(t, err)
	require.NoError(t, w.Append(map[string]interface{}{"a": 1}))
	require.NoError(t, w.Append(map[string]interface{}{"a": 2}))
	require.NoError(t, w.Close())

	w2, err := NewMetricsWriter(dir, MetricsFile)
	require.NoError(t, err)
	assert.Equal(t, 2, w2.Index())
	require.NoError(t, w2.Append(map[string]interface{}{"a": 3}))
	require.NoError(t, w2.Close())

	records, err := ReadMetrics(dir)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, float64(2), records[2]["_idx"])
}

// A crash mid-append leaves a partial final line; readers must treat it as
// EOF and return everything before it.
func TestReadMetricsToleratesTruncatedFinalLine(t *testing.T) {
	dir := t.TempDir()

	w, err := NewMetricsWriter(dir, MetricsFile)
	require.NoError(t, err)
	const total = 1000
	for i := 0; i < total; i++ {
		require.NoError(t, w.Append(map[string]interface{}{"step": i}))
	}
	require.NoError(t, w.Close())

	// Truncate into the middle of the final record.
	path := filepath.Join(dir, MetricsFile)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-10))

	records, err := ReadMetrics(dir)
	require.NoError(t, err)
	assert.Len(t, records, total-1)
}

func TestReadMetricsMissingFile(t *testing.T) {
	_, err := ReadMetrics(t.TempDir())
	require.Error(t, err)
}

func TestReadJSONLEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, MetricsFile)
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	records, err := ReadJSONL(path)
	require.NoError(t, err)
	assert.Empty(t, records)
}
