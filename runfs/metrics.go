package runfs

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/whirr-ml/whirr/errors"
)

// MetricsWriter appends records to a JSONL stream (metrics.jsonl or
// system.jsonl). Each record carries a monotonically increasing _idx starting
// at 0 and a UTC _timestamp. Single writer per file; the writer is
// goroutine-safe so the system-metrics collector can share one.
type MetricsWriter struct {
	mu   sync.Mutex
	file *os.File
	idx  int
}

// NewMetricsWriter opens name under runDir for appending. The starting _idx
// is recovered from existing complete lines so a reopened stream stays
// gap-free.
func NewMetricsWriter(runDir, name string) (*MetricsWriter, error) {
	path := filepath.Join(runDir, name)

	idx := 0
	if records, err := ReadJSONL(path); err == nil {
		idx = len(records)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &MetricsWriter{file: f, idx: idx}, nil
}

// Append writes one record with _idx and _timestamp added. Caller keys
// override nothing; _idx and _timestamp always win.
func (w *MetricsWriter) Append(record map[string]interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := make(map[string]interface{}, len(record)+2)
	for k, v := range record {
		entry[k] = v
	}
	entry["_idx"] = w.idx
	entry["_timestamp"] = FormatTime(time.Now())

	line, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal metric record")
	}
	line = append(line, '\n')

	// A single Write keeps the line contiguous; readers either see the whole
	// record or a truncated tail they discard.
	if _, err := w.file.Write(line); err != nil {
		return errors.Wrap(err, "append metric record")
	}
	w.idx++
	return nil
}

// Index returns the next _idx to be written.
func (w *MetricsWriter) Index() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.idx
}

// Close releases the underlying file.
func (w *MetricsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadJSONL parses a JSONL file into generic records. An incomplete final
// line (no trailing newline, or unparseable JSON on the last line) is treated
// as EOF: everything before it is returned without error. This is the
// crash-safety contract of the append-only format.
func ReadJSONL(path string) ([]map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound("%s", path)
		}
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var records []map[string]interface{}
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// Trailing bytes without a newline are a truncated record.
			return records, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}

		var record map[string]interface{}
		if jsonErr := json.Unmarshal(line, &record); jsonErr != nil {
			// A malformed line mid-file is only tolerated at the tail; peek
			// whether anything follows.
			if _, peekErr := reader.Peek(1); peekErr == io.EOF {
				return records, nil
			}
			return nil, errors.Wrapf(errors.ErrTruncatedRecord,
				"%s line %d: %v", path, len(records)+1, jsonErr)
		}
		records = append(records, record)
	}
}

// ReadMetrics reads metrics.jsonl for a run directory.
func ReadMetrics(runDir string) ([]map[string]interface{}, error) {
	return ReadJSONL(filepath.Join(runDir, MetricsFile))
}
