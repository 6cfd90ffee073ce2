package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whirr-ml/whirr/config"
	qtesting "github.com/whirr-ml/whirr/internal/testing"
	"github.com/whirr-ml/whirr/queue"
	"github.com/whirr-ml/whirr/runfs"
)

type testEnv struct {
	srv      *Server
	store    *queue.SQLiteStore
	mux      *http.ServeMux
	runsRoot string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := queue.NewSQLiteStore(qtesting.CreateTestDB(t))
	runsRoot := t.TempDir()
	srv := New(store, runsRoot, &config.Config{
		HeartbeatIntervalSeconds: 1,
		HeartbeatTimeoutSeconds:  120,
		KillGracePeriodSeconds:   1,
		PollIntervalSeconds:      1,
		LeaseSeconds:             60,
	})
	mux := http.NewServeMux()
	srv.setupRoutes(mux)
	return &testEnv{srv: srv, store: store, mux: mux, runsRoot: runsRoot}
}

// do issues one request against the mux and decodes the JSON body into out
// when out is non-nil.
func (e *testEnv) do(t *testing.T, method, path string, body, out interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)

	if out != nil && rec.Code != http.StatusNoContent {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out),
			"body: %s", rec.Body.String())
	}
	return rec
}

func (e *testEnv) submit(t *testing.T, req queue.EnqueueRequest) (int64, string) {
	t.Helper()
	var resp struct {
		JobID  int64  `json:"job_id"`
		RunID  string `json:"run_id"`
		RunDir string `json:"run_dir"`
	}
	rec := e.do(t, http.MethodPost, "/api/v1/jobs", req, &resp)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotZero(t, resp.JobID)
	return resp.JobID, resp.RunID
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	var resp map[string]string
	rec := env.do(t, http.MethodGet, "/health", nil, &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", resp["status"])
}

func TestSubmitClaimCompleteFlow(t *testing.T) {
	env := newTestEnv(t)

	jobID, runID := env.submit(t, queue.EnqueueRequest{
		Name:        "train",
		CommandArgv: []string{"python", "train.py"},
		Workdir:     "/tmp",
	})
	assert.Equal(t, queue.RunIDForJob(jobID), runID)

	var claimed queue.Job
	rec := env.do(t, http.MethodPost, "/api/v1/jobs/claim",
		map[string]interface{}{"worker_id": "host:gpu0", "lease_seconds": 60}, &claimed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, jobID, claimed.ID)
	assert.Equal(t, queue.StatusRunning, claimed.Status)
	assert.Equal(t, "host:gpu0", claimed.WorkerID)

	// Queue is now empty.
	rec = env.do(t, http.MethodPost, "/api/v1/jobs/claim",
		map[string]interface{}{"worker_id": "host:gpu1"}, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	var lease queue.Lease
	rec = env.do(t, http.MethodPost, "/api/v1/jobs/1/heartbeat",
		map[string]interface{}{"worker_id": "host:gpu0", "lease_seconds": 60}, &lease)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, lease.CancelRequested)
	assert.True(t, lease.ExpiresAt.After(time.Now()))

	rec = env.do(t, http.MethodPost, "/api/v1/jobs/1/complete", queue.CompleteRequest{
		WorkerID: "host:gpu0",
		ExitCode: 0,
		Status:   queue.StatusCompleted,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var job queue.Job
	rec = env.do(t, http.MethodGet, "/api/v1/jobs/1", nil, &job)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, queue.StatusCompleted, job.Status)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
}

func TestClaimRequiresWorkerID(t *testing.T) {
	env := newTestEnv(t)
	var body errorBody
	rec := env.do(t, http.MethodPost, "/api/v1/jobs/claim", map[string]interface{}{}, &body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", body.Error)
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t)
	var body errorBody
	rec := env.do(t, http.MethodGet, "/api/v1/jobs/999", nil, &body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body.Error)
	assert.NotEmpty(t, body.Detail)
}

func TestGetJobInvalidID(t *testing.T) {
	env := newTestEnv(t)
	var body errorBody
	rec := env.do(t, http.MethodGet, "/api/v1/jobs/abc", nil, &body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", body.Error)
}

func TestHeartbeatFromWrongWorkerIsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, queue.EnqueueRequest{CommandArgv: []string{"true"}, Workdir: "/tmp"})

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/claim",
		map[string]interface{}{"worker_id": "host:gpu0"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body errorBody
	rec = env.do(t, http.MethodPost, "/api/v1/jobs/1/heartbeat",
		map[string]interface{}{"worker_id": "intruder:gpu1"}, &body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_owner", body.Error)
}

func TestCancelQueuedJob(t *testing.T) {
	env := newTestEnv(t)
	jobID, _ := env.submit(t, queue.EnqueueRequest{CommandArgv: []string{"true"}, Workdir: "/tmp"})

	var resp struct {
		Status queue.Status `json:"status"`
	}
	rec := env.do(t, http.MethodPost, "/api/v1/jobs/1/cancel", nil, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, queue.StatusCancelled, resp.Status)

	job, err := env.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, job.Status)
}

func TestCancelAllQueued(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.submit(t, queue.EnqueueRequest{CommandArgv: []string{"true"}, Workdir: "/tmp"})
	}

	var resp struct {
		Cancelled int `json:"cancelled"`
	}
	rec := env.do(t, http.MethodPost, "/api/v1/jobs/cancel_all_queued", nil, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, resp.Cancelled)
}

func TestRetryFailedJob(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, queue.EnqueueRequest{CommandArgv: []string{"true"}, Workdir: "/tmp"})

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/claim",
		map[string]interface{}{"worker_id": "host:gpu0"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/jobs/1/complete", queue.CompleteRequest{
		WorkerID: "host:gpu0", ExitCode: 1, Status: queue.StatusFailed,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		JobID int64 `json:"job_id"`
	}
	rec = env.do(t, http.MethodPost, "/api/v1/jobs/1/retry", nil, &resp)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEqual(t, int64(1), resp.JobID)

	clone, err := env.store.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, clone.Status)
	require.NotNil(t, clone.ParentJobID)
	assert.Equal(t, int64(1), *clone.ParentJobID)
}

func TestRetryQueuedJobIsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, queue.EnqueueRequest{CommandArgv: []string{"true"}, Workdir: "/tmp"})

	var body errorBody
	rec := env.do(t, http.MethodPost, "/api/v1/jobs/1/retry", nil, &body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_retryable", body.Error)
}

func TestStatusCounts(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, queue.EnqueueRequest{CommandArgv: []string{"true"}, Workdir: "/tmp"})
	env.submit(t, queue.EnqueueRequest{CommandArgv: []string{"true"}, Workdir: "/tmp"})

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/claim",
		map[string]interface{}{"worker_id": "host:gpu0"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var counts queue.Counts
	rec = env.do(t, http.MethodGet, "/api/v1/status", nil, &counts)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, counts.Queued)
	assert.Equal(t, 1, counts.Running)
}

func TestWorkerLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/workers/register",
		map[string]interface{}{
			"worker_id": "host:gpu0",
			"host":      "host",
			"slot":      "gpu0",
			"pid":       1234,
		}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var workers []*queue.WorkerInfo
	rec = env.do(t, http.MethodGet, "/api/v1/workers", nil, &workers)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, workers, 1)
	assert.Equal(t, "host:gpu0", workers[0].ID)
	assert.Equal(t, "host", workers[0].Hostname)
	require.NotNil(t, workers[0].GPUIndex)
	assert.Equal(t, 0, *workers[0].GPUIndex)
	assert.Equal(t, 1234, workers[0].PID)

	jobID := int64(7)
	rec = env.do(t, http.MethodPost, "/api/v1/workers/host:gpu0/status",
		map[string]interface{}{"status": "busy", "current_job_id": jobID}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/workers", nil, &workers)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, workers, 1)
	assert.Equal(t, queue.WorkerBusy, workers[0].Status)
	require.NotNil(t, workers[0].CurrentJobID)
	assert.Equal(t, jobID, *workers[0].CurrentJobID)

	rec = env.do(t, http.MethodPost, "/api/v1/workers/deregister",
		map[string]string{"worker_id": "host:gpu0"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/workers", nil, &workers)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, workers, 1)
	assert.Equal(t, queue.WorkerStopped, workers[0].Status)
	assert.Nil(t, workers[0].CurrentJobID)
}

func TestRegisterWorkerDefaultSlot(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/workers/register",
		map[string]interface{}{
			"worker_id": "host:default",
			"host":      "host",
			"slot":      "default",
		}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var workers []*queue.WorkerInfo
	rec = env.do(t, http.MethodGet, "/api/v1/workers", nil, &workers)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, workers, 1)
	assert.Equal(t, "host", workers[0].Hostname)
	assert.Nil(t, workers[0].GPUIndex)
}

func TestRegisterWorkerRequiresID(t *testing.T) {
	env := newTestEnv(t)

	var body errorBody
	rec := env.do(t, http.MethodPost, "/api/v1/workers/register",
		map[string]interface{}{"host": "host", "slot": "gpu0"}, &body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", body.Error)
}

func TestRunEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/runs", queue.RunIndex{
		RunID:     "local-20260824-101530-abcd",
		Name:      "sweep-1",
		Status:    queue.StatusRunning,
		StartedAt: time.Now().UTC(),
		Tags:      []string{"sweep"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	// meta.json alongside the index row is surfaced on get.
	runDir := runfs.Dir(env.runsRoot, "local-20260824-101530-abcd")
	require.NoError(t, runfs.Create(runDir))
	require.NoError(t, runfs.WriteMeta(runDir, &runfs.Meta{
		RunID:     "local-20260824-101530-abcd",
		Name:      "sweep-1",
		Status:    "running",
		StartedAt: runfs.FormatTime(time.Now()),
	}))

	var got struct {
		Run  *queue.RunIndex `json:"run"`
		Meta *runfs.Meta     `json:"meta"`
	}
	rec = env.do(t, http.MethodGet, "/api/v1/runs/local-20260824-101530-abcd", nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sweep-1", got.Run.Name)
	require.NotNil(t, got.Meta)
	assert.Equal(t, "running", got.Meta.Status)

	rec = env.do(t, http.MethodPost, "/api/v1/runs/local-20260824-101530-abcd/complete",
		queue.CompleteRunRequest{
			Status:          queue.StatusCompleted,
			FinishedAt:      time.Now().UTC(),
			DurationSeconds: 4.2,
			Summary:         json.RawMessage(`{"acc":0.9}`),
		}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []*queue.RunIndex
	rec = env.do(t, http.MethodGet, "/api/v1/runs?status=completed&tag=sweep", nil, &runs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, runs, 1)
	assert.Equal(t, queue.StatusCompleted, runs[0].Status)
}

func TestRunMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	// No metrics.jsonl yet: an empty stream, not an error.
	var metrics []map[string]interface{}
	rec := env.do(t, http.MethodGet, "/api/v1/runs/job-1/metrics", nil, &metrics)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, metrics)

	runDir := runfs.Dir(env.runsRoot, "job-1")
	require.NoError(t, runfs.Create(runDir))
	mw, err := runfs.NewMetricsWriter(runDir, runfs.MetricsFile)
	require.NoError(t, err)
	require.NoError(t, mw.Append(map[string]interface{}{"loss": 0.5}))
	require.NoError(t, mw.Append(map[string]interface{}{"loss": 0.3}))
	require.NoError(t, mw.Close())

	rec = env.do(t, http.MethodGet, "/api/v1/runs/job-1/metrics", nil, &metrics)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, metrics, 2)
	assert.Equal(t, float64(0.3), metrics[1]["loss"])
}

func TestArtifactEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/runs", queue.RunIndex{
		RunID:     "job-1",
		Status:    queue.StatusRunning,
		StartedAt: time.Now().UTC(),
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	runDir := runfs.Dir(env.runsRoot, "job-1")
	require.NoError(t, runfs.Create(runDir))
	src := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0o644))
	_, err := runfs.SaveArtifact(runDir, src, "checkpoints/model.bin")
	require.NoError(t, err)

	var artifacts []runfs.ArtifactInfo
	rec = env.do(t, http.MethodGet, "/api/v1/runs/job-1/artifacts", nil, &artifacts)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "checkpoints/model.bin", artifacts[0].Path)

	rec = env.do(t, http.MethodGet, "/api/v1/runs/job-1/artifacts/checkpoints/model.bin", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "weights", rec.Body.String())

	var body errorBody
	rec = env.do(t, http.MethodGet, "/api/v1/runs/missing/artifacts", nil, &body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body.Error)
}

func TestWebsocketEventsStreamJobUpdates(t *testing.T) {
	env := newTestEnv(t)
	env.srv.startEventBroadcaster()
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, env.srv.Shutdown(shutdownCtx))
	})

	ts := httptest.NewServer(env.mux)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Give the server a beat to register the subscriber.
	time.Sleep(100 * time.Millisecond)

	job, err := env.store.Enqueue(context.Background(), queue.EnqueueRequest{
		CommandArgv: []string{"true"}, Workdir: "/tmp",
	})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg JobEventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "job_update", msg.Type)
	require.NotNil(t, msg.Job)
	assert.Equal(t, job.ID, msg.Job.ID)
	assert.Equal(t, queue.StatusQueued, msg.Job.Status)
}

func TestEventsRejectedAfterShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.srv.startEventBroadcaster()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(shutdownCtx))

	ts := httptest.NewServer(env.mux)
	t.Cleanup(ts.Close)

	// The upgrade itself may complete, but the connection is dropped without
	// ever joining the client set.
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestBadRequestBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "bad_request", body.Error)
}
