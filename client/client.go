// Package client implements the queue.Store contract over the server's HTTP
// API, so remote workers and CLI commands are written once against the
// interface and switched between embedded and networked mode by
// construction.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/queue"
)

// Client talks to a whirr server. Implements queue.Store.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL (e.g. http://head-node:8080).
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError mirrors the server's error body.
type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// do issues one request. Transport failures map to ErrStoreUnavailable; error
// bodies map back onto the store's sentinel kinds. out may be nil when the
// response body is irrelevant.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, "marshal request")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrStoreUnavailable, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, c.decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrapf(err, "decode %s %s response", method, path)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) decodeError(resp *http.Response) error {
	var body apiError
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &body); err != nil {
		body.Detail = strings.TrimSpace(string(data))
	}

	detail := body.Detail
	if detail == "" {
		detail = resp.Status
	}

	switch body.Error {
	case "not_found":
		return errors.Wrap(errors.ErrNotFound, detail)
	case "not_owner":
		return errors.Wrap(errors.ErrNotOwner, detail)
	case "not_retryable":
		return errors.Wrap(errors.ErrNotRetryable, detail)
	case "store_unavailable":
		return errors.Wrap(errors.ErrStoreUnavailable, detail)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return errors.Wrap(errors.ErrNotFound, detail)
	case http.StatusConflict:
		return errors.Wrap(errors.ErrNotOwner, detail)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return errors.Wrap(errors.ErrStoreUnavailable, detail)
	default:
		return errors.Newf("server error (%d): %s", resp.StatusCode, detail)
	}
}

// Enqueue submits a job.
func (c *Client) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error) {
	var resp struct {
		JobID int64 `json:"job_id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &resp); err != nil {
		return nil, err
	}
	return c.GetJob(ctx, resp.JobID)
}

// ClaimNext claims the oldest queued job. (nil, nil) on an empty queue,
// signalled by 204 from the server.
func (c *Client) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*queue.Job, error) {
	req := map[string]interface{}{
		"worker_id":     workerID,
		"lease_seconds": int(lease.Seconds()),
	}
	var job queue.Job
	status, err := c.do(ctx, http.MethodPost, "/api/v1/jobs/claim", req, &job)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &job, nil
}

// Renew extends the lease via the heartbeat endpoint.
func (c *Client) Renew(ctx context.Context, jobID int64, workerID string, lease time.Duration) (*queue.Lease, error) {
	req := map[string]interface{}{
		"worker_id":     workerID,
		"lease_seconds": int(lease.Seconds()),
	}
	var renewed queue.Lease
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/heartbeat", jobID), req, &renewed); err != nil {
		return nil, err
	}
	return &renewed, nil
}

// Complete records the terminal status.
func (c *Client) Complete(ctx context.Context, jobID int64, req queue.CompleteRequest) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/complete", jobID), req, nil)
	return err
}

// RequestCancel asks for cancellation and returns the resulting status.
func (c *Client) RequestCancel(ctx context.Context, jobID int64) (queue.Status, error) {
	var resp struct {
		Status queue.Status `json:"status"`
	}
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/cancel", jobID), nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// CancelAllQueued cancels every queued job.
func (c *Client) CancelAllQueued(ctx context.Context) (int, error) {
	var resp struct {
		Cancelled int `json:"cancelled"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/jobs/cancel_all_queued", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Cancelled, nil
}

// Retry clones a failed or cancelled job.
func (c *Client) Retry(ctx context.Context, jobID int64) (*queue.Job, error) {
	var resp struct {
		JobID int64 `json:"job_id"`
	}
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/retry", jobID), nil, &resp); err != nil {
		return nil, err
	}
	return c.GetJob(ctx, resp.JobID)
}

// ReapExpired is a no-op in networked mode: the server runs the reaper on
// its own cadence and a worker-triggered reap would race with it.
func (c *Client) ReapExpired(context.Context, time.Time, time.Duration) ([]int64, error) {
	return nil, nil
}

// UpdateJobProcess records the child's pid/pgid.
func (c *Client) UpdateJobProcess(ctx context.Context, jobID int64, workerID string, pid, pgid int) error {
	req := map[string]interface{}{
		"worker_id": workerID,
		"pid":       pid,
		"pgid":      pgid,
	}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/process", jobID), req, nil)
	return err
}

// GetJob fetches one job row.
func (c *Client) GetJob(ctx context.Context, jobID int64) (*queue.Job, error) {
	var job queue.Job
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListActive returns queued and running jobs.
func (c *Client) ListActive(ctx context.Context) ([]*queue.Job, error) {
	var resp struct {
		Jobs []*queue.Job `json:"jobs"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Counts returns the status summary.
func (c *Client) Counts(ctx context.Context) (*queue.Counts, error) {
	var counts queue.Counts
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &counts); err != nil {
		return nil, err
	}
	return &counts, nil
}

// CreateRun registers a run index row.
func (c *Client) CreateRun(ctx context.Context, run *queue.RunIndex) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/runs", run, nil)
	return err
}

// CompleteRun finalizes a run index row.
func (c *Client) CompleteRun(ctx context.Context, runID string, req queue.CompleteRunRequest) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(runID)+"/complete", req, nil)
	return err
}

// GetRun fetches one run index row.
func (c *Client) GetRun(ctx context.Context, runID string) (*queue.RunIndex, error) {
	var resp struct {
		Run *queue.RunIndex `json:"run"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Run, nil
}

// ListRuns lists run index rows with optional filters.
func (c *Client) ListRuns(ctx context.Context, filter queue.RunFilter) ([]*queue.RunIndex, error) {
	params := url.Values{}
	if filter.Status != "" {
		params.Set("status", string(filter.Status))
	}
	if filter.Tag != "" {
		params.Set("tag", filter.Tag)
	}
	if filter.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", filter.Limit))
	}
	path := "/api/v1/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var runs []*queue.RunIndex
	if _, err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// RegisterWorker upserts this worker's row. The wire shape names the slot
// ("gpu<N>" or "default") rather than the stored gpu_index.
func (c *Client) RegisterWorker(ctx context.Context, w *queue.WorkerInfo) error {
	slot := "default"
	if w.GPUIndex != nil {
		slot = fmt.Sprintf("gpu%d", *w.GPUIndex)
	}
	req := map[string]interface{}{
		"worker_id": w.ID,
		"host":      w.Hostname,
		"slot":      slot,
		"pid":       w.PID,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/workers/register", req, nil)
	return err
}

// UpdateWorker transitions the worker row.
func (c *Client) UpdateWorker(ctx context.Context, workerID string, status queue.WorkerStatus, currentJobID *int64) error {
	req := map[string]interface{}{
		"status":         status,
		"current_job_id": currentJobID,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/workers/"+url.PathEscape(workerID)+"/status", req, nil)
	return err
}

// DeregisterWorker marks the worker stopped.
func (c *Client) DeregisterWorker(ctx context.Context, workerID string) error {
	req := map[string]interface{}{"worker_id": workerID}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/workers/deregister", req, nil)
	return err
}

// ListWorkers returns all worker rows.
func (c *Client) ListWorkers(ctx context.Context) ([]*queue.WorkerInfo, error) {
	var workers []*queue.WorkerInfo
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/workers", nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

// Close implements queue.Store; HTTP connections are pooled by the runtime.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
