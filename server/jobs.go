package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/whirr-ml/whirr/queue"
	"github.com/whirr-ml/whirr/runfs"
)

func jobIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if !readJSON(w, r, &req) {
		return
	}

	job, err := s.store.Enqueue(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":  job.ID,
		"run_id":  job.RunID,
		"run_dir": runfs.Dir(s.runsRoot, job.RunID),
		"message": "job queued",
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListActive(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleClaimJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID     string `json:"worker_id"`
		LeaseSeconds int    `json:"lease_seconds"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "worker_id is required")
		return
	}
	lease := time.Duration(req.LeaseSeconds) * time.Second
	if lease <= 0 {
		lease = s.config().LeaseDuration()
	}

	job, err := s.store.ClaimNext(r.Context(), req.WorkerID, lease)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job == nil {
		// Empty queue is the normal case; workers poll.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		WorkerID     string `json:"worker_id"`
		LeaseSeconds int    `json:"lease_seconds"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	lease := time.Duration(req.LeaseSeconds) * time.Second
	if lease <= 0 {
		lease = s.config().LeaseDuration()
	}

	renewed, err := s.store.Renew(r.Context(), id, req.WorkerID, lease)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renewed)
}

func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	var req queue.CompleteRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.store.Complete(r.Context(), id, req); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleJobProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		WorkerID string `json:"worker_id"`
		PID      int    `json:"pid"`
		PGID     int    `json:"pgid"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.store.UpdateJobProcess(r.Context(), id, req.WorkerID, req.PID, req.PGID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	status, err := s.store.RequestCancel(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status})
}

func (s *Server) handleCancelAllQueued(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.CancelAllQueued(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": n})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.store.Retry(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"job_id": job.ID})
}
