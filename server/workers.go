package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/whirr-ml/whirr/queue"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// registerWorkerRequest is the registration wire shape: host and slot, not
// the stored hostname/gpu_index columns.
type registerWorkerRequest struct {
	WorkerID string `json:"worker_id"`
	Host     string `json:"host"`
	Slot     string `json:"slot,omitempty"`
	PID      int    `json:"pid,omitempty"`
}

// slotGPUIndex maps a slot name like "gpu0" to its accelerator index;
// "default" and unrecognized slots carry no index.
func slotGPUIndex(slot string) *int {
	n, ok := strings.CutPrefix(slot, "gpu")
	if !ok {
		return nil
	}
	idx, err := strconv.Atoi(n)
	if err != nil {
		return nil
	}
	return &idx
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "worker_id is required")
		return
	}
	if err := s.store.RegisterWorker(r.Context(), &queue.WorkerInfo{
		ID:       req.WorkerID,
		Hostname: req.Host,
		PID:      req.PID,
		GPUIndex: slotGPUIndex(req.Slot),
		Status:   queue.WorkerIdle,
	}); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.store.DeregisterWorker(r.Context(), req.WorkerID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleUpdateWorker(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	var req struct {
		Status       queue.WorkerStatus `json:"status"`
		CurrentJobID *int64             `json:"current_job_id,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.store.UpdateWorker(r.Context(), workerID, req.Status, req.CurrentJobID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if workers == nil {
		workers = []*queue.WorkerInfo{}
	}
	writeJSON(w, http.StatusOK, workers)
}
