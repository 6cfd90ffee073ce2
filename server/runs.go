package server

import (
	"net/http"
	"strconv"

	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/queue"
	"github.com/whirr-ml/whirr/runfs"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.RunFilter{
		Status: queue.Status(q.Get("status")),
		Tag:    q.Get("tag"),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		filter.Limit = limit
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []*queue.RunIndex{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var run queue.RunIndex
	if !readJSON(w, r, &run) {
		return
	}
	if err := s.store.CreateRun(r.Context(), &run); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{})
}

// handleGetRun returns the index row together with the parsed meta.json when
// the run directory is reachable from the server.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := map[string]interface{}{"run": run}
	if meta, err := runfs.ReadMeta(runfs.Dir(s.runsRoot, runID)); err == nil {
		resp["meta"] = meta
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	var req queue.CompleteRunRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.store.CompleteRun(r.Context(), runID, req); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	records, err := runfs.ReadMetrics(runfs.Dir(s.runsRoot, runID))
	if err != nil && !errors.IsNotFound(err) {
		writeStoreError(w, err)
		return
	}
	// A run with no metrics yet is an empty stream, not a 404.
	if records == nil {
		records = []map[string]interface{}{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}

	artifacts, err := runfs.ListArtifacts(runfs.Dir(s.runsRoot, runID))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if artifacts == nil {
		artifacts = []runfs.ArtifactInfo{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	relPath := r.PathValue("path")

	path, err := runfs.ArtifactPath(runfs.Dir(s.runsRoot, runID), relPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	// ServeFile handles range requests and content types, and 404s cleanly
	// on missing files.
	http.ServeFile(w, r, path)
}
