package server

import "net/http"

// setupRoutes registers the API surface. Literal segments take precedence
// over wildcards, so /api/v1/jobs/claim never collides with /jobs/{id}.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	mux.HandleFunc("POST /api/v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListActive)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/v1/jobs/claim", s.handleClaimJob)
	mux.HandleFunc("POST /api/v1/jobs/cancel_all_queued", s.handleCancelAllQueued)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /api/v1/jobs/{id}/complete", s.handleCompleteJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/process", s.handleJobProcess)

	mux.HandleFunc("POST /api/v1/workers/register", s.handleRegisterWorker)
	mux.HandleFunc("POST /api/v1/workers/deregister", s.handleDeregisterWorker)
	mux.HandleFunc("GET /api/v1/workers", s.handleListWorkers)
	mux.HandleFunc("POST /api/v1/workers/{id}/status", s.handleUpdateWorker)

	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("POST /api/v1/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/v1/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("POST /api/v1/runs/{run_id}/complete", s.handleCompleteRun)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/metrics", s.handleRunMetrics)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/artifacts/{path...}", s.handleGetArtifact)

	mux.HandleFunc("GET /ws/events", s.handleEvents)
}
