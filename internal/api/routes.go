package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		RequestID(),
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Runs
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("POST /api/v1/runs", chain(http.HandlerFunc(h.CreateRun)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{id}/kill", chain(http.HandlerFunc(h.KillRun)))
	mux.Handle("GET /api/v1/runs/{id}/events", chain(http.HandlerFunc(h.ListRunEvents)))
	mux.Handle("POST /api/v1/runs/{id}/tags", chain(http.HandlerFunc(h.TagRun)))

	// Step runs
	mux.Handle("POST /api/v1/step-runs/{id}/retry", chain(http.HandlerFunc(h.RetryStepRun)))

	// Active work
	mux.Handle("GET /api/v1/active", chain(http.HandlerFunc(h.ListActive)))

	// Attempts
	mux.Handle("GET /api/v1/attempts/{id}", chain(http.HandlerFunc(h.GetAttempt)))
	mux.Handle("POST /api/v1/attempts/{id}/status", chain(http.HandlerFunc(h.ReportAttemptStatus)))
	mux.Handle("POST /api/v1/attempts/{id}/heartbeat", chain(http.HandlerFunc(h.Heartbeat)))
	mux.Handle("GET /api/v1/task-runs/{id}/attempts", chain(http.HandlerFunc(h.ListTaskRunAttempts)))

	// Templates
	mux.Handle("GET /api/v1/templates", chain(http.HandlerFunc(h.ListTemplates)))
	mux.Handle("POST /api/v1/templates", chain(http.HandlerFunc(h.ImportTemplates)))
	mux.Handle("GET /api/v1/templates/{ref}", chain(http.HandlerFunc(h.GetTemplate)))
}
