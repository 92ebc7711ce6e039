package api

import (
	"encoding/json"
	"net/http"
)

// GetAttempt возвращает попытку и запрос для воркера.
// GET /api/v1/attempts/{id}
func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "attempt")
	if !ok {
		return
	}

	detail, err := h.orch.GetAttempt(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, detail)
}

// ReportAttemptStatus принимает статус попытки.
// POST /api/v1/attempts/{id}/status
func (h *Handler) ReportAttemptStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "attempt")
	if !ok {
		return
	}

	var req AttemptStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if HandleError(w, h.logger, h.orch.ReportAttemptStatus(r.Context(), id, req.ToDomain())) {
		return
	}

	NoContent(w)
}

// Heartbeat отмечает, что попытка ещё выполняется.
// POST /api/v1/attempts/{id}/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "attempt")
	if !ok {
		return
	}

	if HandleError(w, h.logger, h.orch.Heartbeat(r.Context(), id)) {
		return
	}

	NoContent(w)
}

// ListTaskRunAttempts возвращает попытки task-run.
// GET /api/v1/task-runs/{id}/attempts
func (h *Handler) ListTaskRunAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "task run")
	if !ok {
		return
	}

	attempts, err := h.orch.ListAttempts(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	List(w, attempts, len(attempts))
}
