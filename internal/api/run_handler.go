package api

import (
	"encoding/json"
	"maps"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/orchestrator"
)

// defaultEventLimit — сколько событий отдавать без ?limit.
const defaultEventLimit = 100

// ListRuns возвращает корневые runs, новые первыми.
// GET /api/v1/runs?tag=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.orch.ListRuns(r.Context(), r.URL.Query().Get("tag"))
	if HandleError(w, h.logger, err) {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// CreateRun запускает шаблон.
// POST /api/v1/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Template == "" {
		BadRequest(w, "template is required")
		return
	}

	run, err := h.orch.CreateRun(r.Context(), orchestrator.CreateRunRequest{
		Template:            req.Template,
		Inputs:              req.Inputs,
		Name:                req.Name,
		Tags:                req.Tags,
		NotificationURLs:    req.NotificationURLs,
		NotificationContext: notificationContext(r, req),
	})
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, RunFromDomain(run))
}

// notificationContext дополняет контекст уведомления адресом сервера,
// по которому пришёл запрос.
func notificationContext(r *http.Request, req CreateRunRequest) map[string]string {
	if len(req.NotificationURLs) == 0 && len(req.NotificationContext) == 0 {
		return nil
	}
	ctx := maps.Clone(req.NotificationContext)
	if ctx == nil {
		ctx = make(map[string]string, 1)
	}
	if ctx["server_url"] == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		ctx["server_url"] = scheme + "://" + r.Host
	}
	return ctx
}

// GetRun возвращает run со всем поддеревом.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "run")
	if !ok {
		return
	}

	snapshot, err := h.orch.GetRunStatus(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, snapshot)
}

// KillRun останавливает корневой run, которому принадлежит id.
// POST /api/v1/runs/{id}/kill
func (h *Handler) KillRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "run")
	if !ok {
		return
	}

	var req KillRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
	}

	run, err := h.orch.KillRun(r.Context(), id, req.Reason)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, RunFromDomain(run))
}

// ListRunEvents возвращает журнал run.
// GET /api/v1/runs/{id}/events?limit=...
func (h *Handler) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "run")
	if !ok {
		return
	}

	limit := defaultEventLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	events, err := h.orch.ListEvents(r.Context(), id, limit)
	if HandleError(w, h.logger, err) {
		return
	}

	List(w, events, len(events))
}

// TagRun добавляет тег к run.
// POST /api/v1/runs/{id}/tags
func (h *Handler) TagRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "run")
	if !ok {
		return
	}

	var req TagRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if HandleError(w, h.logger, h.orch.TagRun(r.Context(), id, req.Tag)) {
		return
	}

	NoContent(w)
}

// RetryStepRun запускает новое поколение task-runs шага.
// POST /api/v1/step-runs/{id}/retry
func (h *Handler) RetryStepRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "step run")
	if !ok {
		return
	}

	run, err := h.orch.RetryStepRun(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, RunFromDomain(run))
}

// ListActive возвращает незавершённые step-runs и task-runs.
// GET /api/v1/active?root_id=...
func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	var rootID *uuid.UUID
	if s := r.URL.Query().Get("root_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			BadRequest(w, "invalid root_id")
			return
		}
		rootID = &id
	}

	items, err := h.orch.ListActive(r.Context(), rootID)
	if HandleError(w, h.logger, err) {
		return
	}

	List(w, items, len(items))
}

// pathID разбирает {id} из пути. При ошибке отвечает 400.
func pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}
