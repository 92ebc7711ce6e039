package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shaiso/Tapestry/internal/templatestore"
)

// ListTemplates возвращает импортированные шаблоны.
// GET /api/v1/templates
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.templates.List(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}

	result := make([]TemplateResponse, len(templates))
	for i, t := range templates {
		result[i] = TemplateFromDomain(t)
	}

	List(w, result, len(result))
}

// GetTemplate находит шаблон по ссылке и возвращает его целиком.
// GET /api/v1/templates/{ref}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.templates.Resolve(r.Context(), r.PathValue("ref"))
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, t)
}

// ImportTemplates разбирает, проверяет и импортирует шаблоны.
// POST /api/v1/templates
func (h *Handler) ImportTemplates(w http.ResponseWriter, r *http.Request) {
	var req ImportTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	format := strings.ToLower(strings.TrimPrefix(req.Format, "."))
	parsed, err := templatestore.Parse("upload."+format, []byte(req.Content))
	if HandleError(w, h.logger, err) {
		return
	}

	result := make([]TemplateResponse, 0, len(parsed))
	for _, t := range parsed {
		if HandleError(w, h.logger, h.templates.Import(r.Context(), t, req.Tags...)) {
			return
		}
		result = append(result, TemplateFromDomain(t))
	}

	JSON(w, http.StatusCreated, ListResponse{Data: result, Total: len(result)})
}
