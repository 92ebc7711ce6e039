package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/domain"
)

// Run DTOs

// CreateRunRequest — запрос на запуск шаблона.
type CreateRunRequest struct {
	// Template — ссылка вида name, name@idprefix или name:tag.
	Template string         `json:"template"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Name     string         `json:"name,omitempty"`
	Tags     []string       `json:"tags,omitempty"`

	// NotificationURLs получают POST, когда run завершится.
	NotificationURLs []string `json:"notification_urls,omitempty"`
	// NotificationContext возвращается в уведомлении. server_url, если
	// не задан, берётся из запроса.
	NotificationContext map[string]string `json:"notification_context,omitempty"`
}

// KillRunRequest — запрос на остановку run.
type KillRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TagRunRequest — запрос на добавление тега.
type TagRunRequest struct {
	Tag string `json:"tag"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID            uuid.UUID  `json:"id"`
	RootID        uuid.UUID  `json:"root_id"`
	ParentID      *uuid.UUID `json:"parent_id,omitempty"`
	TemplateID    uuid.UUID  `json:"template_id"`
	Name          string     `json:"name"`
	IsLeaf        bool       `json:"is_leaf"`
	Status        string     `json:"status"`
	Generation    int        `json:"generation"`
	KillRequested bool       `json:"kill_requested,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r *domain.Run) RunResponse {
	return RunResponse{
		ID:            r.ID,
		RootID:        r.RootID,
		ParentID:      r.ParentID,
		TemplateID:    r.TemplateID,
		Name:          r.Name,
		IsLeaf:        r.IsLeaf,
		Status:        string(r.Status),
		Generation:    r.Generation,
		KillRequested: r.KillRequested,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		Error:         r.Error,
		CreatedAt:     r.CreatedAt,
	}
}

// Attempt DTOs

// AttemptStatusRequest — отчёт воркера или монитора.
type AttemptStatusRequest struct {
	Status  string         `json:"status"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`
	Kind    string         `json:"kind,omitempty"`
}

// ToDomain конвертирует запрос в domain.AttemptReport.
func (r AttemptStatusRequest) ToDomain() domain.AttemptReport {
	report := domain.AttemptReport{
		Status:  domain.AttemptStatus(r.Status),
		Outputs: r.Outputs,
		Error:   r.Error,
	}
	if r.Kind != "" {
		report.Kind = domain.ParseFailureKind(r.Kind)
	}
	return report
}

// Template DTOs

// ImportTemplateRequest — загрузка шаблонов.
type ImportTemplateRequest struct {
	// Format — "yaml" или "hcl".
	Format  string   `json:"format"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// TemplateResponse — краткое описание шаблона.
type TemplateResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	IsLeaf      bool      `json:"is_leaf"`
	Inputs      []string  `json:"inputs,omitempty"`
	Outputs     []string  `json:"outputs,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	ImportedAt  time.Time `json:"imported_at"`
}

// TemplateFromDomain конвертирует domain.Template в TemplateResponse.
func TemplateFromDomain(t *domain.Template) TemplateResponse {
	resp := TemplateResponse{
		ID:          t.ID,
		Name:        t.Name,
		Fingerprint: t.Fingerprint,
		IsLeaf:      t.IsLeaf(),
		Tags:        t.Tags,
		ImportedAt:  t.ImportedAt,
	}
	for _, in := range t.Inputs {
		resp.Inputs = append(resp.Inputs, in.Channel)
	}
	for _, out := range t.Outputs {
		resp.Outputs = append(resp.Outputs, out.Channel)
	}
	return resp
}
