package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/config"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/orchestrator"
	"github.com/shaiso/Tapestry/internal/repo"
	"github.com/shaiso/Tapestry/internal/templatestore"
	"github.com/shaiso/Tapestry/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const templatesYAML = `
name: hello
command: "echo {{ .msg }}"
inputs:
  - channel: msg
    type: string
    data: hi
outputs:
  - channel: out
    type: string
    source:
      stream: stdout
---
name: needs-input
command: "echo {{ .msg }}"
inputs:
  - channel: msg
    type: string
`

// pendingWorker принимает попытки и ждёт статуса через API.
type pendingWorker struct{}

func (pendingWorker) Dispatch(_ context.Context, req domain.AttemptRequest) (string, error) {
	return req.AttemptID.String(), nil
}

func (pendingWorker) Poll(context.Context, string) (worker.PollResult, error) {
	return worker.PollResult{State: worker.StatePending, Alive: true}, nil
}

func (pendingWorker) Cancel(context.Context, string) error { return nil }

type testServer struct {
	*httptest.Server
	orch *orchestrator.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mem := repo.NewMemoryStore()
	templates := templatestore.New(templatestore.Config{Repo: mem, Logger: logger})

	parsed, err := templatestore.Parse("templates.yaml", []byte(templatesYAML))
	require.NoError(t, err)
	for _, tmpl := range parsed {
		require.NoError(t, templates.Import(context.Background(), tmpl))
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:         mem,
		Templates:     templates,
		Worker:        pendingWorker{},
		MaxRetries:    config.RetryLimits{Analysis: 1, System: 10},
		GuardAttempts: 3,
		Logger:        logger,
	})

	mux := http.NewServeMux()
	NewHandler(Config{Orchestrator: orch, Templates: templates, Logger: logger}).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, orch: orch}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
	Error *ErrorDetail    `json:"error"`
}

func (s *testServer) call(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func (s *testServer) createRun(t *testing.T, template string) RunResponse {
	t.Helper()
	status, env := s.call(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{Template: template})
	require.Equal(t, http.StatusCreated, status, "%+v", env.Error)
	return decode[RunResponse](t, env.Data)
}

// runningAttempt тикает, пока у run не появится выполняющаяся попытка.
func (s *testServer) runningAttempt(t *testing.T, rootID uuid.UUID) *domain.TaskAttempt {
	t.Helper()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.orch.Tick(context.Background()))

		_, env := s.call(t, http.MethodGet, "/api/v1/active?root_id="+rootID.String(), nil)
		for _, item := range decode[[]orchestrator.ActiveItem](t, env.Data) {
			if item.Kind != "task_run" {
				continue
			}
			_, env := s.call(t, http.MethodGet, "/api/v1/task-runs/"+item.ID.String()+"/attempts", nil)
			for _, a := range decode[[]*domain.TaskAttempt](t, env.Data) {
				if a.Status == domain.AttemptStatusRunning {
					return a
				}
			}
		}
	}
	t.Fatal("no running attempt")
	return nil
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestServer(t)

	run := s.createRun(t, "hello")
	assert.Equal(t, "hello", run.Name)
	assert.Equal(t, string(domain.RunStatusPending), run.Status)

	status, env := s.call(t, http.MethodGet, "/api/v1/runs/"+run.ID.String(), nil)
	require.Equal(t, http.StatusOK, status)
	snap := decode[orchestrator.RunSnapshot](t, env.Data)
	assert.Equal(t, run.ID, snap.Run.ID)

	status, env = s.call(t, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, env.Total)
}

func TestCreateRun_NotificationContext(t *testing.T) {
	s := newTestServer(t)

	status, env := s.call(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{
		Template:            "hello",
		NotificationURLs:    []string{"http://hooks.local/done"},
		NotificationContext: map[string]string{"server_name": "lab"},
	})
	require.Equal(t, http.StatusCreated, status, "%+v", env.Error)
	run := decode[RunResponse](t, env.Data)

	_, env = s.call(t, http.MethodGet, "/api/v1/runs/"+run.ID.String(), nil)
	snap := decode[orchestrator.RunSnapshot](t, env.Data)
	assert.Equal(t, []string{"http://hooks.local/done"}, snap.Run.NotificationURLs)
	assert.Equal(t, map[string]string{
		"server_name": "lab",
		"server_url":  s.URL,
	}, snap.Run.NotificationContext)
}

func TestCreateRun_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   ErrorCode
	}{
		{"no template", CreateRunRequest{}, http.StatusBadRequest, ErrCodeBadRequest},
		{"bad body", "not an object", http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown template", CreateRunRequest{Template: "nope"}, http.StatusNotFound, ErrCodeNotFound},
		{"invalid reference", CreateRunRequest{Template: "hello$abc"}, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing inputs", CreateRunRequest{Template: "needs-input"}, http.StatusUnprocessableEntity, ErrCodeInvalidState},
		{"unknown input", CreateRunRequest{Template: "hello", Inputs: map[string]any{"bogus": 1}}, http.StatusUnprocessableEntity, ErrCodeInvalidState},
		{"email notification", CreateRunRequest{Template: "hello", NotificationURLs: []string{"ops@example.com"}}, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := s.call(t, http.MethodPost, "/api/v1/runs", tt.body)
			assert.Equal(t, tt.status, status)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestGetRun_Errors(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.call(t, http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.call(t, http.MethodGet, "/api/v1/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestKillRun(t *testing.T) {
	s := newTestServer(t)
	run := s.createRun(t, "hello")

	status, env := s.call(t, http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/kill", KillRunRequest{Reason: "no longer needed"})
	require.Equal(t, http.StatusOK, status)
	killed := decode[RunResponse](t, env.Data)
	assert.Equal(t, string(domain.RunStatusKilled), killed.Status)
	assert.True(t, killed.KillRequested)

	status, env = s.call(t, http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/kill", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, ErrCodeConflict, env.Error.Code)

	status, env = s.call(t, http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/events?limit=10", nil)
	require.Equal(t, http.StatusOK, status)
	events := decode[[]domain.Event](t, env.Data)
	var found bool
	for _, ev := range events {
		if ev.Message == "Run killed" {
			found = true
			assert.Equal(t, "no longer needed", ev.Detail)
		}
	}
	assert.True(t, found, "kill event not recorded")

	status, _ = s.call(t, http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/events?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRetryStepRun_Errors(t *testing.T) {
	s := newTestServer(t)
	run := s.createRun(t, "hello")

	// PENDING шаг повторять нельзя
	status, env := s.call(t, http.MethodPost, "/api/v1/step-runs/"+run.ID.String()+"/retry", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, ErrCodeConflict, env.Error.Code)

	status, _ = s.call(t, http.MethodPost, "/api/v1/step-runs/"+uuid.NewString()+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAttemptLifecycle(t *testing.T) {
	s := newTestServer(t)
	run := s.createRun(t, "hello")
	attempt := s.runningAttempt(t, run.ID)
	base := "/api/v1/attempts/" + attempt.ID.String()

	status, env := s.call(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, status)
	detail := decode[orchestrator.AttemptDetail](t, env.Data)
	assert.Equal(t, "echo hi", detail.Request.Command)

	status, _ = s.call(t, http.MethodPost, base+"/heartbeat", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = s.call(t, http.MethodPost, base+"/status", AttemptStatusRequest{Status: "BOGUS"})
	assert.Equal(t, http.StatusBadRequest, status)

	report := AttemptStatusRequest{Status: "SUCCEEDED", Outputs: map[string]any{"out": "hi"}}
	status, env = s.call(t, http.MethodPost, base+"/status", report)
	require.Equal(t, http.StatusNoContent, status, "%+v", env.Error)

	// Повтор того же отчёта — no-op, другой статус — конфликт
	status, _ = s.call(t, http.MethodPost, base+"/status", report)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = s.call(t, http.MethodPost, base+"/status", AttemptStatusRequest{Status: "FAILED", Error: "late"})
	assert.Equal(t, http.StatusConflict, status)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.orch.Tick(context.Background()))
	}

	_, env = s.call(t, http.MethodGet, "/api/v1/runs/"+run.ID.String(), nil)
	snap := decode[orchestrator.RunSnapshot](t, env.Data)
	assert.Equal(t, domain.RunStatusFinished, snap.Run.Status)
	assert.Equal(t, "hi", snap.Outputs["out"])

	_, env = s.call(t, http.MethodGet, "/api/v1/active?root_id="+run.ID.String(), nil)
	assert.Equal(t, 0, env.Total)

	status, _ = s.call(t, http.MethodGet, "/api/v1/attempts/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestTemplates(t *testing.T) {
	s := newTestServer(t)

	status, env := s.call(t, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, env.Total)

	status, env = s.call(t, http.MethodGet, "/api/v1/templates/hello", nil)
	require.Equal(t, http.StatusOK, status)
	tmpl := decode[domain.Template](t, env.Data)
	assert.Equal(t, "hello", tmpl.Name)

	status, _ = s.call(t, http.MethodGet, "/api/v1/templates/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)

	hcl := `
template "greet" {
  command = "echo {{ .who }}"
  input "who" {
    type = "string"
    data = "world"
  }
}
`
	status, env = s.call(t, http.MethodPost, "/api/v1/templates", ImportTemplateRequest{
		Format:  "hcl",
		Content: hcl,
		Tags:    []string{"stable"},
	})
	require.Equal(t, http.StatusCreated, status, "%+v", env.Error)
	imported := decode[[]TemplateResponse](t, env.Data)
	require.Len(t, imported, 1)
	assert.Equal(t, []string{"who"}, imported[0].Inputs)

	run := s.createRun(t, "greet:stable")
	assert.Equal(t, "greet", run.Name)

	status, env = s.call(t, http.MethodPost, "/api/v1/templates", ImportTemplateRequest{Format: "json", Content: "{}"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, ErrCodeBadRequest, env.Error.Code)

	status, _ = s.call(t, http.MethodPost, "/api/v1/templates", ImportTemplateRequest{Format: "yaml", Content: "name: x\n"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, s.URL+"/api/v1/templates", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "req-42")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get(HeaderRequestID))

	resp2, err := http.Get(s.URL + "/api/v1/templates")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.NotEmpty(t, resp2.Header.Get(HeaderRequestID))
}
