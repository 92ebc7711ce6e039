package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// RunResponse — run из API.
type RunResponse struct {
	ID            string `json:"id"`
	RootID        string `json:"root_id"`
	ParentID      string `json:"parent_id,omitempty"`
	TemplateID    string `json:"template_id"`
	Name          string `json:"name"`
	IsLeaf        bool   `json:"is_leaf"`
	Status        string `json:"status"`
	Generation    int    `json:"generation"`
	KillRequested bool   `json:"kill_requested,omitempty"`
	StartedAt     string `json:"started_at,omitempty"`
	FinishedAt    string `json:"finished_at,omitempty"`
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// TaskCounts — task-runs шага по статусам.
type TaskCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Killed    int `json:"killed"`
}

// RunSnapshot — run со всем поддеревом.
type RunSnapshot struct {
	Run     RunResponse    `json:"run"`
	Steps   []*RunSnapshot `json:"steps,omitempty"`
	Tasks   *TaskCounts    `json:"tasks,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// EventResponse — событие журнала run.
type EventResponse struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	TaskRunID string `json:"task_run_id,omitempty"`
	AttemptID string `json:"attempt_id,omitempty"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ActiveItem — незавершённый step-run или task-run.
type ActiveItem struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	RootRunID string `json:"root_run_id"`
	StepRunID string `json:"step_run_id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
}

// AttemptResponse — попытка выполнения task-run.
type AttemptResponse struct {
	ID          string `json:"id"`
	TaskRunID   string `json:"task_run_id"`
	StepRunID   string `json:"step_run_id"`
	Number      int    `json:"number"`
	Status      string `json:"status"`
	WorkerRef   string `json:"worker_ref,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// TemplateResponse — шаблон из API.
type TemplateResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Fingerprint string   `json:"fingerprint"`
	IsLeaf      bool     `json:"is_leaf"`
	Inputs      []string `json:"inputs,omitempty"`
	Outputs     []string `json:"outputs,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ImportedAt  string   `json:"imported_at"`
}

// --- Request types ---

// CreateRunRequest — запуск шаблона.
type CreateRunRequest struct {
	Template string         `json:"template"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Name     string         `json:"name,omitempty"`
	Tags     []string       `json:"tags,omitempty"`

	NotificationURLs []string `json:"notification_urls,omitempty"`
}

// ImportTemplateRequest — загрузка шаблонов.
type ImportTemplateRequest struct {
	Format  string   `json:"format"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ошибка, которую вернул сервер.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client — HTTP-клиент для Tapestry API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Runs ---

// ListRuns возвращает корневые runs; tag фильтрует по тегу.
func (c *Client) ListRuns(tag string) ([]RunResponse, error) {
	params := url.Values{}
	if tag != "" {
		params.Set("tag", tag)
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// CreateRun запускает шаблон.
func (c *Client) CreateRun(req CreateRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs", req, &run)
	return &run, err
}

// GetRun возвращает run со всем поддеревом.
func (c *Client) GetRun(id string) (*RunSnapshot, error) {
	var snap RunSnapshot
	err := c.get("/api/v1/runs/"+id, &snap)
	return &snap, err
}

// KillRun останавливает корневой run.
func (c *Client) KillRun(id, reason string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs/"+id+"/kill", map[string]string{"reason": reason}, &run)
	return &run, err
}

// ListEvents возвращает журнал run.
func (c *Client) ListEvents(id string, limit int) ([]EventResponse, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var events []EventResponse
	err := c.list("/api/v1/runs/"+id+"/events", params, &events)
	return events, err
}

// TagRun добавляет тег run.
func (c *Client) TagRun(id, tag string) error {
	return c.post("/api/v1/runs/"+id+"/tags", map[string]string{"tag": tag}, nil)
}

// RetryStepRun повторяет упавший или остановленный шаг.
func (c *Client) RetryStepRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/step-runs/"+id+"/retry", nil, &run)
	return &run, err
}

// ListActive возвращает незавершённые step-runs и task-runs.
func (c *Client) ListActive(rootID string) ([]ActiveItem, error) {
	params := url.Values{}
	if rootID != "" {
		params.Set("root_id", rootID)
	}

	var items []ActiveItem
	err := c.list("/api/v1/active", params, &items)
	return items, err
}

// ListAttempts возвращает попытки task-run.
func (c *Client) ListAttempts(taskRunID string) ([]AttemptResponse, error) {
	var attempts []AttemptResponse
	err := c.list("/api/v1/task-runs/"+taskRunID+"/attempts", nil, &attempts)
	return attempts, err
}

// --- Templates ---

// ListTemplates возвращает импортированные шаблоны.
func (c *Client) ListTemplates() ([]TemplateResponse, error) {
	var templates []TemplateResponse
	err := c.list("/api/v1/templates", nil, &templates)
	return templates, err
}

// GetTemplate возвращает шаблон целиком по ссылке.
func (c *Client) GetTemplate(ref string) (map[string]any, error) {
	var t map[string]any
	err := c.get("/api/v1/templates/"+url.PathEscape(ref), &t)
	return t, err
}

// ImportTemplates загружает шаблоны.
func (c *Client) ImportTemplates(req ImportTemplateRequest) ([]TemplateResponse, error) {
	var templates []TemplateResponse
	err := c.post("/api/v1/templates", req, &templates)
	return templates, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{Status: resp.StatusCode, Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}

	return &APIError{Status: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
}
