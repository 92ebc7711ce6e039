package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/domain"
)

// AttemptInfo — попытка и запрос, который нужно выполнить.
type AttemptInfo struct {
	Attempt domain.TaskAttempt    `json:"attempt"`
	Request domain.AttemptRequest `json:"request"`
}

// Endpoint — операции оркестратора, которые нужны монитору.
type Endpoint interface {
	GetAttempt(ctx context.Context, id uuid.UUID) (*AttemptInfo, error)
	ReportStatus(ctx context.Context, id uuid.UUID, report domain.AttemptReport) error
	Heartbeat(ctx context.Context, id uuid.UUID) error
}

// APIError — ответ API с кодом ошибки.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap сопоставляет HTTP-статус с ошибками пакета.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrAttemptNotFound
	case http.StatusConflict:
		return ErrAttemptFinished
	default:
		return nil
	}
}

// HTTPEndpoint обращается к HTTP API оркестратора.
type HTTPEndpoint struct {
	baseURL    string
	httpClient *http.Client
}

var _ Endpoint = (*HTTPEndpoint)(nil)

// NewHTTPEndpoint создаёт клиент для API по адресу baseURL.
func NewHTTPEndpoint(baseURL string) *HTTPEndpoint {
	return &HTTPEndpoint{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetAttempt загружает попытку и её запрос.
func (e *HTTPEndpoint) GetAttempt(ctx context.Context, id uuid.UUID) (*AttemptInfo, error) {
	var info AttemptInfo
	if err := e.do(ctx, http.MethodGet, "/api/v1/attempts/"+id.String(), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ReportStatus отправляет статус попытки.
func (e *HTTPEndpoint) ReportStatus(ctx context.Context, id uuid.UUID, report domain.AttemptReport) error {
	return e.do(ctx, http.MethodPost, "/api/v1/attempts/"+id.String()+"/status", report, nil)
}

// Heartbeat подтверждает, что попытка выполняется.
func (e *HTTPEndpoint) Heartbeat(ctx context.Context, id uuid.UUID) error {
	return e.do(ctx, http.MethodPost, "/api/v1/attempts/"+id.String()+"/heartbeat", nil, nil)
}

func (e *HTTPEndpoint) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var er struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
			apiErr.Code = er.Error.Code
			apiErr.Message = er.Error.Message
		}
		return apiErr
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(dr.Data) == 0 {
		return errors.New("empty response data")
	}
	return json.Unmarshal(dr.Data, result)
}
