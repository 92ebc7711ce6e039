package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/Tapestry/internal/domain"
)

const defaultHTTPTimeout = 30 * time.Second

// headerPrefix — переменные окружения с этим префиксом становятся
// заголовками запроса: HTTP_HEADER_X_TRACE_ID → X-Trace-Id.
const headerPrefix = "HTTP_HEADER_"

// HTTPExecutor — executor для интерпретатора "http".
//
// Команда: "[METHOD] URL", метод по умолчанию GET.
//
// Окружение:
//   - HTTP_BODY — тело запроса
//   - HTTP_HEADER_* — заголовки
//
// Тело ответа попадает в stdout, код ответа — в ExitCode.
// Ответ с кодом >= 400 — логическая ошибка.
type HTTPExecutor struct {
	Client *http.Client
}

// Execute выполняет HTTP-запрос.
func (e *HTTPExecutor) Execute(ctx context.Context, req *domain.AttemptRequest, _ string) (*ExecutionResult, error) {
	method, url, err := parseHTTPCommand(req.Command)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultHTTPTimeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if body, ok := req.Environment["HTTP_BODY"]; ok {
		bodyReader = strings.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	for key, val := range req.Environment {
		if name, ok := strings.CutPrefix(key, headerPrefix); ok {
			httpReq.Header.Set(strings.ReplaceAll(name, "_", "-"), val)
		}
	}
	if bodyReader != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	result := &ExecutionResult{Stdout: string(respBody), ExitCode: resp.StatusCode}
	if resp.StatusCode >= 400 {
		result.Error = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	return result, nil
}

// parseHTTPCommand разбирает "[METHOD] URL".
func parseHTTPCommand(command string) (string, string, error) {
	fields := strings.Fields(command)
	switch len(fields) {
	case 1:
		return http.MethodGet, fields[0], nil
	case 2:
		return strings.ToUpper(fields[0]), fields[1], nil
	default:
		return "", "", fmt.Errorf("%w: command must be \"[METHOD] URL\", got %q", ErrHTTPRequest, command)
	}
}
