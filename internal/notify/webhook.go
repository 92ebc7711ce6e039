// Package notify сообщает внешним системам о завершении корневого run.
//
// Адресаты — http(s) URL из запроса на запуск и из конфигурации. Каждый
// получает POST с JSON Notification. Ошибка одного адресата не мешает
// остальным.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tapestry/internal/domain"
)

const defaultTimeout = 10 * time.Second

// ErrInvalidTarget — адрес уведомления не является http(s) URL.
var ErrInvalidTarget = errors.New("invalid notification target")

// ValidateTarget проверяет адрес уведомления.
func ValidateTarget(target string) error {
	if strings.Contains(target, "@") && !strings.Contains(target, "://") {
		return fmt.Errorf("%w: %q: email notifications are not supported", ErrInvalidTarget, target)
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidTarget, target, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: %q: must be an http or https URL", ErrInvalidTarget, target)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidTarget, target)
	}
	return nil
}

// Notification — тело запроса к адресату.
type Notification struct {
	Message    string            `json:"message"`
	RunID      uuid.UUID         `json:"run_id"`
	RunName    string            `json:"run_name"`
	RunStatus  domain.RunStatus  `json:"run_status"`
	Error      string            `json:"error,omitempty"`
	RunAPIURL  string            `json:"run_api_url,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// NewNotification собирает уведомление о run. server_url из контекста
// run, если есть, иначе serverURL, задаёт ссылку на run в API.
func NewNotification(run *domain.Run, serverURL string) Notification {
	if s := run.NotificationContext["server_url"]; s != "" {
		serverURL = s
	}
	n := Notification{
		Message:    fmt.Sprintf("Tapestry run %s@%s is %s", run.Name, run.ID.String()[:8], strings.ToLower(string(run.Status))),
		RunID:      run.ID,
		RunName:    run.Name,
		RunStatus:  run.Status,
		Error:      run.Error,
		FinishedAt: run.FinishedAt,
		Context:    run.NotificationContext,
	}
	if serverURL != "" {
		n.RunAPIURL = strings.TrimRight(serverURL, "/") + "/api/v1/runs/" + run.ID.String()
	}
	return n
}

// Webhook рассылает уведомления POST-запросами.
type Webhook struct {
	client    *http.Client
	urls      []string
	serverURL string
	logger    *slog.Logger
}

// WebhookConfig — конфигурация Webhook.
type WebhookConfig struct {
	// URLs получают уведомления обо всех runs, в дополнение к адресам run.
	URLs []string

	// ServerURL — внешний адрес API для ссылки на run.
	ServerURL string

	// Timeout — лимит одного запроса (default: 10s). Игнорируется, если
	// задан Client.
	Timeout time.Duration
	Client  *http.Client

	Logger *slog.Logger
}

// NewWebhook создаёт Webhook.
func NewWebhook(cfg WebhookConfig) *Webhook {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		client:    client,
		urls:      cfg.URLs,
		serverURL: cfg.ServerURL,
		logger:    logger.With("component", "notify"),
	}
}

// Targets возвращает адреса для run без повторов: сначала адреса run,
// затем общие.
func (w *Webhook) Targets(run *domain.Run) []string {
	targets := make([]string, 0, len(run.NotificationURLs)+len(w.urls))
	for _, u := range append(slices.Clone(run.NotificationURLs), w.urls...) {
		if !slices.Contains(targets, u) {
			targets = append(targets, u)
		}
	}
	return targets
}

// Notify отправляет уведомление всем адресатам run и возвращает число
// успешных доставок. Ошибки адресатов объединяются.
func (w *Webhook) Notify(ctx context.Context, run *domain.Run) (int, error) {
	targets := w.Targets(run)
	if len(targets) == 0 {
		return 0, nil
	}

	body, err := json.Marshal(NewNotification(run, w.serverURL))
	if err != nil {
		return 0, fmt.Errorf("encode notification: %w", err)
	}

	var (
		sent int
		errs []error
	)
	for _, target := range targets {
		if err := w.post(ctx, target, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			continue
		}
		sent++
		w.logger.Debug("notification sent", "run_id", run.ID, "url", target)
	}
	return sent, errors.Join(errs...)
}

func (w *Webhook) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
