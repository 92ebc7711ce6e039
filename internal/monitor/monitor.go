package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/worker"
)

// Ошибки монитора.
var (
	// ErrAttemptNotFound — попытка не найдена.
	ErrAttemptNotFound = errors.New("attempt not found")

	// ErrAttemptFinished — попытка уже завершена или остановлена.
	ErrAttemptFinished = errors.New("attempt already finished")

	// ErrNotDispatched — оркестратор ещё не отправил попытку воркеру.
	ErrNotDispatched = errors.New("attempt was not dispatched")
)

// Коды выхода процесса монитора.
const (
	ExitSucceeded = 0
	ExitFailed    = 1
	ExitTimeout   = 2
	ExitError     = 3
)

// Default configuration values.
const (
	defaultPollInterval      = time.Second
	defaultHeartbeatInterval = 30 * time.Second
	reportTimeout            = 30 * time.Second
)

// Result — итог, отправленный оркестратору.
type Result struct {
	AttemptID uuid.UUID
	Report    domain.AttemptReport
}

// ExitCode возвращает код выхода для итога.
func (r Result) ExitCode() int {
	switch {
	case r.Report.Status == domain.AttemptStatusSucceeded:
		return ExitSucceeded
	case r.Report.Kind == domain.FailureTimeout:
		return ExitTimeout
	default:
		return ExitFailed
	}
}

// Monitor выполняет одну попытку и отчитывается о ней.
type Monitor struct {
	endpoint          Endpoint
	worker            worker.Client
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	timeout           time.Duration
	logger            *slog.Logger
}

// Config — конфигурация Monitor.
type Config struct {
	Endpoint Endpoint

	// Worker выполняет команду (default: worker.NewLocal).
	Worker worker.Client

	PollInterval      time.Duration // default: 1s
	HeartbeatInterval time.Duration // default: 30s

	// Timeout — лимит выполнения; 0 — TimeoutHours из запроса,
	// если и он не задан, лимита нет.
	Timeout time.Duration

	Logger *slog.Logger
}

// New создаёт Monitor.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := cfg.Worker
	if w == nil {
		w = worker.NewLocal(worker.LocalConfig{Logger: logger})
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	return &Monitor{
		endpoint:          cfg.Endpoint,
		worker:            w,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
		timeout:           cfg.Timeout,
		logger:            logger,
	}
}

// Run выполняет попытку attemptID.
//
// 1. Загружает попытку и проверяет, что она выполняется
// 2. Запускает команду через worker.Client
// 3. Опрашивает воркер и шлёт heartbeat до завершения или таймаута
// 4. Отправляет ровно один терминальный отчёт
//
// Ошибка возвращается, только если отчёт отправить не удалось
// или попытку нельзя выполнять.
func (m *Monitor) Run(ctx context.Context, attemptID uuid.UUID) (Result, error) {
	logger := m.logger.With("attempt_id", attemptID)

	// 1. Загружаем попытку
	info, err := m.endpoint.GetAttempt(ctx, attemptID)
	if err != nil {
		return Result{}, fmt.Errorf("get attempt: %w", err)
	}
	switch info.Attempt.Status {
	case domain.AttemptStatusRunning:
	case domain.AttemptStatusPending:
		return Result{}, fmt.Errorf("%w: %s", ErrNotDispatched, attemptID)
	default:
		return Result{}, fmt.Errorf("%w: %s is %s", ErrAttemptFinished, attemptID, info.Attempt.Status)
	}

	timeout := m.timeout
	if timeout <= 0 && info.Request.TimeoutHours > 0 {
		timeout = time.Duration(info.Request.TimeoutHours * float64(time.Hour))
	}

	logger.Info("monitoring attempt", "command", info.Request.Command, "timeout", timeout)

	// 2. Запускаем
	report := m.execute(ctx, logger, info.Request, timeout)

	// 3. Отчитываемся; ctx мог быть отменён, отчёт всё равно нужен
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	result := Result{AttemptID: attemptID, Report: report}
	if err := m.endpoint.ReportStatus(reportCtx, attemptID, report); err != nil {
		return result, fmt.Errorf("report status: %w", err)
	}

	logger.Info("attempt reported",
		"status", report.Status,
		"kind", report.Kind,
		"error", report.Error,
	)
	return result, nil
}

// execute запускает запрос и ждёт итог. Никогда не возвращает
// нетерминальный отчёт.
func (m *Monitor) execute(ctx context.Context, logger *slog.Logger, req domain.AttemptRequest, timeout time.Duration) domain.AttemptReport {
	handle, err := m.worker.Dispatch(ctx, req)
	if err != nil {
		return failure(domain.FailureSystem, fmt.Sprintf("dispatch: %v", err))
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	poll := time.NewTicker(m.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(m.heartbeatInterval)
	defer heartbeat.Stop()

	m.heartbeat(ctx, logger, req.AttemptID)

	for {
		select {
		case <-ctx.Done():
			m.cancel(logger, handle)
			return failure(domain.FailureSystem, "monitor interrupted")

		case <-deadline:
			m.cancel(logger, handle)
			return failure(domain.FailureTimeout, fmt.Sprintf("attempt exceeded timeout of %s", timeout))

		case <-heartbeat.C:
			m.heartbeat(ctx, logger, req.AttemptID)

		case <-poll.C:
			res, err := m.worker.Poll(ctx, handle)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				m.cancel(logger, handle)
				return failure(domain.FailureSystem, fmt.Sprintf("poll: %v", err))
			}
			if !res.IsTerminal() {
				continue
			}
			if res.State == worker.StateSucceeded {
				return domain.AttemptReport{Status: domain.AttemptStatusSucceeded, Outputs: res.Outputs}
			}
			kind := res.Kind
			if kind == "" {
				kind = domain.FailureAnalysis
			}
			return failure(kind, res.Error)
		}
	}
}

func (m *Monitor) heartbeat(ctx context.Context, logger *slog.Logger, id uuid.UUID) {
	if err := m.endpoint.Heartbeat(ctx, id); err != nil && ctx.Err() == nil {
		logger.Warn("failed to send heartbeat", "error", err)
	}
}

func (m *Monitor) cancel(logger *slog.Logger, handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := m.worker.Cancel(ctx, handle); err != nil {
		logger.Warn("failed to cancel attempt", "handle", handle, "error", err)
	}
}

func failure(kind domain.FailureKind, msg string) domain.AttemptReport {
	return domain.AttemptReport{Status: domain.AttemptStatusFailed, Kind: kind, Error: msg}
}
