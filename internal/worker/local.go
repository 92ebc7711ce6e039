package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaiso/Tapestry/internal/domain"
)

// LocalConfig — конфигурация Local.
type LocalConfig struct {
	// Registry — executor'ы по интерпретатору (default: NewRegistry()).
	Registry *Registry

	// WorkRoot — каталог для рабочих каталогов попыток
	// (default: $TMPDIR/tapestry).
	WorkRoot string

	Logger *slog.Logger
}

// Local выполняет попытки в горутинах текущего процесса.
//
// Используется оркестратором в режиме без брокера, агентом воркера
// и монитором. Дескриптор попытки — её ID.
type Local struct {
	registry *Registry
	workRoot string
	logger   *slog.Logger

	mu       sync.Mutex
	attempts map[string]*localAttempt
	wg       sync.WaitGroup
}

type localAttempt struct {
	cancel  context.CancelFunc
	done    chan struct{}
	workDir string
	result  PollResult
}

var _ Client = (*Local)(nil)

// NewLocal создаёт Local.
func NewLocal(cfg LocalConfig) *Local {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	workRoot := cfg.WorkRoot
	if workRoot == "" {
		workRoot = filepath.Join(os.TempDir(), "tapestry")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Local{
		registry: registry,
		workRoot: workRoot,
		logger:   logger,
		attempts: make(map[string]*localAttempt),
	}
}

// Dispatch запускает попытку. Повторный вызов для той же попытки
// возвращает существующий дескриптор.
func (l *Local) Dispatch(_ context.Context, req domain.AttemptRequest) (string, error) {
	handle := req.AttemptID.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.attempts[handle]; ok {
		return handle, nil
	}

	workDir := filepath.Join(l.workRoot, handle)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if req.TimeoutHours > 0 {
		timeout := time.Duration(req.TimeoutHours * float64(time.Hour))
		runCtx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	a := &localAttempt{
		cancel:  cancel,
		done:    make(chan struct{}),
		workDir: workDir,
		result:  PollResult{State: StatePending},
	}
	l.attempts[handle] = a

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()
		l.run(runCtx, req, a)
	}()

	l.logger.Debug("attempt started", "attempt_id", req.AttemptID, "work_dir", workDir)
	return handle, nil
}

// run выполняет команду и фиксирует результат.
func (l *Local) run(ctx context.Context, req domain.AttemptRequest, a *localAttempt) {
	result := l.execute(ctx, &req, a.workDir)

	l.mu.Lock()
	a.result = result
	l.mu.Unlock()
	close(a.done)

	l.logger.Debug("attempt finished",
		"attempt_id", req.AttemptID,
		"state", result.State,
		"error", result.Error,
	)
}

func (l *Local) execute(ctx context.Context, req *domain.AttemptRequest, workDir string) PollResult {
	executor, err := l.registry.Get(req.Interpreter)
	if err != nil {
		return PollResult{State: StateFailed, Error: err.Error(), Kind: domain.FailureAnalysis}
	}

	res, err := executor.Execute(ctx, req, workDir)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return PollResult{State: StateFailed, Error: "attempt exceeded its timeout", Kind: domain.FailureTimeout}
	case errors.Is(err, context.Canceled):
		return PollResult{State: StateFailed, Error: "attempt was cancelled", Kind: domain.FailureSystem}
	case err != nil:
		return PollResult{State: StateFailed, Error: err.Error(), Kind: domain.FailureSystem}
	case res.Error != "":
		return PollResult{State: StateFailed, Error: res.Error, Kind: domain.FailureAnalysis}
	}

	outputs, err := CollectOutputs(req.Outputs, res, workDir)
	if err != nil {
		return PollResult{State: StateFailed, Error: err.Error(), Kind: domain.FailureAnalysis}
	}
	return PollResult{State: StateSucceeded, Outputs: outputs}
}

// Poll возвращает текущее состояние попытки без ожидания.
func (l *Local) Poll(ctx context.Context, handle string) (PollResult, error) {
	if err := ctx.Err(); err != nil {
		return PollResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.attempts[handle]
	if !ok {
		return PollResult{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	res := a.result
	res.Alive = !res.IsTerminal()
	return res, nil
}

// Wait блокируется до завершения попытки или отмены ctx.
func (l *Local) Wait(ctx context.Context, handle string) (PollResult, error) {
	l.mu.Lock()
	a, ok := l.attempts[handle]
	l.mu.Unlock()
	if !ok {
		return PollResult{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}

	select {
	case <-a.done:
		return l.Poll(context.WithoutCancel(ctx), handle)
	case <-ctx.Done():
		return PollResult{}, ctx.Err()
	}
}

// Cancel останавливает попытку. Неизвестный дескриптор — не ошибка.
func (l *Local) Cancel(_ context.Context, handle string) error {
	l.mu.Lock()
	a, ok := l.attempts[handle]
	l.mu.Unlock()
	if ok {
		a.cancel()
	}
	return nil
}

// Running возвращает дескрипторы незавершённых попыток.
func (l *Local) Running() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for handle, a := range l.attempts {
		if !a.result.IsTerminal() {
			out = append(out, handle)
		}
	}
	return out
}

// Release забывает завершённую попытку и удаляет её рабочий каталог.
func (l *Local) Release(handle string) {
	l.mu.Lock()
	a, ok := l.attempts[handle]
	release := ok && a.result.IsTerminal()
	if release {
		delete(l.attempts, handle)
	}
	l.mu.Unlock()

	if release {
		if err := os.RemoveAll(a.workDir); err != nil {
			l.logger.Warn("failed to remove work dir", "work_dir", a.workDir, "error", err)
		}
	}
}

// Close отменяет все попытки и ждёт их завершения.
func (l *Local) Close() {
	l.mu.Lock()
	for _, a := range l.attempts {
		a.cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
}
