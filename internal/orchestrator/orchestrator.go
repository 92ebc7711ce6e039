package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/config"
	"github.com/shaiso/Tapestry/internal/datatree"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/guard"
	"github.com/shaiso/Tapestry/internal/mq"
	"github.com/shaiso/Tapestry/internal/repo"
	"github.com/shaiso/Tapestry/internal/telemetry"
	"github.com/shaiso/Tapestry/internal/worker"
)

// Default configuration values.
const (
	defaultTickInterval     = 5 * time.Second
	defaultPollTimeout      = 30 * time.Second
	defaultHeartbeatTimeout = 150 * time.Second
	defaultTaskTimeout      = 24 * time.Hour
	defaultBatchSize        = 500
	notifyTimeout           = time.Minute
)

// TemplateResolver находит шаблон по ссылке "name", "name@id" или "name:tag".
type TemplateResolver interface {
	Resolve(ctx context.Context, ref string) (*domain.Template, error)
}

// Notifier сообщает о завершении корневого run и возвращает число
// успешных доставок.
type Notifier interface {
	Notify(ctx context.Context, run *domain.Run) (int, error)
}

// Orchestrator — цикл планировщика и операции над runs.
//
// Каждый тик выполняет три прохода:
//   - step pass: создаёт tasks для готовых Step-Runs и завершает их
//   - workflow pass: поднимает статусы Workflow-Runs от детей к корню
//   - task pass: отправляет попытки воркеру, опрашивает и повторяет их
//
// Состояние хранится только в repo.Store, поэтому экземпляров может быть
// несколько.
type Orchestrator struct {
	store     repo.Store
	templates TemplateResolver
	worker    worker.Client
	conn      *mq.Connection
	notifier  Notifier

	dispatcher *Dispatcher
	policy     guard.Policy

	// Consumers
	statusConsumer    *mq.Consumer
	heartbeatConsumer *mq.Consumer

	// Configuration
	tickInterval     time.Duration
	pollTimeout      time.Duration
	heartbeatTimeout time.Duration
	taskTimeout      time.Duration
	maxRetries       config.RetryLimits
	siblingPolicy    string
	batchSize        int

	metrics *telemetry.Metrics
	now     func() time.Time

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
	tickMu     sync.Mutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	Store     repo.Store
	Templates TemplateResolver
	Worker    worker.Client

	// Conn — если задан, статусы и heartbeat попыток принимаются из очередей.
	Conn *mq.Connection

	// Notifier — если задан, вызывается, когда корневой run завершается.
	Notifier Notifier

	TickInterval     time.Duration // интервал тика (default: 5s)
	PollTimeout      time.Duration // лимит одного опроса воркера (default: 30s)
	HeartbeatTimeout time.Duration // потеря heartbeat (default: 150s)
	TaskTimeout      time.Duration // лимит попытки, если шаг не задал свой (default: 24h)
	BatchSize        int           // максимум записей на проход (default: 500)

	MaxRetries config.RetryLimits

	// GuardAttempts — попытки чтение-изменение-запись (default: 3).
	GuardAttempts int
	GuardBackoff  time.Duration

	// SiblingPolicy — config.SiblingLetFinish (default) или config.SiblingCancel.
	SiblingPolicy string

	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	// Clock — источник времени; для тестов.
	Clock func() time.Time
}

// New создаёт Orchestrator.
func New(cfg Config) *Orchestrator {
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}

	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}

	heartbeatTimeout := cfg.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = defaultHeartbeatTimeout
	}

	taskTimeout := cfg.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	siblingPolicy := cfg.SiblingPolicy
	if siblingPolicy == "" {
		siblingPolicy = config.SiblingLetFinish
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	o := &Orchestrator{
		store:            cfg.Store,
		templates:        cfg.Templates,
		worker:           cfg.Worker,
		conn:             cfg.Conn,
		notifier:         cfg.Notifier,
		tickInterval:     tickInterval,
		pollTimeout:      pollTimeout,
		heartbeatTimeout: heartbeatTimeout,
		taskTimeout:      taskTimeout,
		maxRetries:       cfg.MaxRetries,
		siblingPolicy:    siblingPolicy,
		batchSize:        batchSize,
		metrics:          cfg.Metrics,
		now:              now,
		logger:           logger,
		policy: guard.Policy{
			Attempts:   cfg.GuardAttempts,
			Backoff:    cfg.GuardBackoff,
			OnConflict: cfg.Metrics.IncConflict,
			OnExceeded: cfg.Metrics.IncRetriesExceeded,
		},
	}
	o.dispatcher = NewDispatcher(cfg.Store, now, logger)
	return o
}

// Start запускает цикл тиков и, если задано подключение, consumers
// статусов и heartbeat попыток.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"tick_interval", o.tickInterval,
		"poll_timeout", o.pollTimeout,
		"sibling_policy", o.siblingPolicy,
	)

	if o.conn != nil {
		o.statusConsumer = mq.NewConsumer(o.conn, mq.ConsumerConfig{
			Queue:    mq.QueueAttemptsCompleted,
			Handlers: map[mq.MessageType]mq.Handler{mq.MessageTypeAttemptCompleted: o.handleAttemptStatus},
			Prefetch: 10,
			Logger:   o.logger,
		})
		o.heartbeatConsumer = mq.NewConsumer(o.conn, mq.ConsumerConfig{
			Queue:    mq.QueueAttemptsHeartbeat,
			Handlers: map[mq.MessageType]mq.Handler{mq.MessageTypeAttemptHeartbeat: o.handleHeartbeat},
			Prefetch: 50,
			Logger:   o.logger,
		})

		for _, c := range []*mq.Consumer{o.statusConsumer, o.heartbeatConsumer} {
			o.wg.Add(1)
			go func(c *mq.Consumer) {
				defer o.wg.Done()
				if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					o.logger.Error("consumer error", "error", err)
				}
			}(c)
		}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.tickLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator и ждёт завершения текущего тика.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	if o.statusConsumer != nil {
		o.statusConsumer.Stop()
	}
	if o.heartbeatConsumer != nil {
		o.heartbeatConsumer.Stop()
	}

	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// tickLoop — периодический запуск Tick.
func (o *Orchestrator) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()

	// Первый тик сразу: подхватываем runs, созданные пока были выключены
	o.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runTick(ctx)
		}
	}
}

func (o *Orchestrator) runTick(ctx context.Context) {
	if err := o.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error("tick failed", "error", err)
	}
}

// handleAttemptStatus принимает attempt.completed из очереди.
func (o *Orchestrator) handleAttemptStatus(ctx context.Context, msg *mq.Message) error {
	payload, err := mq.ParsePayload[mq.AttemptStatusPayload](msg)
	if err != nil {
		o.logger.Error("failed to parse attempt.completed payload", "error", err)
		return err
	}

	o.logger.Debug("received attempt.completed event",
		"attempt_id", payload.AttemptID,
		"worker_id", payload.WorkerID,
		"status", payload.Status,
	)

	err = o.ReportAttemptStatus(ctx, payload.AttemptID, domain.AttemptReport{
		Status:  payload.Status,
		Outputs: payload.Outputs,
		Error:   payload.Error,
		Kind:    payload.Kind,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAttemptFinished), errors.Is(err, repo.ErrNotFound), errors.Is(err, ErrInvalidReport):
		// Повторная доставка или устаревший отчёт: ack без повтора
		o.logger.Warn("attempt report dropped", "attempt_id", payload.AttemptID, "reason", err)
		return nil
	default:
		return err
	}
}

// handleHeartbeat принимает attempt.heartbeat из очереди.
func (o *Orchestrator) handleHeartbeat(ctx context.Context, msg *mq.Message) error {
	payload, err := mq.ParsePayload[mq.HeartbeatPayload](msg)
	if err != nil {
		o.logger.Error("failed to parse attempt.heartbeat payload", "error", err)
		return err
	}

	if err := o.Heartbeat(ctx, payload.AttemptID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return nil
}

// --- guard helpers ---

func (o *Orchestrator) updateRun(ctx context.Context, id uuid.UUID, mutate func(*domain.Run) error) (*domain.Run, error) {
	return guard.Update(ctx, o.policy,
		func(ctx context.Context) (*domain.Run, error) { return o.store.GetRun(ctx, id) },
		mutate,
		o.store.UpdateRun,
	)
}

func (o *Orchestrator) updateTaskRun(ctx context.Context, id uuid.UUID, mutate func(*domain.TaskRun) error) (*domain.TaskRun, error) {
	return guard.Update(ctx, o.policy,
		func(ctx context.Context) (*domain.TaskRun, error) { return o.store.GetTaskRun(ctx, id) },
		mutate,
		o.store.UpdateTaskRun,
	)
}

func (o *Orchestrator) updateAttempt(ctx context.Context, id uuid.UUID, mutate func(*domain.TaskAttempt) error) (*domain.TaskAttempt, error) {
	return guard.Update(ctx, o.policy,
		func(ctx context.Context) (*domain.TaskAttempt, error) { return o.store.GetAttempt(ctx, id) },
		mutate,
		o.store.UpdateAttempt,
	)
}

func (o *Orchestrator) updateTree(ctx context.Context, id uuid.UUID, mutate func(*datatree.Record) error) (*datatree.Record, error) {
	return guard.Update(ctx, o.policy,
		func(ctx context.Context) (*datatree.Record, error) { return o.store.GetTree(ctx, id) },
		mutate,
		o.store.UpdateTree,
	)
}

// event пишет запись в журнал run. Ошибка записи только логируется.
func (o *Orchestrator) event(ctx context.Context, ev domain.Event) {
	if err := o.store.AddEvent(ctx, &ev); err != nil {
		o.logger.Warn("failed to record event", "run_id", ev.RunID, "message", ev.Message, "error", err)
	}
}

func (o *Orchestrator) runEvent(ctx context.Context, runID uuid.UUID, message, detail string, isError bool) {
	o.event(ctx, domain.NewEvent(runID, message, detail, isError, o.now()))
}

func (o *Orchestrator) attemptEvent(ctx context.Context, a *domain.TaskAttempt, message, detail string, isError bool) {
	ev := domain.NewEvent(a.StepRunID, message, detail, isError, o.now())
	taskRunID, attemptID := a.TaskRunID, a.ID
	ev.TaskRunID = &taskRunID
	ev.AttemptID = &attemptID
	o.event(ctx, ev)
}
