package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/mq"
)

// Default configuration values.
const (
	defaultPollInterval      = time.Second
	defaultHeartbeatInterval = 60 * time.Second
	defaultMaxConcurrent     = 4
)

// StatusPublisher — публикация статусов попыток (реализует mq.Publisher).
type StatusPublisher interface {
	PublishAttemptCompleted(ctx context.Context, payload mq.AttemptStatusPayload) error
	PublishHeartbeat(ctx context.Context, attemptID uuid.UUID, workerID string) error
}

// Agent — процесс воркера.
//
// Agent — stateless компонент системы, который:
//   - Получает попытки из очереди attempts.ready
//   - Выполняет их через Local
//   - Периодически опрашивает свои попытки, шлёт heartbeat
//   - Публикует итог в attempts.completed
//   - Останавливает попытки по attempt.cancel
//
// Agents масштабируются горизонтально — несколько экземпляров
// потребляют из одной очереди. Потерянная попытка (агент упал)
// обнаруживается оркестратором по отсутствию heartbeat.
type Agent struct {
	id        string
	conn      *mq.Connection
	publisher StatusPublisher
	local     *Local

	pollInterval      time.Duration
	heartbeatInterval time.Duration

	// slots ограничивает число одновременных попыток.
	slots chan struct{}

	mu       sync.Mutex
	inflight map[string]*inflightAttempt

	readyConsumer  *mq.Consumer
	cancelConsumer *mq.Consumer

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

type inflightAttempt struct {
	attemptID uuid.UUID
	lastBeat  time.Time
}

// AgentConfig — конфигурация Agent.
type AgentConfig struct {
	// ID — имя воркера; по нему называется очередь отмен.
	ID string

	Conn      *mq.Connection
	Publisher StatusPublisher

	// Local — исполнитель попыток (default: NewLocal с пустым конфигом).
	Local *Local

	PollInterval      time.Duration // default: 1s
	HeartbeatInterval time.Duration // default: 60s
	MaxConcurrent     int           // default: 4

	Logger *slog.Logger
}

// NewAgent создаёт Agent.
func NewAgent(cfg AgentConfig) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()[:8]
	}

	local := cfg.Local
	if local == nil {
		local = NewLocal(LocalConfig{Logger: logger})
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	return &Agent{
		id:                id,
		conn:              cfg.Conn,
		publisher:         cfg.Publisher,
		local:             local,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
		slots:             make(chan struct{}, maxConcurrent),
		inflight:          make(map[string]*inflightAttempt),
		logger:            logger.With("worker_id", id),
	}
}

// ID возвращает имя воркера.
func (a *Agent) ID() string {
	return a.id
}

// Start запускает Agent.
//
// Запускает:
//   - Consumer для attempts.ready
//   - Consumer для собственной очереди отмен
//   - Polling горутину: итоги попыток и heartbeat
func (a *Agent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	a.logger.Info("starting worker agent",
		"poll_interval", a.pollInterval,
		"heartbeat_interval", a.heartbeatInterval,
		"max_concurrent", cap(a.slots),
	)

	// Очередь отмен живёт, пока живо соединение; Connection объявит её
	// заново после переподключения
	if err := a.conn.OnConnect(mq.DeclareCancelQueue(a.id)); err != nil {
		cancel()
		return fmt.Errorf("declare cancel queue: %w", err)
	}

	a.readyConsumer = mq.NewConsumer(a.conn, mq.ConsumerConfig{
		Queue:    mq.QueueAttemptsReady,
		Handlers: map[mq.MessageType]mq.Handler{mq.MessageTypeAttemptReady: a.handleAttemptReady},
		Prefetch: cap(a.slots),
		Logger:   a.logger,
	})
	a.cancelConsumer = mq.NewConsumer(a.conn, mq.ConsumerConfig{
		Queue:    mq.CancelQueue(a.id),
		Handlers: map[mq.MessageType]mq.Handler{mq.MessageTypeAttemptCancel: a.handleAttemptCancel},
		Logger:   a.logger,
	})

	for _, c := range []*mq.Consumer{a.readyConsumer, a.cancelConsumer} {
		a.wg.Add(1)
		go func(c *mq.Consumer) {
			defer a.wg.Done()
			if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("consumer error", "error", err)
			}
		}(c)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.pollLoop(ctx)
	}()

	a.logger.Info("worker agent started")
	return nil
}

// Stop останавливает Agent. Незавершённые попытки отменяются;
// оркестратор перезапустит их после потери heartbeat.
func (a *Agent) Stop() {
	a.stoppedMu.Lock()
	a.stopped = true
	a.stoppedMu.Unlock()

	a.logger.Info("stopping worker agent...")

	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	for _, c := range []*mq.Consumer{a.readyConsumer, a.cancelConsumer} {
		if c != nil {
			c.Stop()
		}
	}

	a.wg.Wait()
	a.local.Close()

	a.logger.Info("worker agent stopped")
}

// IsStopped проверяет, остановлен ли Agent.
func (a *Agent) IsStopped() bool {
	a.stoppedMu.RLock()
	defer a.stoppedMu.RUnlock()
	return a.stopped
}

// handleAttemptReady запускает попытку из очереди attempts.ready.
// Блокируется, пока нет свободного слота.
func (a *Agent) handleAttemptReady(ctx context.Context, msg *mq.Message) error {
	payload, err := mq.ParsePayload[mq.AttemptReadyPayload](msg)
	if err != nil {
		a.logger.Error("failed to parse attempt.ready payload", "error", err)
		return err
	}
	req := payload.Request

	if a.IsStopped() {
		return ErrWorkerStopped
	}

	select {
	case a.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	handle, err := a.local.Dispatch(ctx, req)
	if err != nil {
		<-a.slots
		return err
	}

	a.mu.Lock()
	if _, ok := a.inflight[handle]; ok {
		// Повторная доставка той же попытки.
		a.mu.Unlock()
		<-a.slots
		return nil
	}
	a.inflight[handle] = &inflightAttempt{attemptID: req.AttemptID, lastBeat: time.Now()}
	a.mu.Unlock()

	a.logger.Info("attempt started", "attempt_id", req.AttemptID, "step_run_id", req.StepRunID)

	if err := a.publisher.PublishHeartbeat(ctx, req.AttemptID, a.id); err != nil {
		a.logger.Warn("failed to publish heartbeat", "attempt_id", req.AttemptID, "error", err)
	}
	return nil
}

// handleAttemptCancel останавливает попытку, если она выполняется здесь.
func (a *Agent) handleAttemptCancel(ctx context.Context, msg *mq.Message) error {
	payload, err := mq.ParsePayload[mq.AttemptCancelPayload](msg)
	if err != nil {
		a.logger.Error("failed to parse attempt.cancel payload", "error", err)
		return err
	}

	handle := payload.AttemptID.String()
	a.mu.Lock()
	_, ok := a.inflight[handle]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	a.logger.Info("cancelling attempt", "attempt_id", payload.AttemptID, "reason", payload.Reason)
	return a.local.Cancel(ctx, handle)
}

// pollLoop — цикл опроса собственных попыток.
func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

// poll публикует итоги завершённых попыток и heartbeat для остальных.
func (a *Agent) poll(ctx context.Context) {
	a.mu.Lock()
	handles := make([]string, 0, len(a.inflight))
	for h := range a.inflight {
		handles = append(handles, h)
	}
	a.mu.Unlock()

	now := time.Now()
	for _, handle := range handles {
		a.mu.Lock()
		att := a.inflight[handle]
		a.mu.Unlock()
		if att == nil {
			continue
		}

		res, err := a.local.Poll(ctx, handle)
		if err != nil {
			a.logger.Error("failed to poll attempt", "attempt_id", att.attemptID, "error", err)
			continue
		}

		if !res.IsTerminal() {
			if now.Sub(att.lastBeat) >= a.heartbeatInterval {
				if err := a.publisher.PublishHeartbeat(ctx, att.attemptID, a.id); err != nil {
					a.logger.Warn("failed to publish heartbeat", "attempt_id", att.attemptID, "error", err)
					continue
				}
				att.lastBeat = now
			}
			continue
		}

		if err := a.publishResult(ctx, att.attemptID, res); err != nil {
			// Повторим на следующем тике.
			a.logger.Warn("failed to publish attempt result", "attempt_id", att.attemptID, "error", err)
			continue
		}

		a.mu.Lock()
		delete(a.inflight, handle)
		a.mu.Unlock()
		a.local.Release(handle)
		<-a.slots
	}
}

func (a *Agent) publishResult(ctx context.Context, attemptID uuid.UUID, res PollResult) error {
	payload := mq.AttemptStatusPayload{
		AttemptID: attemptID,
		WorkerID:  a.id,
		Outputs:   res.Outputs,
		Error:     res.Error,
		Kind:      res.Kind,
	}
	if res.State == StateSucceeded {
		payload.Status = domain.AttemptStatusSucceeded
	} else {
		payload.Status = domain.AttemptStatusFailed
	}

	if err := a.publisher.PublishAttemptCompleted(ctx, payload); err != nil {
		return err
	}

	a.logger.Info("attempt completed",
		"attempt_id", attemptID,
		"status", payload.Status,
		"error", res.Error,
	)
	return nil
}
