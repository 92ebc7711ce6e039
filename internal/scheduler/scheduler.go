package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Ошибки планировщика.
var (
	// ErrInvalidSpec — cron-выражение не разбирается.
	ErrInvalidSpec = errors.New("invalid cron expression")

	// ErrDuplicateJob — задача с таким именем уже зарегистрирована.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrUnknownJob — задача не зарегистрирована.
	ErrUnknownJob = errors.New("unknown job")
)

// Job — периодическая задача обслуживания.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// JobStatus — состояние зарегистрированной задачи.
type JobStatus struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// Runner запускает задачи по cron-расписанию.
//
// Пока задача выполняется, её следующие срабатывания пропускаются.
// Паника в задаче логируется и не останавливает Runner.
type Runner struct {
	cron     *cron.Cron
	location *time.Location
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	jobs    map[string]registered
	baseCtx context.Context
	cancel  context.CancelFunc
}

type registered struct {
	job   Job
	entry cron.EntryID
}

// Config — конфигурация Runner.
type Config struct {
	// Location — timezone выражений (default: UTC).
	Location *time.Location

	// JobTimeout — лимит одного запуска задачи; 0 — без лимита.
	JobTimeout time.Duration

	Logger *slog.Logger
}

// New создаёт Runner.
func New(cfg Config) *Runner {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		location: loc,
		timeout:  cfg.JobTimeout,
		logger:   logger,
		jobs:     make(map[string]registered),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Add регистрирует задачу. Можно вызывать и после Start.
func (r *Runner) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job must have a name and a func")
	}
	if err := ValidateCronExpr(job.Spec); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}

	id, err := r.cron.AddFunc(job.Spec, func() {
		_ = r.execute(r.baseCtx, job)
	})
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSpec, job.Spec, err)
	}
	r.jobs[job.Name] = registered{job: job, entry: id}

	next, _ := CalculateNextDue(job.Spec, time.Now(), r.location)
	r.logger.Info("maintenance job registered",
		"job", job.Name,
		"spec", job.Spec,
		"next_run", next,
	)
	return nil
}

// RunNow выполняет задачу немедленно, вне расписания.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	reg, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.execute(ctx, reg.job)
}

// Jobs возвращает зарегистрированные задачи, отсортированные по имени.
func (r *Runner) Jobs() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]JobStatus, 0, len(r.jobs))
	for name, reg := range r.jobs {
		e := r.cron.Entry(reg.entry)
		next := e.Next
		if next.IsZero() {
			// До Start cron ещё не вычислял Next
			next, _ = CalculateNextDue(reg.job.Spec, time.Now(), r.location)
		}
		out = append(out, JobStatus{Name: name, Spec: reg.job.Spec, Next: next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start запускает расписание. Задачи получают контекст, производный от ctx.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.cancel()
	r.baseCtx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.cron.Start()
	r.logger.Info("maintenance scheduler started", "jobs", len(r.jobs))
}

// Stop останавливает расписание и ждёт завершения выполняющихся задач.
func (r *Runner) Stop() {
	done := r.cron.Stop()
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	<-done.Done()
	r.logger.Info("maintenance scheduler stopped")
}

func (r *Runner) execute(ctx context.Context, job Job) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	err := job.Run(ctx)
	if err != nil {
		r.logger.Error("maintenance job failed",
			"job", job.Name,
			"duration", time.Since(start),
			"error", err,
		)
		return err
	}

	r.logger.Debug("maintenance job completed",
		"job", job.Name,
		"duration", time.Since(start),
	)
	return nil
}

// cronLogger передаёт сообщения robfig/cron в slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
