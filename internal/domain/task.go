package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Task — единица работы: один Step-Run на одном индексе разброса.
//
// Входы полностью разрешены: дерево данных к воркеру не попадает.
// Уникальность: (StepRunID, Generation, Path.Key()).
type Task struct {
	ID       uuid.UUID `json:"id"`
	Revision int64     `json:"revision"`

	StepRunID  uuid.UUID `json:"step_run_id"`
	RootRunID  uuid.UUID `json:"root_run_id"`
	Generation int       `json:"generation"`

	Path    Path   `json:"path"`
	PathKey string `json:"path_key"`

	Inputs  []TaskInput  `json:"inputs,omitempty"`
	Outputs []OutputPort `json:"outputs,omitempty"`

	// Command — команда после подстановки входов.
	Command      string            `json:"command"`
	Interpreter  string            `json:"interpreter,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	Resources    map[string]string `json:"resources,omitempty"`
	TimeoutHours float64           `json:"timeout_hours,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TaskInput — разрешённое значение входного канала.
// Gathered=false — ровно один объект, иначе упорядоченный массив.
type TaskInput struct {
	Channel  string       `json:"channel"`
	Type     DataType     `json:"type"`
	Gathered bool         `json:"gathered,omitempty"`
	Objects  []DataObject `json:"objects"`
}

// Native возвращает значение для шаблона команды и JSON.
func (in TaskInput) Native() any {
	if !in.Gathered {
		if len(in.Objects) == 0 {
			return nil
		}
		return in.Objects[0].Native()
	}
	out := make([]any, len(in.Objects))
	for i, obj := range in.Objects {
		out[i] = obj.Native()
	}
	return out
}

// OutputValue — результат выходного канала одной task.
type OutputValue struct {
	// Scatter — значение является массивом и разворачивается в ветку.
	Scatter bool         `json:"scatter,omitempty"`
	Objects []DataObject `json:"objects"`
}

// TaskRun — запись выполнения task в пределах одного поколения.
type TaskRun struct {
	ID       uuid.UUID `json:"id"`
	Revision int64     `json:"revision"`

	TaskID     uuid.UUID `json:"task_id"`
	StepRunID  uuid.UUID `json:"step_run_id"`
	RootRunID  uuid.UUID `json:"root_run_id"`
	Generation int       `json:"generation"`

	Status TaskRunStatus `json:"status"`

	// Attempts — попытки в порядке создания.
	Attempts        []uuid.UUID `json:"attempts"`
	ActiveAttemptID uuid.UUID   `json:"active_attempt_id"`

	// Failures — счётчики ошибок по классам.
	Failures map[FailureKind]int `json:"failures,omitempty"`

	// NotBefore — задержка перед следующей попыткой.
	NotBefore *time.Time `json:"not_before,omitempty"`

	Outputs     map[string]OutputValue `json:"outputs,omitempty"`
	Error       string                 `json:"error,omitempty"`
	FailureKind FailureKind            `json:"failure_kind,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RecordFailure увеличивает счётчик класса и возвращает новое значение.
func (tr *TaskRun) RecordFailure(kind FailureKind) int {
	if tr.Failures == nil {
		tr.Failures = make(map[FailureKind]int)
	}
	tr.Failures[kind]++
	return tr.Failures[kind]
}

// MarkRunning фиксирует, что первая попытка отправлена воркеру.
func (tr *TaskRun) MarkRunning() error {
	switch tr.Status {
	case TaskRunStatusRunning:
		return nil
	case TaskRunStatusPending:
		tr.Status = TaskRunStatusRunning
		return nil
	default:
		return fmt.Errorf("%w: task run %s is %s", ErrInvalidTransition, tr.ID, tr.Status)
	}
}

// MarkSucceeded завершает task-run успешно.
func (tr *TaskRun) MarkSucceeded(now time.Time, outputs map[string]OutputValue) error {
	if tr.Status.IsTerminal() {
		return fmt.Errorf("%w: task run %s is %s", ErrInvalidTransition, tr.ID, tr.Status)
	}
	tr.Status = TaskRunStatusSucceeded
	tr.Outputs = outputs
	tr.FinishedAt = &now
	return nil
}

// MarkFailed завершает task-run с причиной последней попытки.
func (tr *TaskRun) MarkFailed(now time.Time, kind FailureKind, reason string) error {
	if tr.Status.IsTerminal() {
		return fmt.Errorf("%w: task run %s is %s", ErrInvalidTransition, tr.ID, tr.Status)
	}
	tr.Status = TaskRunStatusFailed
	tr.FailureKind = kind
	tr.Error = reason
	tr.FinishedAt = &now
	return nil
}

// MarkKilled завершает task-run по запросу пользователя.
func (tr *TaskRun) MarkKilled(now time.Time) error {
	if tr.Status.IsTerminal() {
		return fmt.Errorf("%w: task run %s is %s", ErrInvalidTransition, tr.ID, tr.Status)
	}
	tr.Status = TaskRunStatusKilled
	tr.FinishedAt = &now
	return nil
}

// Clone возвращает глубокую копию.
func (tr *TaskRun) Clone() *TaskRun {
	c := *tr
	c.Attempts = slices.Clone(tr.Attempts)
	c.Failures = maps.Clone(tr.Failures)
	c.NotBefore = cloneTime(tr.NotBefore)
	c.FinishedAt = cloneTime(tr.FinishedAt)
	if tr.Outputs != nil {
		c.Outputs = make(map[string]OutputValue, len(tr.Outputs))
		for k, v := range tr.Outputs {
			c.Outputs[k] = OutputValue{Scatter: v.Scatter, Objects: slices.Clone(v.Objects)}
		}
	}
	return &c
}

// AttemptReport — статус попытки, присланный воркером или монитором.
type AttemptReport struct {
	Status     AttemptStatus  `json:"status"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	Kind       FailureKind    `json:"kind,omitempty"`
	ReportedAt time.Time      `json:"reported_at"`
}

// TaskAttempt — одна попытка выполнить task на воркере.
type TaskAttempt struct {
	ID       uuid.UUID `json:"id"`
	Revision int64     `json:"revision"`

	TaskRunID uuid.UUID `json:"task_run_id"`
	TaskID    uuid.UUID `json:"task_id"`
	StepRunID uuid.UUID `json:"step_run_id"`
	RootRunID uuid.UUID `json:"root_run_id"`
	Number    int       `json:"number"`

	Status AttemptStatus `json:"status"`

	// WorkerRef — дескриптор, выданный воркером при dispatch.
	WorkerRef string `json:"worker_ref,omitempty"`

	// Report — последний присланный статус, ещё не обработанный проходом.
	Report *AttemptReport `json:"report,omitempty"`

	FailureKind FailureKind            `json:"failure_kind,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Outputs     map[string]OutputValue `json:"outputs,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// NewAttempt создаёт попытку номер number в статусе PENDING.
func NewAttempt(run *TaskRun, number int, now time.Time) *TaskAttempt {
	return &TaskAttempt{
		ID:        uuid.New(),
		TaskRunID: run.ID,
		TaskID:    run.TaskID,
		StepRunID: run.StepRunID,
		RootRunID: run.RootRunID,
		Number:    number,
		Status:    AttemptStatusPending,
		CreatedAt: now,
	}
}

// MarkRunning фиксирует успешный dispatch.
func (a *TaskAttempt) MarkRunning(now time.Time, workerRef string) error {
	if a.Status != AttemptStatusPending {
		return fmt.Errorf("%w: attempt %s is %s", ErrInvalidTransition, a.ID, a.Status)
	}
	a.Status = AttemptStatusRunning
	a.WorkerRef = workerRef
	a.StartedAt = &now
	a.LastHeartbeat = &now
	return nil
}

// MarkSucceeded завершает попытку успешно.
func (a *TaskAttempt) MarkSucceeded(now time.Time, outputs map[string]OutputValue) error {
	if a.Status.IsTerminal() {
		return fmt.Errorf("%w: attempt %s is %s", ErrInvalidTransition, a.ID, a.Status)
	}
	a.Status = AttemptStatusSucceeded
	a.Outputs = outputs
	a.FinishedAt = &now
	return nil
}

// MarkFailed завершает попытку с ошибкой.
func (a *TaskAttempt) MarkFailed(now time.Time, kind FailureKind, reason string) error {
	if a.Status.IsTerminal() {
		return fmt.Errorf("%w: attempt %s is %s", ErrInvalidTransition, a.ID, a.Status)
	}
	a.Status = AttemptStatusFailed
	a.FailureKind = kind
	a.Error = reason
	a.FinishedAt = &now
	return nil
}

// MarkKilled завершает попытку по запросу пользователя.
func (a *TaskAttempt) MarkKilled(now time.Time) error {
	if a.Status.IsTerminal() {
		return fmt.Errorf("%w: attempt %s is %s", ErrInvalidTransition, a.ID, a.Status)
	}
	a.Status = AttemptStatusKilled
	a.FinishedAt = &now
	return nil
}

// IsResponsive проверяет, что heartbeat приходил не позже timeout назад.
func (a *TaskAttempt) IsResponsive(now time.Time, timeout time.Duration) bool {
	if a.LastHeartbeat == nil {
		return a.StartedAt == nil || now.Sub(*a.StartedAt) <= timeout
	}
	return now.Sub(*a.LastHeartbeat) <= timeout
}

// Clone возвращает глубокую копию.
func (a *TaskAttempt) Clone() *TaskAttempt {
	c := *a
	if a.Report != nil {
		r := *a.Report
		r.Outputs = maps.Clone(a.Report.Outputs)
		c.Report = &r
	}
	if a.Outputs != nil {
		c.Outputs = make(map[string]OutputValue, len(a.Outputs))
		for k, v := range a.Outputs {
			c.Outputs[k] = OutputValue{Scatter: v.Scatter, Objects: slices.Clone(v.Objects)}
		}
	}
	c.StartedAt = cloneTime(a.StartedAt)
	c.FinishedAt = cloneTime(a.FinishedAt)
	c.LastHeartbeat = cloneTime(a.LastHeartbeat)
	return &c
}

// Clone возвращает глубокую копию task.
func (t *Task) Clone() *Task {
	c := *t
	c.Path = t.Path.Clone()
	c.Inputs = make([]TaskInput, len(t.Inputs))
	for i, in := range t.Inputs {
		in.Objects = slices.Clone(in.Objects)
		c.Inputs[i] = in
	}
	c.Outputs = slices.Clone(t.Outputs)
	c.Environment = maps.Clone(t.Environment)
	c.Resources = maps.Clone(t.Resources)
	return &c
}

// AttemptRequest — всё, что нужно воркеру для выполнения попытки.
type AttemptRequest struct {
	AttemptID    uuid.UUID         `json:"attempt_id"`
	TaskID       uuid.UUID         `json:"task_id"`
	StepRunID    uuid.UUID         `json:"step_run_id"`
	Command      string            `json:"command"`
	Interpreter  string            `json:"interpreter,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	Resources    map[string]string `json:"resources,omitempty"`
	Inputs       []TaskInput       `json:"inputs,omitempty"`
	Outputs      []OutputPort      `json:"outputs,omitempty"`
	TimeoutHours float64           `json:"timeout_hours,omitempty"`
}

// NewAttemptRequest собирает запрос из task и попытки.
func NewAttemptRequest(task *Task, attempt *TaskAttempt) AttemptRequest {
	return AttemptRequest{
		AttemptID:    attempt.ID,
		TaskID:       task.ID,
		StepRunID:    task.StepRunID,
		Command:      task.Command,
		Interpreter:  task.Interpreter,
		Environment:  maps.Clone(task.Environment),
		Resources:    maps.Clone(task.Resources),
		Inputs:       task.Inputs,
		Outputs:      task.Outputs,
		TimeoutHours: task.TimeoutHours,
	}
}
