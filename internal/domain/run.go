package domain

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition — переход статуса запрещён жизненным циклом.
var ErrInvalidTransition = errors.New("invalid status transition")

// Run — узел графа выполнения.
//
// Workflow-Run (IsLeaf=false) владеет дочерними runs через Steps.
// Step-Run (IsLeaf=true) владеет своими tasks и выходными деревьями.
// ParentID — обратная ссылка только для чтения.
type Run struct {
	ID       uuid.UUID `json:"id"`
	Revision int64     `json:"revision"`

	// RootID — корневой Workflow-Run. Для корня совпадает с ID.
	RootID   uuid.UUID  `json:"root_id"`
	ParentID *uuid.UUID `json:"parent_id,omitempty"`

	TemplateID uuid.UUID `json:"template_id"`
	Name       string    `json:"name"`
	IsLeaf     bool      `json:"is_leaf"`
	Status     RunStatus `json:"status"`

	Command      string            `json:"command,omitempty"`
	Interpreter  string            `json:"interpreter,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	Resources    map[string]string `json:"resources,omitempty"`
	TimeoutHours float64           `json:"timeout_hours,omitempty"`

	Inputs  []RunInput  `json:"inputs,omitempty"`
	Outputs []RunOutput `json:"outputs,omitempty"`

	// Steps — дочерние runs в порядке шаблона.
	Steps []uuid.UUID `json:"steps,omitempty"`

	// Dispatched — tasks текущего поколения созданы.
	Dispatched bool `json:"dispatched,omitempty"`
	TaskCount  int  `json:"task_count,omitempty"`

	// Generation — номер поколения Task-Runs, растёт при явном retry.
	Generation int `json:"generation"`

	// KillRequested выставляется на корне и наблюдается обоими проходами.
	KillRequested bool `json:"kill_requested,omitempty"`

	// NotificationURLs получают POST, когда корневой run завершается.
	NotificationURLs []string `json:"notification_urls,omitempty"`
	// NotificationContext передаётся в уведомление как есть.
	NotificationContext map[string]string `json:"notification_context,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunInput — подключение входного канала к дереву данных.
type RunInput struct {
	Channel string    `json:"channel"`
	Type    DataType  `json:"type"`
	Mode    string    `json:"mode,omitempty"`
	Group   int       `json:"group,omitempty"`
	TreeID  uuid.UUID `json:"tree_id"`

	// Owned — дерево создано для этого run (пользовательский вход или
	// фиксированное значение шаблона). Иначе это ссылка на чужой выход.
	Owned bool `json:"owned,omitempty"`
}

// RunOutput — выходной канал и его дерево.
type RunOutput struct {
	Channel string        `json:"channel"`
	Type    DataType      `json:"type"`
	Mode    string        `json:"mode,omitempty"`
	Source  OutputSource  `json:"source,omitempty"`
	Parser  *OutputParser `json:"parser,omitempty"`
	TreeID  uuid.UUID     `json:"tree_id"`
	Owned   bool          `json:"owned,omitempty"`
}

// IsRoot возвращает true для корневого Workflow-Run.
func (r *Run) IsRoot() bool {
	return r.ParentID == nil
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// Input возвращает подключение входа по имени канала.
func (r *Run) Input(channel string) (*RunInput, bool) {
	for i := range r.Inputs {
		if r.Inputs[i].Channel == channel {
			return &r.Inputs[i], true
		}
	}
	return nil, false
}

// Output возвращает выход по имени канала.
func (r *Run) Output(channel string) (*RunOutput, bool) {
	for i := range r.Outputs {
		if r.Outputs[i].Channel == channel {
			return &r.Outputs[i], true
		}
	}
	return nil, false
}

func (r *Run) transition(to RunStatus, now time.Time) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("%w: run %s %s -> %s", ErrInvalidTransition, r.ID, r.Status, to)
	}
	if r.Status == to {
		return nil
	}
	r.Status = to
	if to == RunStatusRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if to.IsTerminal() {
		r.FinishedAt = &now
	}
	return nil
}

// MarkRunning переводит run в статус RUNNING.
func (r *Run) MarkRunning(now time.Time) error {
	return r.transition(RunStatusRunning, now)
}

// MarkFinished переводит run в статус FINISHED.
func (r *Run) MarkFinished(now time.Time) error {
	return r.transition(RunStatusFinished, now)
}

// MarkFailed переводит run в статус FAILED. Сохраняется первая причина.
func (r *Run) MarkFailed(now time.Time, reason string) error {
	if err := r.transition(RunStatusFailed, now); err != nil {
		return err
	}
	if r.Error == "" {
		r.Error = reason
	}
	return nil
}

// MarkKilled переводит run в статус KILLED.
func (r *Run) MarkKilled(now time.Time, reason string) error {
	if err := r.transition(RunStatusKilled, now); err != nil {
		return err
	}
	if r.Error == "" {
		r.Error = reason
	}
	return nil
}

// Restart открывает новое поколение для явного retry Step-Run.
func (r *Run) Restart(now time.Time) error {
	if !r.IsLeaf {
		return fmt.Errorf("%w: only step runs can be retried", ErrInvalidTransition)
	}
	if r.Status != RunStatusFailed && r.Status != RunStatusKilled {
		return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, r.ID, r.Status)
	}
	r.Generation++
	r.KillRequested = false
	r.Dispatched = false
	r.TaskCount = 0
	r.Error = ""
	r.Status = RunStatusPending
	r.FinishedAt = nil
	return nil
}

// Reopen возвращает упавший или остановленный Workflow-Run в PENDING,
// когда внутри него повторяют шаг.
func (r *Run) Reopen() error {
	if r.IsLeaf {
		return fmt.Errorf("%w: step runs are restarted, not reopened", ErrInvalidTransition)
	}
	if r.Status != RunStatusFailed && r.Status != RunStatusKilled {
		return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, r.ID, r.Status)
	}
	r.Status = RunStatusPending
	r.KillRequested = false
	r.Error = ""
	r.FinishedAt = nil
	return nil
}

// Clone возвращает глубокую копию.
func (r *Run) Clone() *Run {
	c := *r
	if r.ParentID != nil {
		parent := *r.ParentID
		c.ParentID = &parent
	}
	c.Environment = maps.Clone(r.Environment)
	c.Resources = maps.Clone(r.Resources)
	c.Inputs = slices.Clone(r.Inputs)
	c.Outputs = make([]RunOutput, len(r.Outputs))
	for i, out := range r.Outputs {
		if out.Parser != nil {
			p := *out.Parser
			out.Parser = &p
		}
		c.Outputs[i] = out
	}
	c.Steps = slices.Clone(r.Steps)
	c.NotificationURLs = slices.Clone(r.NotificationURLs)
	c.NotificationContext = maps.Clone(r.NotificationContext)
	c.StartedAt = cloneTime(r.StartedAt)
	c.FinishedAt = cloneTime(r.FinishedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
