package repo

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/datatree"
	"github.com/shaiso/Tapestry/internal/domain"
)

// Store — всё персистентное состояние оркестратора.
//
// Update-методы условные: запись проходит, только если ревизия объекта
// совпадает с сохранённой. Иначе возвращается guard.ErrConflict.
// При успехе Revision объекта увеличивается на месте.
type Store interface {
	TemplateStore
	RunStore
	TreeStore
	TaskStore
	EventStore
}

// TemplateStore — импортированные шаблоны и теги.
type TemplateStore interface {
	// SaveTemplate сохраняет шаблон; повторное сохранение того же ID — no-op.
	SaveTemplate(ctx context.Context, t *domain.Template) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error)
	ListTemplates(ctx context.Context) ([]*domain.Template, error)

	// AddTag привязывает тег; существующая пара (цель, имя) — ErrAlreadyExists.
	AddTag(ctx context.Context, tag domain.Tag) error
	ListTags(ctx context.Context, target domain.TagTarget, targetID uuid.UUID) ([]domain.Tag, error)
	FindByTag(ctx context.Context, target domain.TagTarget, name string) ([]uuid.UUID, error)
}

// RunStore — Workflow-Runs и Step-Runs.
type RunStore interface {
	// CreateRunGraph атомарно сохраняет граф runs и их деревья.
	CreateRunGraph(ctx context.Context, runs []*domain.Run, trees []*datatree.Record) error
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	UpdateRun(ctx context.Context, run *domain.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*domain.Run, error)
}

// TreeStore — деревья данных каналов.
type TreeStore interface {
	GetTree(ctx context.Context, id uuid.UUID) (*datatree.Record, error)
	UpdateTree(ctx context.Context, rec *datatree.Record) error
}

// TaskStore — tasks, task-runs и попытки.
type TaskStore interface {
	// CreateTaskBundle атомарно создаёт task, task-run и первую попытку.
	// Существующий (step run, generation, path) — ErrAlreadyExists.
	CreateTaskBundle(ctx context.Context, task *domain.Task, run *domain.TaskRun, attempt *domain.TaskAttempt) error
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListTasks(ctx context.Context, stepRunID uuid.UUID, generation int) ([]*domain.Task, error)

	GetTaskRun(ctx context.Context, id uuid.UUID) (*domain.TaskRun, error)
	UpdateTaskRun(ctx context.Context, run *domain.TaskRun) error
	ListTaskRuns(ctx context.Context, filter TaskRunFilter) ([]*domain.TaskRun, error)

	// AppendAttempt условно обновляет task-run и создаёт новую попытку
	// в одной транзакции.
	AppendAttempt(ctx context.Context, run *domain.TaskRun, attempt *domain.TaskAttempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*domain.TaskAttempt, error)
	UpdateAttempt(ctx context.Context, attempt *domain.TaskAttempt) error
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]*domain.TaskAttempt, error)
}

// EventStore — журнал событий.
type EventStore interface {
	AddEvent(ctx context.Context, ev *domain.Event) error
	ListEvents(ctx context.Context, runID uuid.UUID, limit int) ([]*domain.Event, error)
}

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	RootID   *uuid.UUID
	ParentID *uuid.UUID
	Statuses []domain.RunStatus
	Leaf     *bool
	Limit    int
}

// TaskRunFilter — параметры фильтрации task-runs.
type TaskRunFilter struct {
	StepRunID  *uuid.UUID
	RootRunID  *uuid.UUID
	Generation *int
	Statuses   []domain.TaskRunStatus
}

// AttemptFilter — параметры фильтрации попыток.
type AttemptFilter struct {
	TaskRunID *uuid.UUID
	RootRunID *uuid.UUID
	Statuses  []domain.AttemptStatus
}

// ActiveRunStatuses — нетерминальные статусы runs.
var ActiveRunStatuses = []domain.RunStatus{domain.RunStatusPending, domain.RunStatusRunning}

// ActiveTaskRunStatuses — нетерминальные статусы task-runs.
var ActiveTaskRunStatuses = []domain.TaskRunStatus{domain.TaskRunStatusPending, domain.TaskRunStatusRunning}

func (f RunFilter) match(r *domain.Run) bool {
	if f.RootID != nil && r.RootID != *f.RootID {
		return false
	}
	if f.ParentID != nil && (r.ParentID == nil || *r.ParentID != *f.ParentID) {
		return false
	}
	if f.Leaf != nil && r.IsLeaf != *f.Leaf {
		return false
	}
	return len(f.Statuses) == 0 || slices.Contains(f.Statuses, r.Status)
}

func (f TaskRunFilter) match(tr *domain.TaskRun) bool {
	if f.StepRunID != nil && tr.StepRunID != *f.StepRunID {
		return false
	}
	if f.RootRunID != nil && tr.RootRunID != *f.RootRunID {
		return false
	}
	if f.Generation != nil && tr.Generation != *f.Generation {
		return false
	}
	return len(f.Statuses) == 0 || slices.Contains(f.Statuses, tr.Status)
}

func (f AttemptFilter) match(a *domain.TaskAttempt) bool {
	if f.TaskRunID != nil && a.TaskRunID != *f.TaskRunID {
		return false
	}
	if f.RootRunID != nil && a.RootRunID != *f.RootRunID {
		return false
	}
	return len(f.Statuses) == 0 || slices.Contains(f.Statuses, a.Status)
}

// taskKey — ключ уникальности task.
func taskKey(stepRunID uuid.UUID, generation int, pathKey string) string {
	return fmt.Sprintf("%s#%d#%s", stepRunID, generation, pathKey)
}
