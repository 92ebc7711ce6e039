package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Tapestry/internal/domain"
)

// TaskRepo — репозиторий tasks, task-runs и попыток.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

// --- Tasks ---

func insertTask(ctx context.Context, q querier, task *domain.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	query := `
		INSERT INTO tasks (id, revision, step_run_id, root_run_id, generation, path_key, doc, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = q.Exec(ctx, query,
		task.ID,
		task.Revision,
		task.StepRunID,
		task.RootRunID,
		task.Generation,
		task.PathKey,
		doc,
		task.CreatedAt,
	)
	if err != nil {
		return insertErr("task", err)
	}
	return nil
}

// GetTask возвращает task по ID.
func (r *TaskRepo) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, revision, err := getDoc[domain.Task](ctx, r.pool,
		`SELECT revision, doc FROM tasks WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	task.Revision = revision
	return task, nil
}

// ListTasks возвращает tasks поколения Step-Run.
func (r *TaskRepo) ListTasks(ctx context.Context, stepRunID uuid.UUID, generation int) ([]*domain.Task, error) {
	query := `
		SELECT revision, doc
		FROM tasks
		WHERE step_run_id = $1 AND generation = $2
		ORDER BY created_at ASC, path_key ASC
	`
	tasks, err := listDocs(ctx, r.pool, func(t *domain.Task, rev int64) { t.Revision = rev }, query,
		stepRunID, generation)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	sortTasks(tasks)
	return tasks, nil
}

// --- Task runs ---

func insertTaskRun(ctx context.Context, q querier, run *domain.TaskRun) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal task run: %w", err)
	}

	query := `
		INSERT INTO task_runs (id, revision, task_id, step_run_id, root_run_id, generation, status, doc, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = q.Exec(ctx, query,
		run.ID,
		run.Revision,
		run.TaskID,
		run.StepRunID,
		run.RootRunID,
		run.Generation,
		run.Status,
		doc,
		run.CreatedAt,
	)
	if err != nil {
		return insertErr("task run", err)
	}
	return nil
}

// updateTaskRun выполняет условную запись без изменения Revision объекта.
func updateTaskRun(ctx context.Context, q querier, run *domain.TaskRun) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal task run: %w", err)
	}
	return conditionalUpdate(ctx, q, "task_runs", run.ID, run.Revision,
		"status = $3, doc = $4", run.Status, doc)
}

// GetTaskRun возвращает task-run по ID.
func (r *TaskRepo) GetTaskRun(ctx context.Context, id uuid.UUID) (*domain.TaskRun, error) {
	run, revision, err := getDoc[domain.TaskRun](ctx, r.pool,
		`SELECT revision, doc FROM task_runs WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	run.Revision = revision
	return run, nil
}

// UpdateTaskRun условно обновляет task-run.
func (r *TaskRepo) UpdateTaskRun(ctx context.Context, run *domain.TaskRun) error {
	if err := updateTaskRun(ctx, r.pool, run); err != nil {
		return err
	}
	run.Revision++
	return nil
}

// ListTaskRuns возвращает task-runs по фильтру.
func (r *TaskRepo) ListTaskRuns(ctx context.Context, filter TaskRunFilter) ([]*domain.TaskRun, error) {
	query := `
		SELECT revision, doc
		FROM task_runs
		WHERE ($1::uuid IS NULL OR step_run_id = $1)
		  AND ($2::uuid IS NULL OR root_run_id = $2)
		  AND ($3::integer IS NULL OR generation = $3)
		  AND ($4::text[] IS NULL OR status = ANY($4))
		ORDER BY created_at ASC, id ASC
	`
	runs, err := listDocs(ctx, r.pool, func(tr *domain.TaskRun, rev int64) { tr.Revision = rev }, query,
		nullUUID(filter.StepRunID),
		nullUUID(filter.RootRunID),
		filter.Generation,
		statusStrings(filter.Statuses),
	)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	return runs, nil
}

// --- Attempts ---

func insertAttempt(ctx context.Context, q querier, attempt *domain.TaskAttempt) error {
	doc, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	query := `
		INSERT INTO task_attempts (id, revision, task_run_id, root_run_id, number, status, doc, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = q.Exec(ctx, query,
		attempt.ID,
		attempt.Revision,
		attempt.TaskRunID,
		attempt.RootRunID,
		attempt.Number,
		attempt.Status,
		doc,
		attempt.CreatedAt,
	)
	if err != nil {
		return insertErr("attempt", err)
	}
	return nil
}

// GetAttempt возвращает попытку по ID.
func (r *TaskRepo) GetAttempt(ctx context.Context, id uuid.UUID) (*domain.TaskAttempt, error) {
	attempt, revision, err := getDoc[domain.TaskAttempt](ctx, r.pool,
		`SELECT revision, doc FROM task_attempts WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	attempt.Revision = revision
	return attempt, nil
}

// UpdateAttempt условно обновляет попытку.
func (r *TaskRepo) UpdateAttempt(ctx context.Context, attempt *domain.TaskAttempt) error {
	doc, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	if err := conditionalUpdate(ctx, r.pool, "task_attempts", attempt.ID, attempt.Revision,
		"status = $3, doc = $4", attempt.Status, doc); err != nil {
		return err
	}
	attempt.Revision++
	return nil
}

// ListAttempts возвращает попытки по фильтру.
func (r *TaskRepo) ListAttempts(ctx context.Context, filter AttemptFilter) ([]*domain.TaskAttempt, error) {
	query := `
		SELECT revision, doc
		FROM task_attempts
		WHERE ($1::uuid IS NULL OR task_run_id = $1)
		  AND ($2::uuid IS NULL OR root_run_id = $2)
		  AND ($3::text[] IS NULL OR status = ANY($3))
		ORDER BY created_at ASC, number ASC
	`
	attempts, err := listDocs(ctx, r.pool, func(a *domain.TaskAttempt, rev int64) { a.Revision = rev }, query,
		nullUUID(filter.TaskRunID),
		nullUUID(filter.RootRunID),
		statusStrings(filter.Statuses),
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return attempts, nil
}
