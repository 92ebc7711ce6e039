package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/guard"
	"github.com/shaiso/Tapestry/internal/repo"
	"github.com/shaiso/Tapestry/internal/telemetry"
)

// RunSnapshot — состояние run и его поддерева.
type RunSnapshot struct {
	Run *domain.Run `json:"run"`

	// Steps — дочерние runs в порядке шаблона.
	Steps []*RunSnapshot `json:"steps,omitempty"`

	// Tasks — счётчики task-runs текущего поколения (только для шагов).
	Tasks *TaskCounts `json:"tasks,omitempty"`

	// Outputs — собранные значения заполненных выходов.
	Outputs map[string]any `json:"outputs,omitempty"`
}

// TaskCounts — task-runs по статусам.
type TaskCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Killed    int `json:"killed"`
}

func (c *TaskCounts) add(s domain.TaskRunStatus) {
	c.Total++
	switch s {
	case domain.TaskRunStatusPending:
		c.Pending++
	case domain.TaskRunStatusRunning:
		c.Running++
	case domain.TaskRunStatusSucceeded:
		c.Succeeded++
	case domain.TaskRunStatusFailed:
		c.Failed++
	case domain.TaskRunStatusKilled:
		c.Killed++
	}
}

// GetRunStatus возвращает run вместе со всем поддеревом.
func (o *Orchestrator) GetRunStatus(ctx context.Context, id uuid.UUID) (*RunSnapshot, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	all, err := o.store.ListRuns(ctx, repo.RunFilter{RootID: &run.RootID})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	byID := make(map[uuid.UUID]*domain.Run, len(all))
	for _, r := range all {
		byID[r.ID] = r
	}

	trs, err := o.store.ListTaskRuns(ctx, repo.TaskRunFilter{RootRunID: &run.RootID})
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	counts := make(map[uuid.UUID]*TaskCounts)
	for _, tr := range trs {
		step, ok := byID[tr.StepRunID]
		if !ok || tr.Generation != step.Generation {
			continue
		}
		c, ok := counts[tr.StepRunID]
		if !ok {
			c = &TaskCounts{}
			counts[tr.StepRunID] = c
		}
		c.add(tr.Status)
	}

	return o.snapshot(ctx, run, byID, counts), nil
}

func (o *Orchestrator) snapshot(ctx context.Context, run *domain.Run, byID map[uuid.UUID]*domain.Run, counts map[uuid.UUID]*TaskCounts) *RunSnapshot {
	s := &RunSnapshot{Run: run}
	if run.IsLeaf {
		s.Tasks = counts[run.ID]
		if s.Tasks == nil {
			s.Tasks = &TaskCounts{}
		}
	}

	for _, out := range run.Outputs {
		rec, err := o.store.GetTree(ctx, out.TreeID)
		if err != nil || !rec.Tree.IsComplete() {
			continue
		}
		v, err := rec.Tree.Gather(domain.Path{})
		if err != nil {
			continue
		}
		if s.Outputs == nil {
			s.Outputs = make(map[string]any, len(run.Outputs))
		}
		s.Outputs[out.Channel] = v.Native()
	}

	for _, id := range run.Steps {
		if child, ok := byID[id]; ok {
			s.Steps = append(s.Steps, o.snapshot(ctx, child, byID, counts))
		}
	}
	return s
}

// ActiveItem — незавершённый Step-Run или Task-Run.
type ActiveItem struct {
	Kind      string    `json:"kind"` // "step_run" | "task_run"
	ID        uuid.UUID `json:"id"`
	RootRunID uuid.UUID `json:"root_run_id"`
	StepRunID uuid.UUID `json:"step_run_id"`
	Name      string    `json:"name,omitempty"`
	Status    string    `json:"status"`
}

// ListActive возвращает незавершённые Step-Runs и Task-Runs.
// rootID ограничивает выборку одним корневым run.
func (o *Orchestrator) ListActive(ctx context.Context, rootID *uuid.UUID) ([]ActiveItem, error) {
	leaf := true
	steps, err := o.store.ListRuns(ctx, repo.RunFilter{
		RootID:   rootID,
		Leaf:     &leaf,
		Statuses: repo.ActiveRunStatuses,
	})
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}

	names := make(map[uuid.UUID]string, len(steps))
	items := make([]ActiveItem, 0, len(steps))
	for _, s := range steps {
		names[s.ID] = s.Name
		items = append(items, ActiveItem{
			Kind:      "step_run",
			ID:        s.ID,
			RootRunID: s.RootID,
			StepRunID: s.ID,
			Name:      s.Name,
			Status:    string(s.Status),
		})
	}

	trs, err := o.store.ListTaskRuns(ctx, repo.TaskRunFilter{
		RootRunID: rootID,
		Statuses:  repo.ActiveTaskRunStatuses,
	})
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	for _, tr := range trs {
		items = append(items, ActiveItem{
			Kind:      "task_run",
			ID:        tr.ID,
			RootRunID: tr.RootRunID,
			StepRunID: tr.StepRunID,
			Name:      names[tr.StepRunID],
			Status:    string(tr.Status),
		})
	}
	return items, nil
}

// ReportAttemptStatus принимает статус попытки от воркера или монитора.
//
// Терминальный отчёт сохраняется в попытке и сразу применяется; если
// применить не удалось, его подберёт task pass. Повтор того же отчёта
// — no-op, отчёт для уже завершённой попытки с другим статусом —
// ErrAttemptFinished. RUNNING обновляет heartbeat.
func (o *Orchestrator) ReportAttemptStatus(ctx context.Context, attemptID uuid.UUID, report domain.AttemptReport) error {
	if _, ok := domain.ParseAttemptStatus(string(report.Status)); !ok || report.Status == domain.AttemptStatusPending {
		return fmt.Errorf("%w: status %q", ErrInvalidReport, report.Status)
	}
	if report.Status == domain.AttemptStatusRunning {
		return o.Heartbeat(ctx, attemptID)
	}
	if report.Status == domain.AttemptStatusFailed && report.Kind == "" {
		report.Kind = domain.FailureAnalysis
	}
	report.ReportedAt = o.now()

	var recorded bool
	attempt, err := o.updateAttempt(ctx, attemptID, func(a *domain.TaskAttempt) error {
		recorded = false
		if a.Status.IsTerminal() {
			if a.Status == report.Status {
				return guard.ErrSkip
			}
			return fmt.Errorf("%w: attempt %s is %s", ErrAttemptFinished, a.ID, a.Status)
		}
		if a.Status == domain.AttemptStatusPending {
			return fmt.Errorf("%w: attempt %s was not dispatched", ErrInvalidReport, a.ID)
		}
		if a.Report != nil && a.Report.Status == report.Status {
			return guard.ErrSkip
		}
		r := report
		a.Report = &r
		a.LastHeartbeat = &report.ReportedAt
		recorded = true
		return nil
	})
	if err != nil {
		return err
	}
	if !recorded {
		return nil
	}

	log := telemetry.WithAttemptID(o.logger, attemptID)
	log.Info("attempt status reported",
		"status", report.Status,
		"kind", report.Kind,
	)

	// Применяем сразу; при неудаче отчёт останется до следующего тика
	if err := o.applyReport(ctx, attempt); err != nil {
		passError(log, "attempt report", err)
	}
	return nil
}

func (o *Orchestrator) applyReport(ctx context.Context, a *domain.TaskAttempt) error {
	tr, err := o.store.GetTaskRun(ctx, a.TaskRunID)
	if err != nil {
		return err
	}
	if tr.Status.IsTerminal() || tr.ActiveAttemptID != a.ID || a.Status != domain.AttemptStatusRunning {
		return nil
	}
	r := a.Report
	return o.applyResult(ctx, tr, a, r.Status, r.Outputs, r.Error, r.Kind)
}

// Heartbeat отмечает, что воркер ещё выполняет попытку.
func (o *Orchestrator) Heartbeat(ctx context.Context, attemptID uuid.UUID) error {
	_, err := o.updateAttempt(ctx, attemptID, func(a *domain.TaskAttempt) error {
		if a.Status != domain.AttemptStatusRunning {
			return guard.ErrSkip
		}
		now := o.now()
		a.LastHeartbeat = &now
		return nil
	})
	return err
}

// CheckStalled помечает попытки без heartbeat дольше HeartbeatTimeout
// как системные ошибки. Возвращает число таких попыток.
func (o *Orchestrator) CheckStalled(ctx context.Context) (int, error) {
	running, err := o.store.ListAttempts(ctx, repo.AttemptFilter{
		Statuses: []domain.AttemptStatus{domain.AttemptStatusRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("list attempts: %w", err)
	}

	stalled := 0
	for _, a := range running {
		if a.IsResponsive(o.now(), o.heartbeatTimeout) || a.Report != nil {
			continue
		}
		err := o.ReportAttemptStatus(ctx, a.ID, domain.AttemptReport{
			Status: domain.AttemptStatusFailed,
			Kind:   domain.FailureSystem,
			Error:  fmt.Sprintf("lost heartbeat for more than %s", o.heartbeatTimeout),
		})
		if err != nil && !errors.Is(err, ErrAttemptFinished) {
			o.logger.Warn("failed to mark stalled attempt", "attempt_id", a.ID, "error", err)
			continue
		}
		stalled++
	}

	if stalled > 0 {
		o.logger.Warn("stalled attempts detected", "count", stalled)
	}
	return stalled, nil
}

// KillRun останавливает корневой run, которому принадлежит id.
// Проходы планировщика наблюдают флаг и останавливают поддерево.
func (o *Orchestrator) KillRun(ctx context.Context, id uuid.UUID, reason string) (*domain.Run, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "killed by user"
	}

	root, err := o.updateRun(ctx, run.RootID, func(r *domain.Run) error {
		if r.Status.IsTerminal() {
			return fmt.Errorf("%w: run %s is %s", ErrRunFinished, r.ID, r.Status)
		}
		r.KillRequested = true
		return r.MarkKilled(o.now(), reason)
	})
	if err != nil {
		return nil, err
	}

	o.runEvent(ctx, root.ID, "Run killed", reason, false)
	o.logger.Info("run kill requested", "run_id", root.ID, "reason", reason)
	o.notify(root.Clone())
	return root, nil
}

// RetryStepRun перезапускает упавший или остановленный Step-Run новым
// поколением task-runs.
//
// Упавшие и остановленные предки возвращаются в PENDING вместе с
// остановленными шагами, которые так и не начались; шаги, упавшие сами,
// остаются FAILED, и workflow упадёт снова, если их не повторить.
func (o *Orchestrator) RetryStepRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	step, err := o.updateRun(ctx, id, func(r *domain.Run) error {
		return r.Restart(o.now())
	})
	if err != nil {
		return nil, err
	}

	all, err := o.store.ListRuns(ctx, repo.RunFilter{RootID: &step.RootID})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for _, r := range all {
		var reopen func(*domain.Run) error
		switch {
		case !r.IsLeaf && (r.Status == domain.RunStatusFailed || r.Status == domain.RunStatusKilled):
			reopen = func(x *domain.Run) error {
				return x.Reopen()
			}
		case r.IsLeaf && r.ID != step.ID && r.Status == domain.RunStatusKilled && !r.Dispatched:
			reopen = func(x *domain.Run) error {
				return x.Restart(o.now())
			}
		default:
			continue
		}
		if _, err := o.updateRun(ctx, r.ID, func(x *domain.Run) error {
			if x.Status != r.Status {
				return guard.ErrSkip
			}
			return reopen(x)
		}); err != nil {
			return nil, fmt.Errorf("reopen run %s: %w", r.ID, err)
		}
	}

	o.runEvent(ctx, step.ID, "Step retried", fmt.Sprintf("generation %d", step.Generation), false)
	o.logger.Info("step run retried", "run_id", step.ID, "generation", step.Generation)
	return step, nil
}

// AttemptDetail — попытка вместе с запросом, отправленным воркеру.
type AttemptDetail struct {
	Attempt *domain.TaskAttempt   `json:"attempt"`
	Request domain.AttemptRequest `json:"request"`
}

// GetAttempt возвращает попытку и её запрос.
func (o *Orchestrator) GetAttempt(ctx context.Context, id uuid.UUID) (*AttemptDetail, error) {
	a, err := o.store.GetAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	task, err := o.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", a.TaskID, err)
	}
	return &AttemptDetail{Attempt: a, Request: domain.NewAttemptRequest(task, a)}, nil
}

// ListAttempts возвращает попытки task-run по номеру.
func (o *Orchestrator) ListAttempts(ctx context.Context, taskRunID uuid.UUID) ([]*domain.TaskAttempt, error) {
	attempts, err := o.store.ListAttempts(ctx, repo.AttemptFilter{TaskRunID: &taskRunID})
	if err != nil {
		return nil, err
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Number < attempts[j].Number })
	return attempts, nil
}

// ListRuns возвращает корневые runs, при заданном теге — только отмеченные.
func (o *Orchestrator) ListRuns(ctx context.Context, tag string) ([]*domain.Run, error) {
	if tag != "" {
		ids, err := o.store.FindByTag(ctx, domain.TagTargetRun, tag)
		if err != nil {
			return nil, err
		}
		runs := make([]*domain.Run, 0, len(ids))
		for _, id := range ids {
			r, err := o.store.GetRun(ctx, id)
			if err != nil {
				return nil, err
			}
			runs = append(runs, r)
		}
		return runs, nil
	}

	all, err := o.store.ListRuns(ctx, repo.RunFilter{})
	if err != nil {
		return nil, err
	}
	roots := make([]*domain.Run, 0)
	for _, r := range all {
		if r.IsRoot() {
			roots = append(roots, r)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].CreatedAt.After(roots[j].CreatedAt) })
	return roots, nil
}

// TagRun привязывает тег к корневому run.
func (o *Orchestrator) TagRun(ctx context.Context, runID uuid.UUID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidInput)
	}
	return o.store.AddTag(ctx, domain.Tag{
		Name:      name,
		Target:    domain.TagTargetRun,
		TargetID:  runID,
		CreatedAt: o.now(),
	})
}

// ListEvents возвращает журнал run.
func (o *Orchestrator) ListEvents(ctx context.Context, runID uuid.UUID, limit int) ([]*domain.Event, error) {
	if _, err := o.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return o.store.ListEvents(ctx, runID, limit)
}
