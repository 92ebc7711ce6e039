package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/config"
	"github.com/shaiso/Tapestry/internal/datatree"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/engine"
	"github.com/shaiso/Tapestry/internal/guard"
	"github.com/shaiso/Tapestry/internal/repo"
	"github.com/shaiso/Tapestry/internal/telemetry"
)

// Tick выполняет один цикл планировщика: step pass, workflow pass,
// task pass. Статус поднимается не больше чем на один уровень вложенности
// за проход, поэтому глубокому графу нужно несколько тиков.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()

	o.metrics.IncTick()
	c := newRunCache(o.store)

	passes := []struct {
		name string
		fn   func(context.Context, *runCache) error
	}{
		{"step", o.stepPass},
		{"workflow", o.workflowPass},
		{"task", o.taskPass},
	}
	for _, p := range passes {
		start := time.Now()
		err := p.fn(ctx, c)
		o.metrics.ObservePass(p.name, time.Since(start))
		if err != nil {
			return fmt.Errorf("%s pass: %w", p.name, err)
		}
	}
	return nil
}

// runCache — runs, прочитанные за тик. Обновлённые этим тиком
// записи кладутся обратно, чтобы следующие решения их видели.
type runCache struct {
	store repo.Store
	runs  map[uuid.UUID]*domain.Run
}

func newRunCache(store repo.Store) *runCache {
	return &runCache{store: store, runs: make(map[uuid.UUID]*domain.Run)}
}

func (c *runCache) get(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	if r, ok := c.runs[id]; ok {
		return r, nil
	}
	r, err := c.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	c.runs[id] = r
	return r, nil
}

func (c *runCache) put(r *domain.Run) {
	if r != nil {
		c.runs[r.ID] = r
	}
}

// passError логирует ошибку одного элемента прохода. Проход продолжается.
func passError(log *slog.Logger, kind string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
	case errors.Is(err, guard.ErrRetriesExceeded):
		log.Warn(kind+" deferred to next tick", "error", err)
	default:
		log.Error(kind+" processing failed", "error", err)
	}
}

// --- Step pass ---

func (o *Orchestrator) stepPass(ctx context.Context, c *runCache) error {
	leaf := true
	steps, err := o.store.ListRuns(ctx, repo.RunFilter{
		Leaf:     &leaf,
		Statuses: repo.ActiveRunStatuses,
		Limit:    o.batchSize,
	})
	if err != nil {
		return fmt.Errorf("list step runs: %w", err)
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.put(step)
		if err := o.advanceStep(ctx, c, step); err != nil {
			passError(telemetry.WithRun(o.logger, step), "step run", err)
		}
	}
	return nil
}

// advanceStep создаёт tasks готового шага и завершает шаг, когда
// все его task-runs закончились.
func (o *Orchestrator) advanceStep(ctx context.Context, c *runCache, step *domain.Run) error {
	// 1. Остановка сверху
	reason, stop, err := o.stopReason(ctx, c, step)
	if err != nil {
		return err
	}
	if stop {
		return o.killRun(ctx, c, step.ID, reason)
	}

	// 2. Создание tasks
	if !step.Dispatched {
		res, err := o.dispatcher.Dispatch(ctx, step)
		switch {
		case err == nil:
		case datatree.IsNotReady(err):
			return nil
		case isPermanent(err):
			return o.failRun(ctx, c, step.ID, err.Error())
		default:
			return err
		}

		gen := step.Generation
		updated, err := o.updateRun(ctx, step.ID, func(r *domain.Run) error {
			if r.Generation != gen || r.Dispatched || r.Status.IsTerminal() {
				return guard.ErrSkip
			}
			r.Dispatched = true
			r.TaskCount = res.Expected
			return r.MarkRunning(o.now())
		})
		if err != nil {
			return err
		}
		c.put(updated)
		if !updated.Dispatched || updated.Generation != gen {
			return nil
		}

		o.metrics.AddDispatched(res.Created)
		if res.Created > 0 {
			o.runEvent(ctx, step.ID, "Step started", fmt.Sprintf("%d tasks, generation %d", res.Expected, gen), false)
		}
		if err := o.markRunningUp(ctx, c, updated.ParentID); err != nil {
			return err
		}
		step = updated
	}

	// 3. Завершение
	return o.completeStep(ctx, c, step)
}

// stopReason решает, должен ли run остановиться из-за предков:
// остановленный предок или kill на корне останавливают всё поддерево,
// упавший предок не даёт начаться новым шагам.
func (o *Orchestrator) stopReason(ctx context.Context, c *runCache, run *domain.Run) (string, bool, error) {
	for id := run.ParentID; id != nil; {
		anc, err := c.get(ctx, *id)
		if err != nil {
			return "", false, err
		}
		if anc.KillRequested || anc.Status == domain.RunStatusKilled {
			return killReason(anc), true, nil
		}
		if anc.Status == domain.RunStatusFailed && run.IsLeaf &&
			(!run.Dispatched || o.siblingPolicy == config.SiblingCancel) {
			return fmt.Sprintf("cancelled: %s failed", anc.Name), true, nil
		}
		id = anc.ParentID
	}
	return "", false, nil
}

func killReason(r *domain.Run) string {
	if r.Error != "" {
		return r.Error
	}
	return fmt.Sprintf("%s was killed", r.Name)
}

// completeStep проверяет task-runs текущего поколения и, если все
// успешны, записывает выходы в деревья и завершает шаг.
func (o *Orchestrator) completeStep(ctx context.Context, c *runCache, step *domain.Run) error {
	gen := step.Generation
	trs, err := o.store.ListTaskRuns(ctx, repo.TaskRunFilter{StepRunID: &step.ID, Generation: &gen})
	if err != nil {
		return fmt.Errorf("list task runs: %w", err)
	}

	var (
		failed    *domain.TaskRun
		succeeded int
	)
	for _, tr := range trs {
		switch tr.Status {
		case domain.TaskRunStatusFailed:
			if failed == nil || finishedBefore(tr.FinishedAt, failed.FinishedAt) {
				failed = tr
			}
		case domain.TaskRunStatusSucceeded:
			succeeded++
		}
	}

	if failed != nil {
		return o.failRun(ctx, c, step.ID, failed.Error)
	}
	if succeeded < step.TaskCount || succeeded < len(trs) {
		return nil
	}

	if err := o.writeStepOutputs(ctx, step, trs); err != nil {
		if errors.Is(err, guard.ErrRetriesExceeded) || errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return o.failRun(ctx, c, step.ID, fmt.Sprintf("write outputs: %v", err))
	}

	updated, changed, err := o.transitionRun(ctx, step.ID, func(r *domain.Run) error {
		if r.Generation != gen {
			return guard.ErrSkip
		}
		return r.MarkFinished(o.now())
	})
	if err != nil {
		return err
	}
	c.put(updated)
	if !changed {
		return nil
	}

	o.runEvent(ctx, step.ID, "Step finished", "", false)
	telemetry.WithRun(o.logger, updated).Info("step run finished", "tasks", len(trs))
	return o.checkParent(ctx, c, updated)
}

func finishedBefore(a, b *time.Time) bool {
	if a == nil || b == nil {
		return b == nil && a != nil
	}
	return a.Before(*b)
}

// writeStepOutputs записывает выходы всех task-runs шага в его деревья.
//
// Пустые ветки входов без сбора переносятся в выходы: для них tasks не
// создаются, но форма выхода должна совпадать с формой входа.
func (o *Orchestrator) writeStepOutputs(ctx context.Context, step *domain.Run, trs []*domain.TaskRun) error {
	paths := make(map[uuid.UUID]domain.Path, len(trs))
	for _, tr := range trs {
		task, err := o.store.GetTask(ctx, tr.TaskID)
		if err != nil {
			return fmt.Errorf("load task %s: %w", tr.TaskID, err)
		}
		paths[tr.ID] = task.Path
	}

	empties, err := o.emptyInputBranches(ctx, step)
	if err != nil {
		return err
	}

	for _, out := range step.Outputs {
		if !out.Owned {
			continue
		}
		_, err := o.updateTree(ctx, out.TreeID, func(rec *datatree.Record) error {
			if rec.Tree.IsComplete() {
				return guard.ErrSkip
			}
			for _, tr := range trs {
				v, ok := tr.Outputs[out.Channel]
				if !ok {
					return fmt.Errorf("%w: task run %s has no %s", ErrMissingOutput, tr.ID, out.Channel)
				}
				if err := writeOutput(rec.Tree, paths[tr.ID], v); err != nil {
					return err
				}
			}
			for _, p := range empties {
				if err := rec.Tree.AddBranch(p, 0); err != nil {
					return err
				}
			}
			if len(trs) == 0 && !rec.Tree.IsComplete() {
				if err := rec.Tree.AddBranch(domain.Path{}, 0); err != nil {
					return err
				}
			}
			if !rec.Tree.IsComplete() {
				return fmt.Errorf("output %s is incomplete after all tasks finished", out.Channel)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("output %s: %w", out.Channel, err)
		}
	}
	return nil
}

// emptyInputBranches — пустые ветки входов без сбора. Учитываются только
// шаги с одной группой входов: адреса разных групп склеиваются.
func (o *Orchestrator) emptyInputBranches(ctx context.Context, step *domain.Run) ([]domain.Path, error) {
	groups := make(map[int]bool)
	for _, in := range step.Inputs {
		groups[in.Group] = true
	}
	if len(groups) != 1 {
		return nil, nil
	}

	var out []domain.Path
	for _, in := range step.Inputs {
		depth, err := engine.ParseGatherDepth(in.Mode)
		if err != nil || depth > 0 {
			continue
		}
		rec, err := o.store.GetTree(ctx, in.TreeID)
		if err != nil {
			return nil, fmt.Errorf("load input %s: %w", in.Channel, err)
		}
		out = append(out, rec.Tree.EmptyBranches()...)
	}
	return out, nil
}

// writeOutput пишет значение одной task по её адресу. Scatter-выход
// добавляет ветку со степенью, равной длине массива.
func writeOutput(tree *datatree.Tree, path domain.Path, v domain.OutputValue) error {
	if !v.Scatter {
		if len(v.Objects) != 1 {
			return fmt.Errorf("%w: expected one value, got %d", ErrInvalidOutput, len(v.Objects))
		}
		return tree.AddDataObject(path, v.Objects[0])
	}

	n := len(v.Objects)
	if err := tree.AddBranch(path, n); err != nil {
		return err
	}
	for i, obj := range v.Objects {
		if err := tree.AddDataObject(path.Append(domain.Segment{Index: i, Degree: n}), obj); err != nil {
			return err
		}
	}
	return nil
}

// --- Workflow pass ---

func (o *Orchestrator) workflowPass(ctx context.Context, c *runCache) error {
	leaf := false
	workflows, err := o.store.ListRuns(ctx, repo.RunFilter{
		Leaf:     &leaf,
		Statuses: repo.ActiveRunStatuses,
		Limit:    o.batchSize,
	})
	if err != nil {
		return fmt.Errorf("list workflow runs: %w", err)
	}

	for _, wf := range workflows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cached, ok := c.runs[wf.ID]; ok && cached.Revision >= wf.Revision {
			wf = cached
		}
		if err := o.advanceWorkflow(ctx, c, wf); err != nil {
			passError(telemetry.WithRun(o.logger, wf), "workflow run", err)
		}
	}
	return nil
}

// advanceWorkflow выводит статус Workflow-Run из статусов его шагов.
func (o *Orchestrator) advanceWorkflow(ctx context.Context, c *runCache, wf *domain.Run) error {
	if wf.Status.IsTerminal() {
		return nil
	}
	c.put(wf)

	if wf.KillRequested {
		return o.killRun(ctx, c, wf.ID, killReason(wf))
	}
	reason, stop, err := o.stopReason(ctx, c, wf)
	if err != nil {
		return err
	}
	if stop {
		return o.killRun(ctx, c, wf.ID, reason)
	}

	children, err := o.store.ListRuns(ctx, repo.RunFilter{ParentID: &wf.ID})
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}

	var (
		failed   *domain.Run
		finished int
		killed   int
		started  bool
	)
	for _, ch := range children {
		c.put(ch)
		switch ch.Status {
		case domain.RunStatusFailed:
			if failed == nil || finishedBefore(ch.FinishedAt, failed.FinishedAt) {
				failed = ch
			}
		case domain.RunStatusFinished:
			finished++
		case domain.RunStatusKilled:
			killed++
		case domain.RunStatusRunning:
			started = true
		}
	}

	switch {
	case failed != nil:
		return o.failRun(ctx, c, wf.ID, fmt.Sprintf("step %s failed: %s", failed.Name, failed.Error))

	case finished == len(children):
		updated, changed, err := o.transitionRun(ctx, wf.ID, func(r *domain.Run) error {
			return r.MarkFinished(o.now())
		})
		if err != nil {
			return err
		}
		c.put(updated)
		if !changed {
			return nil
		}
		o.runEvent(ctx, wf.ID, "Workflow finished", "", false)
		telemetry.WithRun(o.logger, updated).Info("workflow run finished", "name", wf.Name)
		return o.checkParent(ctx, c, updated)

	case finished+killed == len(children):
		return o.killRun(ctx, c, wf.ID, "steps were killed")

	case started || finished > 0:
		if wf.Status == domain.RunStatusPending {
			return o.markRunningUp(ctx, c, &wf.ID)
		}
	}
	return nil
}

// checkParent сразу пересчитывает родителя завершившегося run.
// Для корня отправляет уведомления.
func (o *Orchestrator) checkParent(ctx context.Context, c *runCache, run *domain.Run) error {
	if run.ParentID == nil {
		o.notify(run.Clone())
		return nil
	}
	parent, err := o.store.GetRun(ctx, *run.ParentID)
	if err != nil {
		return err
	}
	return o.advanceWorkflow(ctx, c, parent)
}

// markRunningUp переводит в RUNNING run from и его PENDING предков.
func (o *Orchestrator) markRunningUp(ctx context.Context, c *runCache, from *uuid.UUID) error {
	for id := from; id != nil; {
		if cached, ok := c.runs[*id]; ok && cached.Status != domain.RunStatusPending {
			id = cached.ParentID
			continue
		}
		updated, err := o.updateRun(ctx, *id, func(r *domain.Run) error {
			if r.Status != domain.RunStatusPending {
				return guard.ErrSkip
			}
			return r.MarkRunning(o.now())
		})
		if err != nil {
			return err
		}
		c.put(updated)
		id = updated.ParentID
	}
	return nil
}

// transitionRun применяет переход статуса через guard. changed=false,
// если run уже был терминальным.
func (o *Orchestrator) transitionRun(ctx context.Context, id uuid.UUID, mutate func(*domain.Run) error) (*domain.Run, bool, error) {
	var changed bool
	updated, err := o.updateRun(ctx, id, func(r *domain.Run) error {
		changed = false
		if r.Status.IsTerminal() {
			return guard.ErrSkip
		}
		if err := mutate(r); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return updated, changed, nil
}

// failRun переводит run в FAILED и пересчитывает родителя.
func (o *Orchestrator) failRun(ctx context.Context, c *runCache, id uuid.UUID, reason string) error {
	updated, changed, err := o.transitionRun(ctx, id, func(r *domain.Run) error {
		return r.MarkFailed(o.now(), reason)
	})
	if err != nil {
		return err
	}
	c.put(updated)
	if !changed {
		return nil
	}

	kind := "Step"
	if !updated.IsLeaf {
		kind = "Workflow"
	}
	o.runEvent(ctx, id, kind+" failed", reason, true)
	telemetry.WithRun(o.logger, updated).Warn("run failed", "name", updated.Name, "reason", reason)
	return o.checkParent(ctx, c, updated)
}

// killRun переводит run в KILLED. Task-runs шага останавливает task pass.
func (o *Orchestrator) killRun(ctx context.Context, c *runCache, id uuid.UUID, reason string) error {
	updated, changed, err := o.transitionRun(ctx, id, func(r *domain.Run) error {
		return r.MarkKilled(o.now(), reason)
	})
	if err != nil {
		return err
	}
	c.put(updated)
	if !changed {
		return nil
	}

	o.runEvent(ctx, id, "Run killed", reason, false)
	telemetry.WithRun(o.logger, updated).Info("run killed", "name", updated.Name, "reason", reason)
	return o.checkParent(ctx, c, updated)
}

// notify рассылает уведомления о корне в фоне. Ошибки доставки
// попадают в журнал run и не влияют на его статус.
func (o *Orchestrator) notify(run *domain.Run) {
	if o.notifier == nil {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		log := telemetry.WithRun(o.logger, run)
		sent, err := o.notifier.Notify(ctx, run)
		if err != nil {
			log.Warn("run notification failed", "sent", sent, "error", err)
			o.runEvent(ctx, run.ID, "Notification failed", err.Error(), true)
			return
		}
		if sent > 0 {
			log.Info("run notification sent", "sent", sent)
			o.runEvent(ctx, run.ID, "Notification sent", fmt.Sprintf("%d target(s)", sent), false)
		}
	}()
}
