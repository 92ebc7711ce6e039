package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Tapestry/internal/config"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/guard"
	"github.com/shaiso/Tapestry/internal/repo"
	"github.com/shaiso/Tapestry/internal/telemetry"
	"github.com/shaiso/Tapestry/internal/worker"
)

// maxBackoffExponent ограничивает задержку системных повторов (2^16 с).
const maxBackoffExponent = 16

// --- Task pass ---

func (o *Orchestrator) taskPass(ctx context.Context, c *runCache) error {
	trs, err := o.store.ListTaskRuns(ctx, repo.TaskRunFilter{Statuses: repo.ActiveTaskRunStatuses})
	if err != nil {
		return fmt.Errorf("list task runs: %w", err)
	}

	for i, tr := range trs {
		if i >= o.batchSize {
			o.logger.Debug("task pass batch limit reached", "pending", len(trs)-i)
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.advanceTaskRun(ctx, c, tr); err != nil {
			passError(telemetry.WithTaskRun(o.logger, tr), "task run", err)
		}
	}
	return nil
}

// advanceTaskRun продвигает активную попытку task-run на один шаг.
func (o *Orchestrator) advanceTaskRun(ctx context.Context, c *runCache, tr *domain.TaskRun) error {
	step, err := c.get(ctx, tr.StepRunID)
	if err != nil {
		return err
	}
	if reason, stop := o.taskStopReason(step, tr); stop {
		return o.killTaskRun(ctx, tr, reason)
	}

	attempt, err := o.store.GetAttempt(ctx, tr.ActiveAttemptID)
	if err != nil {
		return fmt.Errorf("load attempt %s: %w", tr.ActiveAttemptID, err)
	}

	switch attempt.Status {
	case domain.AttemptStatusPending:
		return o.dispatchAttempt(ctx, tr, attempt)
	case domain.AttemptStatusRunning:
		return o.checkAttempt(ctx, step, tr, attempt)
	case domain.AttemptStatusSucceeded:
		// Попытка записана, task-run ещё нет: запись прервалась
		return o.completeTaskRun(ctx, tr, attempt)
	case domain.AttemptStatusFailed:
		return o.retryOrFail(ctx, tr, attempt)
	case domain.AttemptStatusKilled:
		return o.killTaskRun(ctx, tr, "attempt killed")
	}
	return nil
}

// taskStopReason — task-run принадлежит остановленному шагу или
// устаревшему поколению.
func (o *Orchestrator) taskStopReason(step *domain.Run, tr *domain.TaskRun) (string, bool) {
	switch {
	case tr.Generation != step.Generation:
		return "superseded by step retry", true
	case step.Status == domain.RunStatusKilled:
		return killReason(step), true
	case step.Status == domain.RunStatusFailed && o.siblingPolicy == config.SiblingCancel:
		return "cancelled: step failed", true
	}
	return "", false
}

// dispatchAttempt отправляет PENDING попытку воркеру.
func (o *Orchestrator) dispatchAttempt(ctx context.Context, tr *domain.TaskRun, a *domain.TaskAttempt) error {
	if tr.NotBefore != nil && o.now().Before(*tr.NotBefore) {
		return nil
	}

	task, err := o.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", a.TaskID, err)
	}
	req := domain.NewAttemptRequest(task, a)
	if req.TimeoutHours <= 0 {
		req.TimeoutHours = o.taskTimeout.Hours()
	}

	// 1. Захватываем попытку: воркеру её отправит только победитель
	var claimed bool
	updated, err := o.updateAttempt(ctx, a.ID, func(x *domain.TaskAttempt) error {
		claimed = false
		if x.Status != domain.AttemptStatusPending {
			return guard.ErrSkip
		}
		claimed = true
		return x.MarkRunning(o.now(), "")
	})
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if _, err := o.updateTaskRun(ctx, tr.ID, func(x *domain.TaskRun) error {
		if x.Status != domain.TaskRunStatusPending {
			return guard.ErrSkip
		}
		return x.MarkRunning()
	}); err != nil {
		return err
	}

	// 2. Отправляем воркеру
	dctx, cancel := context.WithTimeout(ctx, o.pollTimeout)
	handle, err := o.worker.Dispatch(dctx, req)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind := domain.FailureSystem
		if errors.Is(err, context.DeadlineExceeded) {
			kind = domain.FailureTimeout
		}
		return o.failAttempt(ctx, tr, updated, kind, fmt.Sprintf("dispatch failed: %v", err))
	}

	// 3. Запоминаем дескриптор воркера
	var recorded bool
	updated, err = o.updateAttempt(ctx, a.ID, func(x *domain.TaskAttempt) error {
		recorded = false
		if x.Status != domain.AttemptStatusRunning || x.WorkerRef != "" {
			return guard.ErrSkip
		}
		recorded = true
		x.WorkerRef = handle
		return nil
	})
	if err != nil {
		return err
	}
	if !recorded {
		// Попытку успели завершить или убить, пока шёл dispatch
		if updated.Status.IsTerminal() {
			o.cancelAttempt(ctx, &domain.TaskAttempt{ID: updated.ID, WorkerRef: handle})
		}
		return nil
	}

	o.metrics.IncAttempt("dispatched")
	o.attemptEvent(ctx, updated, "Attempt started", fmt.Sprintf("attempt %d, worker ref %s", updated.Number, handle), false)
	telemetry.WithTaskRun(o.logger, tr).Debug("attempt dispatched",
		"attempt_id", updated.ID,
		"number", updated.Number,
	)
	return nil
}

// checkAttempt применяет присланный отчёт, проверяет таймаут и
// опрашивает воркера.
func (o *Orchestrator) checkAttempt(ctx context.Context, step *domain.Run, tr *domain.TaskRun, a *domain.TaskAttempt) error {
	// 1. Отчёт, присланный воркером или монитором
	if a.Report != nil && a.Report.Status.IsTerminal() {
		r := a.Report
		return o.applyResult(ctx, tr, a, r.Status, r.Outputs, r.Error, r.Kind)
	}

	// 2. Таймаут попытки
	now := o.now()
	limit := o.taskTimeout
	if step.TimeoutHours > 0 {
		limit = time.Duration(step.TimeoutHours * float64(time.Hour))
	}
	if a.StartedAt != nil && now.Sub(*a.StartedAt) > limit {
		o.cancelAttempt(ctx, a)
		return o.failAttempt(ctx, tr, a, domain.FailureTimeout, fmt.Sprintf("attempt exceeded timeout of %s", limit))
	}

	// 3. Попытку захватил другой экземпляр и ещё отправляет воркеру.
	// Dispatch ограничен pollTimeout, поэтому пустой дескриптор дольше
	// двух таймаутов значит, что захвативший экземпляр не дошёл до записи.
	if a.WorkerRef == "" {
		if a.StartedAt != nil && now.Sub(*a.StartedAt) > 2*o.pollTimeout {
			return o.failAttempt(ctx, tr, a, domain.FailureSystem, "dispatch did not complete")
		}
		return nil
	}

	// 4. Опрос воркера
	pctx, cancel := context.WithTimeout(ctx, o.pollTimeout)
	res, err := o.worker.Poll(pctx, a.WorkerRef)
	cancel()
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		o.cancelAttempt(ctx, a)
		return o.failAttempt(ctx, tr, a, domain.FailureTimeout, "worker poll timed out")
	case errors.Is(err, worker.ErrUnknownHandle):
		return o.failAttempt(ctx, tr, a, domain.FailureSystem, "worker lost the attempt")
	default:
		return fmt.Errorf("poll attempt %s: %w", a.ID, err)
	}

	if res.IsTerminal() {
		status := domain.AttemptStatusSucceeded
		if res.State == worker.StateFailed {
			status = domain.AttemptStatusFailed
		}
		return o.applyResult(ctx, tr, a, status, res.Outputs, res.Error, res.Kind)
	}

	// Ответ воркера заменяет heartbeat; пишем не чаще трети таймаута
	if res.Alive && (a.LastHeartbeat == nil || now.Sub(*a.LastHeartbeat) > o.heartbeatTimeout/3) {
		_, err := o.updateAttempt(ctx, a.ID, func(x *domain.TaskAttempt) error {
			if x.Status != domain.AttemptStatusRunning {
				return guard.ErrSkip
			}
			x.LastHeartbeat = &now
			return nil
		})
		return err
	}
	return nil
}

// applyResult записывает терминальный результат попытки.
func (o *Orchestrator) applyResult(ctx context.Context, tr *domain.TaskRun, a *domain.TaskAttempt,
	status domain.AttemptStatus, raw map[string]any, reason string, kind domain.FailureKind) error {
	if status != domain.AttemptStatusSucceeded {
		if reason == "" {
			reason = fmt.Sprintf("attempt %s", status)
		}
		if kind == "" {
			kind = domain.FailureAnalysis
		}
		if status == domain.AttemptStatusKilled {
			kind = domain.FailureSystem
		}
		return o.failAttempt(ctx, tr, a, kind, reason)
	}

	task, err := o.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", a.TaskID, err)
	}
	outputs, err := convertOutputs(task.Outputs, raw)
	if err != nil {
		return o.failAttempt(ctx, tr, a, domain.FailureAnalysis, err.Error())
	}

	var done bool
	updated, err := o.updateAttempt(ctx, a.ID, func(x *domain.TaskAttempt) error {
		done = false
		if x.Status.IsTerminal() {
			return guard.ErrSkip
		}
		done = true
		x.Report = nil
		return x.MarkSucceeded(o.now(), outputs)
	})
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	o.metrics.IncAttempt("succeeded")
	o.attemptEvent(ctx, updated, "Attempt succeeded", "", false)
	return o.completeTaskRun(ctx, tr, updated)
}

// completeTaskRun переносит выходы успешной попытки в task-run.
func (o *Orchestrator) completeTaskRun(ctx context.Context, tr *domain.TaskRun, a *domain.TaskAttempt) error {
	_, err := o.updateTaskRun(ctx, tr.ID, func(x *domain.TaskRun) error {
		if x.Status.IsTerminal() || x.ActiveAttemptID != a.ID {
			return guard.ErrSkip
		}
		return x.MarkSucceeded(o.now(), a.Outputs)
	})
	return err
}

// failAttempt фиксирует ошибку попытки и решает, нужен ли повтор.
func (o *Orchestrator) failAttempt(ctx context.Context, tr *domain.TaskRun, a *domain.TaskAttempt, kind domain.FailureKind, reason string) error {
	var failed bool
	updated, err := o.updateAttempt(ctx, a.ID, func(x *domain.TaskAttempt) error {
		failed = false
		if x.Status.IsTerminal() {
			return guard.ErrSkip
		}
		failed = true
		x.Report = nil
		return x.MarkFailed(o.now(), kind, reason)
	})
	if err != nil {
		return err
	}
	if updated.Status != domain.AttemptStatusFailed {
		return nil
	}
	if failed {
		o.metrics.IncAttempt("failed")
		o.attemptEvent(ctx, updated, "Attempt failed", reason, true)
		telemetry.WithTaskRun(o.logger, tr).Warn("attempt failed",
			"attempt_id", updated.ID,
			"kind", kind,
			"reason", reason,
		)
	}
	return o.retryOrFail(ctx, tr, updated)
}

// retryOrFail создаёт следующую попытку, пока счётчик ошибок класса не
// превысил лимит, иначе переводит task-run в FAILED с причиной последней
// попытки. Системные ошибки откладывают повтор на 2^n секунд.
func (o *Orchestrator) retryOrFail(ctx context.Context, tr *domain.TaskRun, a *domain.TaskAttempt) error {
	var next *domain.TaskAttempt
	now := o.now()

	updated, err := guard.Update(ctx, o.policy,
		func(ctx context.Context) (*domain.TaskRun, error) { return o.store.GetTaskRun(ctx, tr.ID) },
		func(x *domain.TaskRun) error {
			next = nil
			if x.Status.IsTerminal() || x.ActiveAttemptID != a.ID {
				return guard.ErrSkip
			}

			count := x.RecordFailure(a.FailureKind)
			if count > o.retryLimit(a.FailureKind) {
				return x.MarkFailed(now, a.FailureKind, a.Error)
			}

			next = domain.NewAttempt(x, len(x.Attempts)+1, now)
			x.Attempts = append(x.Attempts, next.ID)
			x.ActiveAttemptID = next.ID
			x.NotBefore = nil
			if a.FailureKind == domain.FailureSystem {
				at := now.Add(systemBackoff(count))
				x.NotBefore = &at
			}
			return nil
		},
		func(ctx context.Context, x *domain.TaskRun) error {
			if next != nil {
				return o.store.AppendAttempt(ctx, x, next)
			}
			return o.store.UpdateTaskRun(ctx, x)
		},
	)
	if err != nil {
		return err
	}

	switch {
	case next != nil && updated.ActiveAttemptID == next.ID:
		o.attemptEvent(ctx, next, "Attempt scheduled for retry",
			fmt.Sprintf("attempt %d after %s failure", next.Number, a.FailureKind), false)
		telemetry.WithTaskRun(o.logger, updated).Info("attempt retry scheduled",
			"attempt", next.Number,
			"kind", a.FailureKind,
		)
	case updated.Status == domain.TaskRunStatusFailed && updated.ActiveAttemptID == a.ID:
		o.attemptEvent(ctx, a, "Task failed",
			fmt.Sprintf("%s (%s failures: %d)", a.Error, a.FailureKind, updated.Failures[a.FailureKind]), true)
		telemetry.WithTaskRun(o.logger, updated).Warn("task run failed",
			"kind", a.FailureKind,
			"attempts", len(updated.Attempts),
		)
	}
	return nil
}

func (o *Orchestrator) retryLimit(kind domain.FailureKind) int {
	switch kind {
	case domain.FailureSystem:
		return o.maxRetries.System
	case domain.FailureTimeout:
		return o.maxRetries.Timeout
	default:
		return o.maxRetries.Analysis
	}
}

func systemBackoff(count int) time.Duration {
	return time.Duration(1<<min(count, maxBackoffExponent)) * time.Second
}

// killTaskRun останавливает активную попытку и task-run.
func (o *Orchestrator) killTaskRun(ctx context.Context, tr *domain.TaskRun, reason string) error {
	a, err := o.store.GetAttempt(ctx, tr.ActiveAttemptID)
	if err != nil {
		return fmt.Errorf("load attempt %s: %w", tr.ActiveAttemptID, err)
	}

	if !a.Status.IsTerminal() {
		o.cancelAttempt(ctx, a)
		if _, err := o.updateAttempt(ctx, a.ID, func(x *domain.TaskAttempt) error {
			if x.Status.IsTerminal() {
				return guard.ErrSkip
			}
			return x.MarkKilled(o.now())
		}); err != nil {
			return err
		}
		o.metrics.IncAttempt("killed")
	}

	var killed bool
	if _, err := o.updateTaskRun(ctx, tr.ID, func(x *domain.TaskRun) error {
		killed = false
		if x.Status.IsTerminal() {
			return guard.ErrSkip
		}
		killed = true
		x.Error = reason
		return x.MarkKilled(o.now())
	}); err != nil {
		return err
	}

	if killed {
		o.attemptEvent(ctx, a, "Task killed", reason, false)
	}
	return nil
}

// cancelAttempt просит воркера остановить попытку. Ошибка только логируется.
func (o *Orchestrator) cancelAttempt(ctx context.Context, a *domain.TaskAttempt) {
	if a.WorkerRef == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, o.pollTimeout)
	defer cancel()
	if err := o.worker.Cancel(cctx, a.WorkerRef); err != nil {
		o.logger.Warn("failed to cancel attempt", "attempt_id", a.ID, "error", err)
	}
}

// convertOutputs приводит сырые выходы воркера к типам портов.
func convertOutputs(ports []domain.OutputPort, raw map[string]any) (map[string]domain.OutputValue, error) {
	out := make(map[string]domain.OutputValue, len(ports))
	for _, p := range ports {
		v, ok := raw[p.Channel]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingOutput, p.Channel)
		}

		if !p.IsScatter() {
			obj, err := domain.NewDataObject(p.Type, v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOutput, p.Channel, err)
			}
			out[p.Channel] = domain.OutputValue{Objects: []domain.DataObject{obj}}
			continue
		}

		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: scatter output %s is not an array", ErrInvalidOutput, p.Channel)
		}
		objs := make([]domain.DataObject, len(items))
		for i, item := range items {
			obj, err := domain.NewDataObject(p.Type, item)
			if err != nil {
				return nil, fmt.Errorf("%w: %s[%d]: %v", ErrInvalidOutput, p.Channel, i, err)
			}
			objs[i] = obj
		}
		out[p.Channel] = domain.OutputValue{Scatter: true, Objects: objs}
	}
	return out, nil
}
