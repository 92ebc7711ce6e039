package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/datatree"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/engine"
	"github.com/shaiso/Tapestry/internal/repo"
)

// Dispatcher создаёт tasks для Step-Run, у которого готовы все входы.
//
// Для каждого набора входов создаётся task, task-run и первая попытка.
// Повторный вызов для того же поколения не создаёт дубликатов: уже
// существующий адрес пропускается, а гонку двух оркестраторов решает
// уникальность (step run, generation, path) в хранилище.
type Dispatcher struct {
	store  repo.Store
	now    func() time.Time
	logger *slog.Logger
}

// DispatchResult — итог создания tasks.
type DispatchResult struct {
	// Expected — число наборов входов, т.е. tasks в поколении.
	Expected int

	// Created — сколько tasks создано этим вызовом.
	Created int
}

// NewDispatcher создаёт Dispatcher.
func NewDispatcher(store repo.Store, now func() time.Time, logger *slog.Logger) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, now: now, logger: logger}
}

// Dispatch создаёт недостающие tasks текущего поколения step.
//
// Если хотя бы одно входное дерево не заполнено, возвращает ошибку,
// для которой datatree.IsNotReady == true.
func (d *Dispatcher) Dispatch(ctx context.Context, step *domain.Run) (DispatchResult, error) {
	if !step.IsLeaf {
		return DispatchResult{}, fmt.Errorf("run %s is a workflow", step.ID)
	}

	// 1. Загружаем входные деревья
	channels := make([]engine.InputChannel, 0, len(step.Inputs))
	for _, in := range step.Inputs {
		rec, err := d.store.GetTree(ctx, in.TreeID)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("load input %s: %w", in.Channel, err)
		}
		if !rec.Tree.IsComplete() {
			return DispatchResult{}, fmt.Errorf("input %s: %w", in.Channel, datatree.ErrNotReady)
		}
		channels = append(channels, engine.InputChannel{
			Channel: in.Channel,
			Type:    in.Type,
			Mode:    in.Mode,
			Group:   in.Group,
			Tree:    rec.Tree,
		})
	}

	// 2. Наборы входов
	sets, err := engine.CalculateInputSets(channels)
	if err != nil {
		return DispatchResult{}, err
	}

	// 3. Уже созданные tasks поколения
	existing, err := d.store.ListTasks(ctx, step.ID, step.Generation)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("list tasks: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t.PathKey] = true
	}

	outputs := make([]domain.OutputPort, len(step.Outputs))
	for i, out := range step.Outputs {
		outputs[i] = domain.OutputPort{
			Channel: out.Channel,
			Type:    out.Type,
			Mode:    out.Mode,
			Source:  out.Source,
			Parser:  out.Parser,
		}
	}

	// 4. Создаём недостающие
	res := DispatchResult{Expected: len(sets)}
	for _, set := range sets {
		key := set.Path.Key()
		if seen[key] {
			continue
		}

		task, err := d.newTask(step, set, outputs)
		if err != nil {
			return res, err
		}

		now := d.now()
		taskRun := &domain.TaskRun{
			ID:         uuid.New(),
			TaskID:     task.ID,
			StepRunID:  step.ID,
			RootRunID:  step.RootID,
			Generation: step.Generation,
			Status:     domain.TaskRunStatusPending,
			CreatedAt:  now,
		}
		attempt := domain.NewAttempt(taskRun, 1, now)
		taskRun.Attempts = []uuid.UUID{attempt.ID}
		taskRun.ActiveAttemptID = attempt.ID

		if err := d.store.CreateTaskBundle(ctx, task, taskRun, attempt); err != nil {
			if errors.Is(err, repo.ErrAlreadyExists) {
				d.logger.Debug("task already dispatched", "step_run_id", step.ID, "path", key)
				continue
			}
			return res, fmt.Errorf("create task %s: %w", key, err)
		}
		res.Created++
	}

	if res.Created > 0 {
		d.logger.Info("tasks dispatched",
			"step_run_id", step.ID,
			"generation", step.Generation,
			"created", res.Created,
			"expected", res.Expected,
		)
	}
	return res, nil
}

// newTask подставляет входы набора в команду и окружение шага.
func (d *Dispatcher) newTask(step *domain.Run, set engine.InputSet, outputs []domain.OutputPort) (*domain.Task, error) {
	command, err := engine.RenderCommand(step.Command, set.Inputs)
	if err != nil {
		return nil, fmt.Errorf("render command at %s: %w", set.Path, err)
	}
	env, err := engine.RenderEnvironment(step.Environment, set.Inputs)
	if err != nil {
		return nil, fmt.Errorf("render environment at %s: %w", set.Path, err)
	}

	return &domain.Task{
		ID:           uuid.New(),
		StepRunID:    step.ID,
		RootRunID:    step.RootID,
		Generation:   step.Generation,
		Path:         set.Path,
		PathKey:      set.Path.Key(),
		Inputs:       set.Inputs,
		Outputs:      outputs,
		Command:      command,
		Interpreter:  step.Interpreter,
		Environment:  env,
		Resources:    step.Resources,
		TimeoutHours: step.TimeoutHours,
		CreatedAt:    d.now(),
	}, nil
}

// isPermanent — ошибка dispatch, которую не исправит повтор на следующем
// тике: шаблон команды или несовместимые размерности входов.
func isPermanent(err error) bool {
	return errors.Is(err, engine.ErrTemplateRender) ||
		errors.Is(err, engine.ErrTemplateParse) ||
		errors.Is(err, engine.ErrDimensionMismatch) ||
		errors.Is(err, engine.ErrInvalidMode) ||
		errors.Is(err, datatree.ErrTooDeep)
}
