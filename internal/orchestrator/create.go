package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/datatree"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/engine"
	"github.com/shaiso/Tapestry/internal/notify"
)

// CreateRunRequest — запрос на запуск шаблона.
type CreateRunRequest struct {
	// Template — ссылка на импортированный шаблон.
	Template string

	// Inputs — значения входов корневого шаблона по имени канала.
	Inputs map[string]any

	// Name переопределяет имя корневого run.
	Name string

	Tags []string

	// NotificationURLs получают POST, когда run завершится.
	NotificationURLs []string
	// NotificationContext передаётся в уведомление без изменений.
	NotificationContext map[string]string
}

// CreateRun строит граф runs для шаблона и сохраняет его атомарно.
//
// Каждый вход подключается в порядке: выход соседнего шага, вход
// родителя (для корня — значение пользователя), фиксированное значение
// порта. Если хотя бы один вход остался без источника, ничего не
// сохраняется и возвращается *MissingInputsError со всеми такими входами.
func (o *Orchestrator) CreateRun(ctx context.Context, req CreateRunRequest) (*domain.Run, error) {
	// 1. Находим и проверяем шаблон
	tmpl, err := o.templates.Resolve(ctx, req.Template)
	if err != nil {
		return nil, err
	}
	if err := engine.Validate(tmpl); err != nil {
		return nil, err
	}

	for _, target := range req.NotificationURLs {
		if err := notify.ValidateTarget(target); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	// 2. Пользовательские входы
	for name := range req.Inputs {
		if _, ok := tmpl.Input(name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownInput, name)
		}
	}

	b := &graphBuilder{now: o.now(), templateID: tmpl.ID}
	rootID := uuid.New()
	scope := make(map[string]channelSource, len(req.Inputs))
	for _, port := range tmpl.Inputs {
		raw, ok := req.Inputs[port.Channel]
		if !ok {
			continue
		}
		tree, err := datatree.FromValue(port.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidInput, port.Channel, err)
		}
		rec := datatree.NewRecord(rootID, port.Channel, tree)
		b.trees = append(b.trees, rec)
		scope[port.Channel] = channelSource{treeID: rec.ID, typ: port.Type, owned: true}
	}

	// 3. Строим граф
	root := b.build(tmpl, rootID, nil, rootID, scope, tmpl.Name)
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.missing) > 0 {
		return nil, &MissingInputsError{Channels: b.missing}
	}
	if req.Name != "" {
		root.Name = req.Name
	}
	root.NotificationURLs = req.NotificationURLs
	root.NotificationContext = req.NotificationContext

	// 4. Сохраняем
	if err := o.store.SaveTemplate(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("save template: %w", err)
	}
	if err := o.store.CreateRunGraph(ctx, b.runs, b.trees); err != nil {
		return nil, fmt.Errorf("create run graph: %w", err)
	}

	for _, tag := range req.Tags {
		if err := o.TagRun(ctx, root.ID, tag); err != nil {
			return nil, err
		}
	}

	o.runEvent(ctx, root.ID, "Run created", fmt.Sprintf("template %s, %d runs", req.Template, len(b.runs)), false)
	o.logger.Info("run created",
		"run_id", root.ID,
		"template", req.Template,
		"runs", len(b.runs),
		"trees", len(b.trees),
	)
	return root, nil
}

// channelSource — дерево, доступное для подключения по имени канала.
type channelSource struct {
	treeID uuid.UUID
	typ    domain.DataType
	owned  bool
}

// graphBuilder накапливает runs и деревья до атомарной записи.
type graphBuilder struct {
	now        time.Time
	templateID uuid.UUID
	runs       []*domain.Run
	trees      []*datatree.Record
	missing    []string
	errs       []error
}

// build создаёт run для шаблона t и рекурсивно — для его шагов.
// scope — каналы, видимые шагу снаружи.
func (b *graphBuilder) build(t *domain.Template, id uuid.UUID, parentID *uuid.UUID, rootID uuid.UUID, scope map[string]channelSource, path string) *domain.Run {
	run := &domain.Run{
		ID:           id,
		RootID:       rootID,
		ParentID:     parentID,
		TemplateID:   t.ID,
		Name:         t.Name,
		IsLeaf:       t.IsLeaf(),
		Status:       domain.RunStatusPending,
		Command:      t.Command,
		Interpreter:  t.Interpreter,
		Environment:  t.Environment,
		Resources:    t.Resources,
		TimeoutHours: t.TimeoutHours,
		CreatedAt:    b.now,
	}
	if run.TemplateID == uuid.Nil {
		run.TemplateID = b.templateID
	}
	b.runs = append(b.runs, run)

	// Входы
	for _, port := range t.Inputs {
		in := domain.RunInput{
			Channel: port.Channel,
			Type:    port.Type,
			Mode:    port.Mode,
			Group:   port.Group,
		}

		if src, ok := scope[port.Channel]; ok {
			if src.typ != port.Type {
				b.errs = append(b.errs, fmt.Errorf("%w: %s.%s is %s, source is %s",
					ErrChannelType, path, port.Channel, port.Type, src.typ))
			}
			in.TreeID = src.treeID
			in.Owned = src.owned && parentID == nil
		} else if port.Data != nil {
			tree, err := datatree.FromValue(port.Type, port.Data)
			if err != nil {
				b.errs = append(b.errs, fmt.Errorf("%w: %s.%s: %v", ErrInvalidInput, path, port.Channel, err))
				continue
			}
			rec := datatree.NewRecord(run.ID, port.Channel, tree)
			b.trees = append(b.trees, rec)
			in.TreeID = rec.ID
			in.Owned = true
		} else {
			b.missing = append(b.missing, path+"."+port.Channel)
			continue
		}
		run.Inputs = append(run.Inputs, in)
	}

	if run.IsLeaf {
		for _, port := range t.Outputs {
			rec := datatree.NewRecord(run.ID, port.Channel, datatree.New(port.Type))
			b.trees = append(b.trees, rec)
			run.Outputs = append(run.Outputs, domain.RunOutput{
				Channel: port.Channel,
				Type:    port.Type,
				Mode:    port.Mode,
				Source:  port.Source,
				Parser:  port.Parser,
				TreeID:  rec.ID,
				Owned:   true,
			})
		}
		return run
	}

	// Workflow: шаги в топологическом порядке, чтобы выходы
	// производителей были известны до подключения потребителей.
	dag, err := engine.BuildDAG(t)
	if err != nil {
		b.errs = append(b.errs, err)
		return run
	}

	inner := make(map[string]channelSource, len(run.Inputs))
	for _, in := range run.Inputs {
		inner[in.Channel] = channelSource{treeID: in.TreeID, typ: in.Type}
	}

	stepIDs := make(map[string]uuid.UUID, len(t.Steps))
	for _, node := range dag.Order {
		childID := uuid.New()
		stepIDs[node.ID] = childID
		child := b.build(node.Step, childID, &run.ID, rootID, inner, path+"/"+node.ID)
		for _, out := range child.Outputs {
			inner[out.Channel] = channelSource{treeID: out.TreeID, typ: out.Type}
		}
	}

	for i := range t.Steps {
		run.Steps = append(run.Steps, stepIDs[t.Steps[i].Name])
	}

	// Выходы workflow ссылаются на деревья шагов-производителей
	for _, port := range t.Outputs {
		src, ok := inner[port.Channel]
		if !ok {
			b.errs = append(b.errs, fmt.Errorf("%w: %s.%s", engine.ErrMissingSource, path, port.Channel))
			continue
		}
		run.Outputs = append(run.Outputs, domain.RunOutput{
			Channel: port.Channel,
			Type:    port.Type,
			Mode:    port.Mode,
			TreeID:  src.treeID,
		})
	}

	return run
}
