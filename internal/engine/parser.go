package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shaiso/Tapestry/internal/datatree"
	"github.com/shaiso/Tapestry/internal/domain"
)

// MaxNesting — максимальная вложенность workflow.
const MaxNesting = datatree.MaxDepth

// Режимы портов.
const (
	ModeNoGather  = "no_gather"
	ModeGather    = "gather"
	ModeNoScatter = "no_scatter"
	ModeScatter   = "scatter"
)

// ParseGatherDepth возвращает глубину сбора для режима входа.
//
//	"" | "no_gather" → 0
//	"gather"         → 1
//	"gather(n)"      → n
func ParseGatherDepth(mode string) (int, error) {
	switch mode {
	case "", ModeNoGather:
		return 0, nil
	case ModeGather:
		return 1, nil
	}

	inner, ok := strings.CutPrefix(mode, ModeGather+"(")
	if ok {
		inner, ok = strings.CutSuffix(inner, ")")
	}
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	n, err := strconv.Atoi(strings.TrimSpace(inner))
	if err != nil || n < 1 || n > datatree.MaxDepth {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return n, nil
}

// ValidateOutputMode проверяет режим выхода.
func ValidateOutputMode(mode string) error {
	switch mode {
	case "", ModeNoScatter, ModeScatter:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
}

// Validate выполняет полную валидацию шаблона.
//
// Проверяет:
//   - имена шагов и уникальность среди соседей
//   - уникальность каналов в пространстве портов шага
//   - типы и режимы портов, фиксированные значения
//   - отсутствие коллизий каналов и циклов между соседями
//   - наличие источника у каждого выхода workflow
func Validate(t *domain.Template) error {
	if t == nil {
		return ErrEmptyTemplate
	}

	return t.Walk(func(step *domain.Template, depth int) error {
		if depth > MaxNesting {
			return NewValidationError(step.Name, "steps",
				fmt.Sprintf("nesting depth %d exceeds %d", depth, MaxNesting), ErrTooDeep)
		}
		if err := ValidateStep(step); err != nil {
			return err
		}
		if step.IsLeaf() {
			return nil
		}
		return validateWorkflow(step)
	})
}

// ValidateStep проверяет один шаг без вложенных.
func ValidateStep(step *domain.Template) error {
	if step.Name == "" {
		return NewValidationError("", "name", "step has empty name", ErrEmptyName)
	}
	if step.IsLeaf() && strings.TrimSpace(step.Command) == "" {
		return NewValidationError(step.Name, "command", "step has empty command", ErrEmptyCommand)
	}

	channels := make(map[string]bool)
	claim := func(field, channel string) error {
		if channel == "" {
			return NewValidationError(step.Name, field, "port has empty channel", ErrEmptyChannel)
		}
		if channels[channel] {
			return NewValidationError(step.Name, field,
				fmt.Sprintf("channel %q declared twice", channel), ErrDuplicateChannel)
		}
		channels[channel] = true
		return nil
	}

	for _, in := range step.Inputs {
		if err := claim("inputs", in.Channel); err != nil {
			return err
		}
		if _, err := domain.ParseDataType(string(in.Type)); err != nil {
			return NewValidationError(step.Name, "inputs", err.Error(), err)
		}
		if _, err := ParseGatherDepth(in.Mode); err != nil {
			return NewValidationError(step.Name, "inputs", err.Error(), err)
		}
		if in.Data != nil {
			if _, err := datatree.FromValue(in.Type, in.Data); err != nil {
				return NewValidationError(step.Name, "inputs",
					fmt.Sprintf("channel %q: %v", in.Channel, err), ErrInvalidDefault)
			}
		}
	}

	for _, out := range step.Outputs {
		if err := claim("outputs", out.Channel); err != nil {
			return err
		}
		if _, err := domain.ParseDataType(string(out.Type)); err != nil {
			return NewValidationError(step.Name, "outputs", err.Error(), err)
		}
		if err := ValidateOutputMode(out.Mode); err != nil {
			return NewValidationError(step.Name, "outputs", err.Error(), err)
		}
	}

	return nil
}

// validateWorkflow проверяет связи между дочерними шагами.
func validateWorkflow(wf *domain.Template) error {
	producers := make(map[string][]string)
	for _, in := range wf.Inputs {
		producers[in.Channel] = append(producers[in.Channel], wf.Name+"(input)")
	}
	for i := range wf.Steps {
		child := &wf.Steps[i]
		for _, out := range child.Outputs {
			producers[out.Channel] = append(producers[out.Channel], child.Name)
		}
	}

	for channel, sources := range producers {
		if len(sources) > 1 {
			return &ChannelNameCollisionError{Workflow: wf.Name, Channel: channel, Sources: sources}
		}
	}

	for _, out := range wf.Outputs {
		sources := producers[out.Channel]
		if len(sources) == 0 || sources[0] == wf.Name+"(input)" {
			return NewValidationError(wf.Name, "outputs",
				fmt.Sprintf("output %q is not produced by any step", out.Channel), ErrMissingSource)
		}
	}

	_, err := BuildDAG(wf)
	return err
}
