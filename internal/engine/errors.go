package engine

import (
	"errors"
	"strings"
)

// Ошибки валидации шаблона.
var (
	// ErrEmptyTemplate — шаблон не задан.
	ErrEmptyTemplate = errors.New("template is empty")

	// ErrEmptyName — шаг не имеет имени.
	ErrEmptyName = errors.New("step has empty name")

	// ErrDuplicateStepName — несколько соседних шагов с одинаковым именем.
	ErrDuplicateStepName = errors.New("duplicate step name")

	// ErrEmptyCommand — лист без команды.
	ErrEmptyCommand = errors.New("step has empty command")

	// ErrEmptyChannel — порт без имени канала.
	ErrEmptyChannel = errors.New("port has empty channel")

	// ErrDuplicateChannel — имя канала повторяется среди портов шага.
	ErrDuplicateChannel = errors.New("duplicate channel in step ports")

	// ErrChannelCollision — два соседних шага пишут в один канал.
	ErrChannelCollision = errors.New("channel name collision")

	// ErrInvalidMode — неизвестный режим gather/scatter.
	ErrInvalidMode = errors.New("invalid port mode")

	// ErrInvalidDefault — фиксированное значение не соответствует типу порта.
	ErrInvalidDefault = errors.New("invalid fixed input data")

	// ErrMissingSource — выход workflow не производится ни одним шагом.
	ErrMissingSource = errors.New("workflow output has no source step")

	// ErrCyclicDependency — обнаружен цикл между шагами.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrTooDeep — вложенность шагов превышает лимит.
	ErrTooDeep = errors.New("template nesting too deep")
)

// Ошибки вычисления наборов входов.
var (
	// ErrDimensionMismatch — входы одной группы разбросаны несовместимо.
	ErrDimensionMismatch = errors.New("input dimensions do not match")
)

// Ошибки рендеринга команд.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Step    string // имя шага, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Step != "" {
		return "step " + e.Step + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(step, field, message string, err error) *ValidationError {
	return &ValidationError{
		Step:    step,
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// ChannelNameCollisionError — несколько источников одного канала в workflow.
type ChannelNameCollisionError struct {
	Workflow string
	Channel  string
	Sources  []string
}

// Error реализует интерфейс error.
func (e *ChannelNameCollisionError) Error() string {
	return "workflow " + e.Workflow + ": channel " + e.Channel +
		" is produced by " + strings.Join(e.Sources, ", ")
}

// Unwrap возвращает ErrChannelCollision.
func (e *ChannelNameCollisionError) Unwrap() error {
	return ErrChannelCollision
}
