package domain

import (
	"time"

	"github.com/google/uuid"
)

// Template — неизменяемое определение шага или workflow.
//
// Лист (IsLeaf) описывает команду; workflow содержит вложенные шаги,
// связанные именованными каналами: выход одного шага питает входы
// соседних шагов с тем же именем канала.
type Template struct {
	// ID — устойчивый идентификатор, выводится из отпечатка определения.
	ID uuid.UUID `json:"id" yaml:"-"`

	Name string `json:"name" yaml:"name"`

	// Fingerprint — хэш канонического представления шаблона.
	Fingerprint string `json:"fingerprint,omitempty" yaml:"-"`

	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Interpreter string            `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Resources   map[string]string `json:"resources,omitempty" yaml:"resources,omitempty"`

	// TimeoutHours — лимит на одну попытку; 0 — значение из конфигурации.
	TimeoutHours float64 `json:"timeout_hours,omitempty" yaml:"timeout_hours,omitempty"`

	Inputs  []InputPort  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []OutputPort `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Steps   []Template   `json:"steps,omitempty" yaml:"steps,omitempty"`

	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	ImportedAt time.Time `json:"imported_at,omitempty" yaml:"-"`
}

// InputPort — входной порт.
type InputPort struct {
	Channel string   `json:"channel" yaml:"channel"`
	Type    DataType `json:"type" yaml:"type"`

	// Mode — "no_gather" (по умолчанию), "gather" или "gather(n)".
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Group — входы одной группы комбинируются попарно (dot product),
	// группы между собой — декартовым произведением.
	Group int `json:"group,omitempty" yaml:"group,omitempty"`

	Hint string `json:"hint,omitempty" yaml:"hint,omitempty"`

	// Data — фиксированное значение, используется, если канал
	// ничем не подключён. Скаляр или вложенный массив.
	Data any `json:"data,omitempty" yaml:"data,omitempty"`
}

// OutputPort — выходной порт.
type OutputPort struct {
	Channel string   `json:"channel" yaml:"channel"`
	Type    DataType `json:"type" yaml:"type"`

	// Mode — "no_scatter" (по умолчанию) или "scatter": выход-массив
	// добавляет уровень ветвления в дерево.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	Source OutputSource  `json:"source,omitempty" yaml:"source,omitempty"`
	Parser *OutputParser `json:"parser,omitempty" yaml:"parser,omitempty"`
}

// OutputSource — откуда воркер берёт значение выхода.
type OutputSource struct {
	// Stream — "stdout" или "stderr".
	Stream string `json:"stream,omitempty" yaml:"stream,omitempty"`

	// Filename — файл в рабочем каталоге попытки.
	Filename string `json:"filename,omitempty" yaml:"filename,omitempty"`
}

// OutputParser — разбор текстового выхода в массив.
type OutputParser struct {
	// Type — сейчас поддерживается только "delimited".
	Type      string `json:"type" yaml:"type"`
	Delimiter string `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	Trim      bool   `json:"trim,omitempty" yaml:"trim,omitempty"`
}

// IsLeaf возвращает true для шага без вложенных шагов.
func (t *Template) IsLeaf() bool {
	return len(t.Steps) == 0
}

// Input возвращает входной порт по имени канала.
func (t *Template) Input(channel string) (*InputPort, bool) {
	for i := range t.Inputs {
		if t.Inputs[i].Channel == channel {
			return &t.Inputs[i], true
		}
	}
	return nil, false
}

// Output возвращает выходной порт по имени канала.
func (t *Template) Output(channel string) (*OutputPort, bool) {
	for i := range t.Outputs {
		if t.Outputs[i].Channel == channel {
			return &t.Outputs[i], true
		}
	}
	return nil, false
}

// Walk обходит шаблон и все вложенные шаги в глубину.
// depth корня равен 0.
func (t *Template) Walk(fn func(step *Template, depth int) error) error {
	return t.walk(fn, 0)
}

func (t *Template) walk(fn func(step *Template, depth int) error, depth int) error {
	if err := fn(t, depth); err != nil {
		return err
	}
	for i := range t.Steps {
		if err := t.Steps[i].walk(fn, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// IsScatter возвращает true, если выход разворачивается в массив.
func (p OutputPort) IsScatter() bool {
	return p.Mode == "scatter"
}
