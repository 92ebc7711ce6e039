package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"text/template"

	"github.com/shaiso/Tapestry/internal/domain"
)

// Param — значение входа, доступное в шаблоне команды.
//
//	{{ .reads }}          — скаляр или элементы через пробел
//	{{ .reads.Items }}    — элементы как []string
//	{{ json .reads }}     — JSON
type Param struct {
	input domain.TaskInput
}

// String рендерит значение для подстановки в команду.
func (p Param) String() string {
	return strings.Join(p.Items(), " ")
}

// Items возвращает элементы в порядке адресов.
func (p Param) Items() []string {
	out := make([]string, len(p.input.Objects))
	for i, obj := range p.input.Objects {
		out[i] = obj.String()
	}
	return out
}

// Value возвращает нативное значение.
func (p Param) Value() any {
	return p.input.Native()
}

// MarshalJSON сериализует нативное значение.
func (p Param) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.input.Native())
}

// Context — контекст рендеринга команды: канал → значение.
type Context map[string]any

// NewContext собирает контекст из входов task.
func NewContext(inputs []domain.TaskInput) Context {
	ctx := make(Context, len(inputs))
	for _, in := range inputs {
		ctx[in.Channel] = Param{input: in}
	}
	return ctx
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// join — объединяет элементы входа
	"join": func(sep string, v any) string {
		switch items := v.(type) {
		case Param:
			return strings.Join(items.Items(), sep)
		case []string:
			return strings.Join(items, sep)
		default:
			return fmt.Sprint(v)
		}
	},

	// quote — экранирует значение для shell в одинарных кавычках
	"quote": func(v any) string {
		return "'" + strings.ReplaceAll(fmt.Sprint(v), "'", `'\''`) + "'"
	},

	"split":     func(sep, s string) []string { return strings.Split(s, sep) },
	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"hasSuffix": strings.HasSuffix,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
}

// Render рендерит строковый шаблон с контекстом.
// Строка без "{{" возвращается как есть.
func Render(tmpl string, ctx Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderCommand подставляет входы task в команду.
func RenderCommand(command string, inputs []domain.TaskInput) (string, error) {
	return Render(command, NewContext(inputs))
}

// RenderEnvironment рендерит значения переменных окружения.
func RenderEnvironment(env map[string]string, inputs []domain.TaskInput) (map[string]string, error) {
	if len(env) == 0 {
		return maps.Clone(env), nil
	}

	ctx := NewContext(inputs)
	out := make(map[string]string, len(env))
	for key, val := range env {
		rendered, err := Render(val, ctx)
		if err != nil {
			return nil, fmt.Errorf("environment %s: %w", key, err)
		}
		out[key] = rendered
	}
	return out, nil
}
