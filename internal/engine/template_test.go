package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/Tapestry/internal/domain"
)

func scalar(channel string, obj domain.DataObject) domain.TaskInput {
	return domain.TaskInput{Channel: channel, Type: obj.Type, Objects: []domain.DataObject{obj}}
}

func gathered(channel string, objs ...domain.DataObject) domain.TaskInput {
	return domain.TaskInput{Channel: channel, Type: domain.TypeString, Gathered: true, Objects: objs}
}

func TestRenderCommand(t *testing.T) {
	inputs := []domain.TaskInput{
		scalar("name", domain.StringValue("world")),
		scalar("count", domain.IntegerValue(3)),
		gathered("words", domain.StringValue("a"), domain.StringValue("b")),
	}

	tests := []struct {
		name     string
		command  string
		expected string
	}{
		{"plain", "echo hello", "echo hello"},
		{"scalar", "echo hello {{ .name }}", "echo hello world"},
		{"integer", "seq {{ .count }}", "seq 3"},
		{"gathered", "cat {{ .words }}", "cat a b"},
		{"join", `echo {{ join "," .words }}`, "echo a,b"},
		{"range", `{{ range .words.Items }}[{{ . }}]{{ end }}`, "[a][b]"},
		{"json", `echo '{{ json .words }}'`, `echo '["a","b"]'`},
		{"quote", `echo {{ quote .name }}`, `echo 'world'`},
		{"upper", `echo {{ upper .name.String }}`, "echo WORLD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderCommand(tt.command, inputs)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestRenderCommand_Errors(t *testing.T) {
	if _, err := RenderCommand("echo {{ .missing }}", nil); !errors.Is(err, ErrTemplateRender) {
		t.Errorf("expected ErrTemplateRender, got %v", err)
	}
	if _, err := RenderCommand("echo {{ .name ", nil); !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
}

func TestRenderEnvironment(t *testing.T) {
	env := map[string]string{
		"TARGET": "{{ .name }}",
		"STATIC": "1",
	}

	got, err := RenderEnvironment(env, []domain.TaskInput{scalar("name", domain.StringValue("x"))})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["TARGET"] != "x" || got["STATIC"] != "1" {
		t.Errorf("unexpected environment: %v", got)
	}
	if env["TARGET"] != "{{ .name }}" {
		t.Error("source map must not be modified")
	}
}
