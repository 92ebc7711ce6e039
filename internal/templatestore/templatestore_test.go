package templatestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/engine"
	"github.com/shaiso/Tapestry/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloYAML = `
name: hello
command: "echo {{ .msg }}"
inputs:
  - channel: msg
    type: string
    data: hi
outputs:
  - channel: out
    type: string
    source:
      stream: stdout
tags: [greeting]
`

const sumHCL = `
template "sum" {
  tags = ["stable"]

  input "sizes" {
    type = "integer"
    data = [[1, 2], [3]]
  }
  output "total" {
    type = "integer"
  }

  step "add" {
    command = "expr {{ join \" + \" .sizes }}"
    input "sizes" {
      type = "integer"
      mode = "gather"
    }
    output "total" {
      type   = "integer"
      stream = "stdout"
    }
  }

  step "split" {
    command       = "echo a,b"
    timeout_hours = 0.5
    environment = {
      LC_ALL = "C"
    }
    output "words" {
      type = "string"
      mode = "scatter"
      parser {
        type      = "delimited"
        delimiter = ","
        trim      = true
      }
    }
  }
}
`

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "hello", want: Ref{Name: "hello"}},
		{in: "hello@1CA14B", want: Ref{Name: "hello", IDPrefix: "1ca14b"}},
		{in: "hello:stable", want: Ref{Name: "hello", Tag: "stable"}},
		{in: "hello@1ca1:stable", want: Ref{Name: "hello", IDPrefix: "1ca1", Tag: "stable"}},
		{in: "hello:stable@1ca1", want: Ref{Name: "hello", IDPrefix: "1ca1", Tag: "stable"}},
		{in: "@1ca1", want: Ref{IDPrefix: "1ca1"}},
		{in: ":stable", want: Ref{Tag: "stable"}},
		{in: "", wantErr: true},
		{in: "hello@", wantErr: true},
		{in: "hello:a:b", wantErr: true},
		{in: "hello$3c0e", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRef(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRef)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_YAML(t *testing.T) {
	ts, err := Parse("hello.yaml", []byte(helloYAML))
	require.NoError(t, err)
	require.Len(t, ts, 1)

	tmpl := ts[0]
	assert.Equal(t, "hello", tmpl.Name)
	assert.Equal(t, "echo {{ .msg }}", tmpl.Command)
	assert.Equal(t, "hi", tmpl.Inputs[0].Data)
	assert.Equal(t, "stdout", tmpl.Outputs[0].Source.Stream)
	assert.Equal(t, []string{"greeting"}, tmpl.Tags)
	assert.Len(t, tmpl.Fingerprint, 64)

	// Тот же текст — тот же ID
	again, err := Parse("copy.yml", []byte(helloYAML))
	require.NoError(t, err)
	assert.Equal(t, tmpl.ID, again[0].ID)

	// Другая команда — другой ID
	changed, err := Parse("hello.yaml", []byte(helloYAML+"interpreter: /bin/sh\n"))
	require.NoError(t, err)
	assert.NotEqual(t, tmpl.ID, changed[0].ID)
}

func TestParse_YAMLDocuments(t *testing.T) {
	data := helloYAML + "---\nname: bye\ncommand: echo bye\n"

	ts, err := Parse("two.yaml", []byte(data))
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, "hello", ts[0].Name)
	assert.Equal(t, "bye", ts[1].Name)
}

func TestParse_YAMLRejectsUnknownFields(t *testing.T) {
	_, err := Parse("bad.yaml", []byte("name: x\ncommand: echo\ncomand: typo\n"))
	assert.Error(t, err)
}

func TestParse_HCL(t *testing.T) {
	ts, err := Parse("sum.hcl", []byte(sumHCL))
	require.NoError(t, err)
	require.Len(t, ts, 1)

	tmpl := ts[0]
	assert.Equal(t, "sum", tmpl.Name)
	assert.Equal(t, []string{"stable"}, tmpl.Tags)
	assert.Equal(t, []any{[]any{int64(1), int64(2)}, []any{int64(3)}}, tmpl.Inputs[0].Data)
	require.Len(t, tmpl.Steps, 2)

	add := tmpl.Steps[0]
	assert.Equal(t, `expr {{ join " + " .sizes }}`, add.Command)
	assert.Equal(t, "gather", add.Inputs[0].Mode)
	assert.Nil(t, add.Inputs[0].Data)

	split := tmpl.Steps[1]
	assert.Equal(t, 0.5, split.TimeoutHours)
	assert.Equal(t, map[string]string{"LC_ALL": "C"}, split.Environment)
	require.NotNil(t, split.Outputs[0].Parser)
	assert.Equal(t, domain.OutputParser{Type: "delimited", Delimiter: ",", Trim: true}, *split.Outputs[0].Parser)
	assert.True(t, split.Outputs[0].IsScatter())
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("t.json", []byte("{}"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Parse("empty.yaml", []byte("name: x\n"))
	assert.ErrorIs(t, err, engine.ErrEmptyCommand)

	_, err = Parse("broken.hcl", []byte(`template "x" {`))
	assert.ErrorIs(t, err, ErrParse)

	_, err = Parse("none.hcl", []byte(`# nothing`))
	assert.Error(t, err)
}

func newStore(t *testing.T) (*Store, *repo.MemoryStore) {
	t.Helper()
	mem := repo.NewMemoryStore()
	return New(Config{Repo: mem}), mem
}

func TestStore_Resolve(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	v1, err := Parse("hello.yaml", []byte(helloYAML))
	require.NoError(t, err)
	v2, err := Parse("hello.yaml", []byte(helloYAML+"interpreter: /bin/bash\n"))
	require.NoError(t, err)

	require.NoError(t, s.Import(ctx, v1[0]))
	require.NoError(t, s.Import(ctx, v2[0], "stable"))

	_, err = s.Resolve(ctx, "hello")
	assert.ErrorIs(t, err, ErrAmbiguous)
	var lookup *LookupError
	require.ErrorAs(t, err, &lookup)
	assert.Len(t, lookup.Matches, 2)

	got, err := s.Resolve(ctx, "hello:stable")
	require.NoError(t, err)
	assert.Equal(t, v2[0].ID, got.ID)

	got, err = s.Resolve(ctx, ":stable")
	require.NoError(t, err)
	assert.Equal(t, v2[0].ID, got.ID)

	got, err = s.Resolve(ctx, "hello@"+v1[0].ID.String()[:8])
	require.NoError(t, err)
	assert.Equal(t, v1[0].ID, got.ID)

	_, err = s.Resolve(ctx, "hello:nightly")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Resolve(ctx, "hello$abc")
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestStore_ImportIsIdempotent(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ts, err := Parse("hello.yaml", []byte(helloYAML))
		require.NoError(t, err)
		require.NoError(t, s.Import(ctx, ts[0]))
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	got, err := s.Resolve(ctx, "hello:greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Name)
}

func TestStore_ImportDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.yaml"), []byte(helloYAML), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "sum.hcl"), []byte(sumHCL), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# templates"), 0o644))

	s, _ := newStore(t)
	ctx := context.Background()

	n, err := s.ImportDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Resolve(ctx, "sum:stable")
	require.NoError(t, err)
	assert.Len(t, got.Steps, 2)
}
