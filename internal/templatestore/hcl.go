package templatestore

import (
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/zclconf/go-cty/cty"
)

// HCL-форма шаблона:
//
//	template "count_reads" {
//	  input "reads" {
//	    type = "file"
//	  }
//	  output "count" {
//	    type   = "integer"
//	    stream = "stdout"
//	  }
//	  step "wc" {
//	    command = "wc -l < {{ .reads }}"
//	    ...
//	  }
//	}
type hclFile struct {
	Templates []*hclTemplate `hcl:"template,block"`
}

type hclTemplate struct {
	Name         string            `hcl:"name,label"`
	Command      string            `hcl:"command,optional"`
	Interpreter  string            `hcl:"interpreter,optional"`
	Environment  map[string]string `hcl:"environment,optional"`
	Resources    map[string]string `hcl:"resources,optional"`
	TimeoutHours float64           `hcl:"timeout_hours,optional"`
	Tags         []string          `hcl:"tags,optional"`
	Inputs       []*hclInput       `hcl:"input,block"`
	Outputs      []*hclOutput      `hcl:"output,block"`
	Steps        []*hclTemplate    `hcl:"step,block"`
}

type hclInput struct {
	Channel string         `hcl:"channel,label"`
	Type    string         `hcl:"type"`
	Mode    string         `hcl:"mode,optional"`
	Group   int            `hcl:"group,optional"`
	Hint    string         `hcl:"hint,optional"`
	Data    hcl.Expression `hcl:"data,optional"`
}

type hclOutput struct {
	Channel  string     `hcl:"channel,label"`
	Type     string     `hcl:"type"`
	Mode     string     `hcl:"mode,optional"`
	Stream   string     `hcl:"stream,optional"`
	Filename string     `hcl:"filename,optional"`
	Parser   *hclParser `hcl:"parser,block"`
}

type hclParser struct {
	Type      string `hcl:"type"`
	Delimiter string `hcl:"delimiter,optional"`
	Trim      bool   `hcl:"trim,optional"`
}

func parseHCL(filename string, data []byte) ([]*domain.Template, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}

	var cfg hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}
	if len(cfg.Templates) == 0 {
		return nil, fmt.Errorf("no template blocks in %s", filename)
	}

	out := make([]*domain.Template, 0, len(cfg.Templates))
	for _, ht := range cfg.Templates {
		t, err := ht.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (ht *hclTemplate) toDomain() (*domain.Template, error) {
	t := &domain.Template{
		Name:         ht.Name,
		Command:      ht.Command,
		Interpreter:  ht.Interpreter,
		Environment:  ht.Environment,
		Resources:    ht.Resources,
		TimeoutHours: ht.TimeoutHours,
		Tags:         ht.Tags,
	}

	for _, in := range ht.Inputs {
		data, err := exprData(in.Data)
		if err != nil {
			return nil, fmt.Errorf("step %s input %s: %w", ht.Name, in.Channel, err)
		}
		t.Inputs = append(t.Inputs, domain.InputPort{
			Channel: in.Channel,
			Type:    domain.DataType(in.Type),
			Mode:    in.Mode,
			Group:   in.Group,
			Hint:    in.Hint,
			Data:    data,
		})
	}

	for _, out := range ht.Outputs {
		port := domain.OutputPort{
			Channel: out.Channel,
			Type:    domain.DataType(out.Type),
			Mode:    out.Mode,
			Source:  domain.OutputSource{Stream: out.Stream, Filename: out.Filename},
		}
		if out.Parser != nil {
			port.Parser = &domain.OutputParser{
				Type:      out.Parser.Type,
				Delimiter: out.Parser.Delimiter,
				Trim:      out.Parser.Trim,
			}
		}
		t.Outputs = append(t.Outputs, port)
	}

	for _, hs := range ht.Steps {
		step, err := hs.toDomain()
		if err != nil {
			return nil, err
		}
		t.Steps = append(t.Steps, *step)
	}
	return t, nil
}

// exprData вычисляет фиксированное значение входа без переменных.
func exprData(expr hcl.Expression) (any, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}
	return ctyToNative(val)
}

// ctyToNative переводит значение в скаляр или вложенный []any.
func ctyToNative(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty == cty.Number:
		bf := val.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == 0 {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			item, err := ctyToNative(v)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported data type %s", ty.FriendlyName())
	}
}
