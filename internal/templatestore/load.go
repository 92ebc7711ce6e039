package templatestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/engine"
	"gopkg.in/yaml.v2"
)

// templateNamespace — пространство имён для UUIDv5 шаблонов.
var templateNamespace = uuid.MustParse("6f1c7a52-3d0b-4f7e-9a51-0c2d8e4b7a10")

// LoadFile читает и проверяет шаблоны из одного файла.
func LoadFile(path string) ([]*domain.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(path, data)
}

// LoadDir читает все шаблоны каталога и подкаталогов в порядке путей.
func LoadDir(dir string) ([]*domain.Template, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isTemplateFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(paths)

	var out []*domain.Template
	for _, p := range paths {
		ts, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, ts...)
	}
	return out, nil
}

func isTemplateFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".hcl":
		return true
	}
	return false
}

// Parse разбирает содержимое файла по расширению filename, проверяет
// каждый шаблон и выставляет Fingerprint и ID.
func Parse(filename string, data []byte) ([]*domain.Template, error) {
	var (
		templates []*domain.Template
		err       error
	)

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		templates, err = parseYAML(data)
	case ".hcl":
		templates, err = parseHCL(filename, data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParse, filename, err)
	}

	for _, t := range templates {
		if err := engine.Validate(t); err != nil {
			return nil, fmt.Errorf("template %s in %s: %w", t.Name, filename, err)
		}
		if err := Identify(t); err != nil {
			return nil, err
		}
	}
	return templates, nil
}

// parseYAML читает один или несколько документов, разделённых "---".
func parseYAML(data []byte) ([]*domain.Template, error) {
	var out []*domain.Template
	for _, doc := range splitYAMLDocuments(string(data)) {
		var t domain.Template
		if err := yaml.UnmarshalStrict([]byte(doc), &t); err != nil {
			return nil, err
		}
		normalizeData(&t)
		out = append(out, &t)
	}
	if len(out) == 0 {
		return nil, engine.ErrEmptyTemplate
	}
	return out, nil
}

func splitYAMLDocuments(s string) []string {
	var (
		docs    []string
		current strings.Builder
	)
	flush := func() {
		if strings.TrimSpace(current.String()) != "" {
			docs = append(docs, current.String())
		}
		current.Reset()
	}
	for _, line := range strings.SplitAfter(s, "\n") {
		if strings.TrimRight(line, "\r\n") == "---" {
			flush()
			continue
		}
		current.WriteString(line)
	}
	flush()
	return docs
}

// normalizeData приводит фиксированные значения входов к JSON-совместимому
// виду: yaml.v2 отдаёт вложенные отображения как map[interface{}]interface{}.
func normalizeData(t *domain.Template) {
	_ = t.Walk(func(step *domain.Template, _ int) error {
		for i := range step.Inputs {
			step.Inputs[i].Data = jsonCompatible(step.Inputs[i].Data)
		}
		return nil
	})
}

func jsonCompatible(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = jsonCompatible(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[fmt.Sprint(k)] = jsonCompatible(item)
		}
		return out
	default:
		return v
	}
}

// Identify вычисляет отпечаток шаблона и выводит из него ID.
// ID, Fingerprint, Tags и ImportedAt в отпечаток не входят.
func Identify(t *domain.Template) error {
	c := *t
	c.ID = uuid.Nil
	c.Fingerprint = ""
	c.Tags = nil
	c.ImportedAt = time.Time{}

	b, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("fingerprint %s: %w", t.Name, err)
	}
	sum := sha256.Sum256(b)
	t.Fingerprint = hex.EncodeToString(sum[:])
	t.ID = uuid.NewSHA1(templateNamespace, []byte(t.Fingerprint))
	return nil
}
