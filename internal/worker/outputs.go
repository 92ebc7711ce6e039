package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shaiso/Tapestry/internal/domain"
)

// CollectOutputs собирает значения выходов попытки.
//
// Источник — поток (stdout/stderr) или файл в workDir. Для scatter
// выход разбирается парсером в []any. Файловые выходы возвращаются
// как ссылки с хэшем содержимого, сами файлы остаются в workDir.
func CollectOutputs(ports []domain.OutputPort, res *ExecutionResult, workDir string) (map[string]any, error) {
	out := make(map[string]any, len(ports))
	for _, port := range ports {
		v, err := collectOutput(port, res, workDir)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", port.Channel, err)
		}
		out[port.Channel] = v
	}
	return out, nil
}

func collectOutput(port domain.OutputPort, res *ExecutionResult, workDir string) (any, error) {
	if port.Type == domain.TypeFile {
		return collectFile(port, workDir)
	}

	text, err := readSource(port.Source, res, workDir)
	if err != nil {
		return nil, err
	}
	if !port.IsScatter() {
		return strings.TrimSpace(text), nil
	}

	items, err := ParseDelimited(port.Parser, text)
	if err != nil {
		return nil, err
	}
	list := make([]any, len(items))
	for i, item := range items {
		list[i] = item
	}
	return list, nil
}

func readSource(src domain.OutputSource, res *ExecutionResult, workDir string) (string, error) {
	switch {
	case src.Stream == "stdout":
		return res.Stdout, nil
	case src.Stream == "stderr":
		return res.Stderr, nil
	case src.Stream != "":
		return "", fmt.Errorf("%w: unknown stream %q", ErrOutputSource, src.Stream)
	case src.Filename != "":
		data, err := os.ReadFile(filepath.Join(workDir, src.Filename))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrOutputSource, err)
		}
		return string(data), nil
	default:
		// Без явного источника читаем stdout.
		return res.Stdout, nil
	}
}

// collectFile возвращает ссылку на файл (или список для scatter по glob).
func collectFile(port domain.OutputPort, workDir string) (any, error) {
	if port.Source.Filename == "" {
		return nil, fmt.Errorf("%w: file output needs a filename", ErrOutputSource)
	}

	if !port.IsScatter() {
		return fileRef(workDir, port.Source.Filename)
	}

	matches, err := filepath.Glob(filepath.Join(workDir, port.Source.Filename))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputSource, err)
	}
	list := make([]any, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(workDir, m)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOutputSource, err)
		}
		ref, err := fileRef(workDir, rel)
		if err != nil {
			return nil, err
		}
		list = append(list, ref)
	}
	return list, nil
}

func fileRef(workDir, name string) (map[string]any, error) {
	path := filepath.Join(workDir, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputSource, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputSource, err)
	}

	return map[string]any{
		"filename": filepath.Base(name),
		"hash":     "sha256$" + hex.EncodeToString(h.Sum(nil)),
		"url":      "file://" + path,
	}, nil
}

// ParseDelimited разбивает текст на элементы.
//
// Без парсера или без разделителя текст делится по пробельным символам.
// Trim обрезает пробелы у элементов и отбрасывает пустые.
func ParseDelimited(p *domain.OutputParser, text string) ([]string, error) {
	if p != nil && p.Type != "" && p.Type != "delimited" {
		return nil, fmt.Errorf("%w: unknown parser %q", ErrOutputParse, p.Type)
	}
	if p == nil || p.Delimiter == "" {
		return strings.Fields(text), nil
	}

	parts := strings.Split(text, p.Delimiter)
	if !p.Trim {
		// Завершающий разделитель не порождает пустой элемент.
		if n := len(parts); n > 0 && parts[n-1] == "" {
			parts = parts[:n-1]
		}
		return parts, nil
	}

	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
