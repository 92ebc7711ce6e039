package templatestore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound — ни один шаблон не подходит под ссылку.
	ErrNotFound = errors.New("template not found")

	// ErrAmbiguous — под ссылку подходит больше одного шаблона.
	ErrAmbiguous = errors.New("template reference is ambiguous")

	// ErrInvalidRef — ссылка не разобрана.
	ErrInvalidRef = errors.New("invalid template reference")

	// ErrUnsupportedFormat — расширение файла не поддерживается.
	ErrUnsupportedFormat = errors.New("unsupported template format")

	// ErrParse — файл шаблона не разбирается.
	ErrParse = errors.New("cannot parse template")
)

// LookupError — результат поиска по ссылке не однозначен.
type LookupError struct {
	Ref     string
	Matches []string // "name@id" найденных шаблонов
	Err     error
}

// Error реализует интерфейс error.
func (e *LookupError) Error() string {
	if len(e.Matches) == 0 {
		return fmt.Sprintf("%v: %q", e.Err, e.Ref)
	}
	return fmt.Sprintf("%v: %q matches %v", e.Err, e.Ref, e.Matches)
}

// Unwrap возвращает ErrNotFound или ErrAmbiguous.
func (e *LookupError) Unwrap() error {
	return e.Err
}
