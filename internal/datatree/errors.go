package datatree

import (
	"errors"

	"github.com/shaiso/Tapestry/internal/domain"
)

// ErrNotReady — поддерево ещё не заполнено. Это состояние, а не сбой:
// вызывающий код откладывает работу до следующего тика.
var ErrNotReady = errors.New("data not ready")

// Ошибки записи в дерево.
var (
	// ErrDataConflict — по адресу уже лежит значение с другим отпечатком.
	ErrDataConflict = errors.New("data already exists with a different fingerprint")

	// ErrDegreeMismatch — степень сегмента не совпадает с уже записанной.
	ErrDegreeMismatch = errors.New("degree mismatch")

	// ErrIndexOutOfRange — позиция вне диапазона [0, degree).
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrTypeMismatch — тип значения не совпадает с типом дерева.
	ErrTypeMismatch = errors.New("data type mismatch")

	// ErrUnexpectedLeaf — по пути ожидалась ветка, а найден лист.
	ErrUnexpectedLeaf = errors.New("unexpected leaf")

	// ErrUnexpectedBranch — по пути ожидался лист, а найдена ветка.
	ErrUnexpectedBranch = errors.New("unexpected branch")

	// ErrMissingBranch — узла по указанному пути нет.
	ErrMissingBranch = errors.New("missing branch")

	// ErrTooDeep — глубина пути превышает MaxDepth.
	ErrTooDeep = errors.New("path exceeds maximum tree depth")
)

// PathError — ошибка с адресом узла.
type PathError struct {
	Path domain.Path
	Err  error
}

// Error реализует интерфейс error.
func (e *PathError) Error() string {
	return e.Err.Error() + " at " + e.Path.String()
}

// Unwrap возвращает базовую ошибку.
func (e *PathError) Unwrap() error {
	return e.Err
}

func pathErr(path domain.Path, err error) error {
	return &PathError{Path: path.Clone(), Err: err}
}

// IsNotReady проверяет, что err означает незаполненное дерево.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}
