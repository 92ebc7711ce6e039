package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPath — строковое представление пути не распознано.
var ErrInvalidPath = errors.New("invalid index path")

// Segment — одна ступень адреса в дереве данных:
// позиция дочернего узла и общее число детей на этом уровне.
type Segment struct {
	Index  int `json:"index"`
	Degree int `json:"degree"`
}

// Path — адрес узла от корня. Пустой путь — корень.
type Path []Segment

// Key возвращает каноническую строку пути: "0.3/1.2". Корень — "".
func (p Path) Key() string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = strconv.Itoa(s.Index) + "." + strconv.Itoa(s.Degree)
	}
	return strings.Join(parts, "/")
}

// String реализует fmt.Stringer в виде "[(0,3),(1,2)]".
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = fmt.Sprintf("(%d,%d)", s.Index, s.Degree)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ParsePath разбирает строку, полученную из Key.
func ParsePath(key string) (Path, error) {
	if key == "" {
		return Path{}, nil
	}
	parts := strings.Split(key, "/")
	path := make(Path, 0, len(parts))
	for _, part := range parts {
		idx, deg, ok := strings.Cut(part, ".")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, key)
		}
		index, err := strconv.Atoi(idx)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, key)
		}
		degree, err := strconv.Atoi(deg)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, key)
		}
		if degree < 1 || index < 0 || index >= degree {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, key)
		}
		path = append(path, Segment{Index: index, Degree: degree})
	}
	return path, nil
}

// Append возвращает новый путь с добавленным сегментом.
func (p Path) Append(segments ...Segment) Path {
	out := make(Path, 0, len(p)+len(segments))
	out = append(out, p...)
	return append(out, segments...)
}

// Truncate отбрасывает последние n сегментов.
func (p Path) Truncate(n int) Path {
	if n <= 0 {
		return p.Clone()
	}
	if n >= len(p) {
		return Path{}
	}
	return p[:len(p)-n].Clone()
}

// Clone возвращает копию пути.
func (p Path) Clone() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// HasPrefix проверяет, что prefix — начало пути.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Equal сравнивает пути посегментно.
func (p Path) Equal(other Path) bool {
	return len(p) == len(other) && p.HasPrefix(other)
}

// Compare упорядочивает пути лексикографически по позициям.
func (p Path) Compare(other Path) int {
	for i := 0; i < len(p) && i < len(other); i++ {
		if p[i].Index != other[i].Index {
			if p[i].Index < other[i].Index {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	default:
		return 0
	}
}
