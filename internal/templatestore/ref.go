package templatestore

import (
	"fmt"
	"strings"
)

// Ref — разобранная ссылка на шаблон. Пустое поле не участвует в поиске.
type Ref struct {
	Name     string
	IDPrefix string
	Tag      string
}

// ParseRef разбирает ссылку вида name@idprefix:tag.
//
// Имя заканчивается на '@' или ':'. ID начинается после '@', тег после
// ':'; каждая часть идёт до следующего разделителя. Хэш ('$') для
// шаблонов не принимается.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, fmt.Errorf("%w: empty reference", ErrInvalidRef)
	}
	if strings.Contains(s, "$") {
		return Ref{}, fmt.Errorf("%w: %q: hash is not accepted for templates", ErrInvalidRef, s)
	}

	var ref Ref
	end := strings.IndexAny(s, "@:")
	if end < 0 {
		ref.Name = s
		return ref, nil
	}
	ref.Name = s[:end]

	rest := s[end:]
	seen := make(map[byte]bool, 2)
	for rest != "" {
		sep := rest[0]
		if seen[sep] {
			return Ref{}, fmt.Errorf("%w: %q: repeated %q", ErrInvalidRef, s, sep)
		}
		seen[sep] = true

		rest = rest[1:]
		next := strings.IndexAny(rest, "@:")
		if next < 0 {
			next = len(rest)
		}
		part := rest[:next]
		if part == "" {
			return Ref{}, fmt.Errorf("%w: %q: empty part after %q", ErrInvalidRef, s, sep)
		}
		if sep == '@' {
			ref.IDPrefix = strings.ToLower(part)
		} else {
			ref.Tag = part
		}
		rest = rest[next:]
	}
	return ref, nil
}

// String собирает ссылку обратно.
func (r Ref) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if r.IDPrefix != "" {
		b.WriteString("@" + r.IDPrefix)
	}
	if r.Tag != "" {
		b.WriteString(":" + r.Tag)
	}
	return b.String()
}
