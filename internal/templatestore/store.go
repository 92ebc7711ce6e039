package templatestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/repo"
)

// Store импортирует шаблоны в repo.TemplateStore и разрешает ссылки.
type Store struct {
	repo   repo.TemplateStore
	logger *slog.Logger
	now    func() time.Time
}

// Config — конфигурация Store.
type Config struct {
	Repo   repo.TemplateStore
	Logger *slog.Logger
	Clock  func() time.Time
}

// New создаёт Store.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{repo: cfg.Repo, logger: logger, now: now}
}

// Import сохраняет шаблон и его теги. Шаблон без отпечатка получает его
// здесь; повторный импорт того же содержимого — no-op.
func (s *Store) Import(ctx context.Context, t *domain.Template, tags ...string) error {
	if t.Fingerprint == "" {
		if err := Identify(t); err != nil {
			return err
		}
	}
	if t.ImportedAt.IsZero() {
		t.ImportedAt = s.now()
	}
	if err := s.repo.SaveTemplate(ctx, t); err != nil {
		return fmt.Errorf("save template %s: %w", t.Name, err)
	}

	for _, name := range append(append([]string(nil), t.Tags...), tags...) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		err := s.repo.AddTag(ctx, domain.Tag{
			Name:      name,
			Target:    domain.TagTargetTemplate,
			TargetID:  t.ID,
			CreatedAt: s.now(),
		})
		if err != nil && !errors.Is(err, repo.ErrAlreadyExists) {
			return fmt.Errorf("tag template %s: %w", t.Name, err)
		}
	}

	s.logger.Info("template imported",
		"template_id", t.ID,
		"name", t.Name,
		"fingerprint", t.Fingerprint[:12],
	)
	return nil
}

// ImportDir загружает и импортирует все шаблоны каталога.
func (s *Store) ImportDir(ctx context.Context, dir string) (int, error) {
	templates, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, t := range templates {
		if err := s.Import(ctx, t); err != nil {
			return 0, err
		}
	}
	return len(templates), nil
}

// List возвращает импортированные шаблоны в порядке импорта.
func (s *Store) List(ctx context.Context) ([]*domain.Template, error) {
	return s.repo.ListTemplates(ctx)
}

// Resolve находит ровно один шаблон по ссылке.
func (s *Store) Resolve(ctx context.Context, ref string) (*domain.Template, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	all, err := s.repo.ListTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	var tagged map[uuid.UUID]bool
	if r.Tag != "" {
		ids, err := s.repo.FindByTag(ctx, domain.TagTargetTemplate, r.Tag)
		if err != nil {
			return nil, fmt.Errorf("find tag %s: %w", r.Tag, err)
		}
		tagged = make(map[uuid.UUID]bool, len(ids))
		for _, id := range ids {
			tagged[id] = true
		}
	}

	var matches []*domain.Template
	for _, t := range all {
		if r.Name != "" && t.Name != r.Name {
			continue
		}
		if r.IDPrefix != "" && !strings.HasPrefix(t.ID.String(), r.IDPrefix) {
			continue
		}
		if tagged != nil && !tagged[t.ID] {
			continue
		}
		matches = append(matches, t)
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, &LookupError{Ref: ref, Err: ErrNotFound}
	default:
		names := make([]string, len(matches))
		for i, t := range matches {
			names[i] = t.Name + "@" + t.ID.String()[:8]
		}
		return nil, &LookupError{Ref: ref, Matches: names, Err: ErrAmbiguous}
	}
}
