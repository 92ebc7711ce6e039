package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Tapestry/internal/domain"
)

// TemplateRepo — репозиторий шаблонов и тегов.
type TemplateRepo struct {
	pool *pgxpool.Pool
}

// NewTemplateRepo создаёт новый TemplateRepo.
func NewTemplateRepo(pool *pgxpool.Pool) *TemplateRepo {
	return &TemplateRepo{pool: pool}
}

// --- Template CRUD ---

// SaveTemplate сохраняет шаблон. Шаблоны неизменяемы: повтор — no-op.
func (r *TemplateRepo) SaveTemplate(ctx context.Context, t *domain.Template) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}

	query := `
		INSERT INTO templates (id, name, doc, imported_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, t.ID, t.Name, doc, t.ImportedAt); err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate возвращает шаблон по ID.
func (r *TemplateRepo) GetTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM templates WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template by id: %w", err)
	}

	var t domain.Template
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	return &t, nil
}

// ListTemplates возвращает шаблоны в порядке импорта.
func (r *TemplateRepo) ListTemplates(ctx context.Context) ([]*domain.Template, error) {
	query := `
		SELECT 0::bigint, doc
		FROM templates
		ORDER BY imported_at ASC, id ASC
	`
	templates, err := listDocs[domain.Template](ctx, r.pool, nil, query)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}

// --- Tags ---

// AddTag привязывает тег к цели.
func (r *TemplateRepo) AddTag(ctx context.Context, tag domain.Tag) error {
	query := `
		INSERT INTO tags (target, target_id, name, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.pool.Exec(ctx, query, tag.Target, tag.TargetID, tag.Name, tag.CreatedAt); err != nil {
		return insertErr("tag", err)
	}
	return nil
}

// ListTags возвращает теги цели.
func (r *TemplateRepo) ListTags(ctx context.Context, target domain.TagTarget, targetID uuid.UUID) ([]domain.Tag, error) {
	query := `
		SELECT target, target_id, name, created_at
		FROM tags
		WHERE target = $1 AND target_id = $2
		ORDER BY name ASC
	`
	rows, err := r.pool.Query(ctx, query, target, targetID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []domain.Tag
	for rows.Next() {
		var tag domain.Tag
		if err := rows.Scan(&tag.Target, &tag.TargetID, &tag.Name, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// FindByTag возвращает ID целей с тегом name.
func (r *TemplateRepo) FindByTag(ctx context.Context, target domain.TagTarget, name string) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT target_id FROM tags WHERE target = $1 AND name = $2 ORDER BY target_id
	`, target, name)
	if err != nil {
		return nil, fmt.Errorf("find by tag: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tag target: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
