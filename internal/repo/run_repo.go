package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Tapestry/internal/domain"
)

// RunRepo — репозиторий для работы с runs.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

// insertRun вставляет run в рамках транзакции графа.
func insertRun(ctx context.Context, q querier, run *domain.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	query := `
		INSERT INTO runs (id, revision, root_id, parent_id, is_leaf, status, doc, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = q.Exec(ctx, query,
		run.ID,
		run.Revision,
		run.RootID,
		nullUUID(run.ParentID),
		run.IsLeaf,
		run.Status,
		doc,
		run.CreatedAt,
	)
	if err != nil {
		return insertErr("run", err)
	}
	return nil
}

// GetRun возвращает run по ID.
func (r *RunRepo) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	run, revision, err := getDoc[domain.Run](ctx, r.pool,
		`SELECT revision, doc FROM runs WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	run.Revision = revision
	return run, nil
}

// UpdateRun условно обновляет run.
func (r *RunRepo) UpdateRun(ctx context.Context, run *domain.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	if err := conditionalUpdate(ctx, r.pool, "runs", run.ID, run.Revision,
		"status = $3, doc = $4", run.Status, doc); err != nil {
		return err
	}
	run.Revision++
	return nil
}

// ListRuns возвращает runs по фильтру в порядке создания.
func (r *RunRepo) ListRuns(ctx context.Context, filter RunFilter) ([]*domain.Run, error) {
	query := `
		SELECT revision, doc
		FROM runs
		WHERE ($1::uuid IS NULL OR root_id = $1)
		  AND ($2::uuid IS NULL OR parent_id = $2)
		  AND ($3::text[] IS NULL OR status = ANY($3))
		  AND ($4::boolean IS NULL OR is_leaf = $4)
		ORDER BY created_at ASC, id ASC
		LIMIT $5
	`
	runs, err := listDocs(ctx, r.pool, func(run *domain.Run, rev int64) { run.Revision = rev }, query,
		nullUUID(filter.RootID),
		nullUUID(filter.ParentID),
		statusStrings(filter.Statuses),
		filter.Leaf,
		nullInt(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
