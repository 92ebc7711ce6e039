package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Tapestry/internal/datatree"
)

// TreeRepo — репозиторий деревьев данных.
type TreeRepo struct {
	pool *pgxpool.Pool
}

// NewTreeRepo создаёт новый TreeRepo.
func NewTreeRepo(pool *pgxpool.Pool) *TreeRepo {
	return &TreeRepo{pool: pool}
}

func insertTree(ctx context.Context, q querier, rec *datatree.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal tree: %w", err)
	}

	query := `
		INSERT INTO data_trees (id, revision, owner_run_id, channel, doc)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := q.Exec(ctx, query, rec.ID, rec.Revision, rec.OwnerRunID, rec.Channel, doc); err != nil {
		return insertErr("tree", err)
	}
	return nil
}

// GetTree возвращает дерево по ID.
func (r *TreeRepo) GetTree(ctx context.Context, id uuid.UUID) (*datatree.Record, error) {
	rec, revision, err := getDoc[datatree.Record](ctx, r.pool,
		`SELECT revision, doc FROM data_trees WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	rec.Revision = revision
	return rec, nil
}

// UpdateTree условно обновляет дерево.
func (r *TreeRepo) UpdateTree(ctx context.Context, rec *datatree.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal tree: %w", err)
	}

	if err := conditionalUpdate(ctx, r.pool, "data_trees", rec.ID, rec.Revision, "doc = $3", doc); err != nil {
		return err
	}
	rec.Revision++
	return nil
}
