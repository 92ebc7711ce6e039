package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Tapestry/internal/domain"
)

// EventRepo — журнал событий runs.
type EventRepo struct {
	pool *pgxpool.Pool
}

// NewEventRepo создаёт новый EventRepo.
func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// AddEvent добавляет событие.
func (r *EventRepo) AddEvent(ctx context.Context, ev *domain.Event) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	query := `
		INSERT INTO events (id, run_id, doc, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.pool.Exec(ctx, query, ev.ID, ev.RunID, doc, ev.Timestamp); err != nil {
		return insertErr("event", err)
	}
	return nil
}

// ListEvents возвращает последние limit событий run в хронологическом порядке.
func (r *EventRepo) ListEvents(ctx context.Context, runID uuid.UUID, limit int) ([]*domain.Event, error) {
	query := `
		SELECT 0::bigint, doc
		FROM (
			SELECT doc, created_at
			FROM events
			WHERE run_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) latest
		ORDER BY created_at ASC
	`
	events, err := listDocs[domain.Event](ctx, r.pool, nil, query, runID, nullInt(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}
