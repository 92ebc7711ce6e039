package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Tapestry/internal/datatree"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/guard"
)

// querier — общее у пула и транзакции.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore — Store поверх PostgreSQL.
//
// Каждая сущность хранится строкой с индексируемыми колонками и
// полным документом в jsonb. Ревизия — отдельная колонка.
type PostgresStore struct {
	pool *pgxpool.Pool

	*TemplateRepo
	*RunRepo
	*TreeRepo
	*TaskRepo
	*EventRepo
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore создаёт Store поверх пула.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:         pool,
		TemplateRepo: NewTemplateRepo(pool),
		RunRepo:      NewRunRepo(pool),
		TreeRepo:     NewTreeRepo(pool),
		TaskRepo:     NewTaskRepo(pool),
		EventRepo:    NewEventRepo(pool),
	}
}

// CreateRunGraph сохраняет runs и деревья в одной транзакции.
func (s *PostgresStore) CreateRunGraph(ctx context.Context, runs []*domain.Run, trees []*datatree.Record) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, run := range runs {
			if err := insertRun(ctx, tx, run); err != nil {
				return err
			}
		}
		for _, rec := range trees {
			if err := insertTree(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateTaskBundle создаёт task, task-run и первую попытку в одной транзакции.
func (s *PostgresStore) CreateTaskBundle(ctx context.Context, task *domain.Task, run *domain.TaskRun, attempt *domain.TaskAttempt) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertTask(ctx, tx, task); err != nil {
			return err
		}
		if err := insertTaskRun(ctx, tx, run); err != nil {
			return err
		}
		return insertAttempt(ctx, tx, attempt)
	})
}

// AppendAttempt условно обновляет task-run и создаёт попытку.
func (s *PostgresStore) AppendAttempt(ctx context.Context, run *domain.TaskRun, attempt *domain.TaskAttempt) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := updateTaskRun(ctx, tx, run); err != nil {
			return err
		}
		return insertAttempt(ctx, tx, attempt)
	})
	if err != nil {
		return err
	}
	run.Revision++
	return nil
}

// --- Helpers ---

// isUniqueViolation проверяет нарушение уникальности (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// insertErr переводит ошибку вставки в ошибки репозитория.
func insertErr(what string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("insert %s: %w", what, ErrAlreadyExists)
	}
	return fmt.Errorf("insert %s: %w", what, err)
}

// conditionalUpdate выполняет UPDATE с проверкой ревизии.
//
// set — выражение SET с плейсхолдерами начиная с $3.
// Ноль затронутых строк: ErrNotFound, если записи нет, иначе guard.ErrConflict.
func conditionalUpdate(ctx context.Context, q querier, table string, id uuid.UUID, revision int64, set string, args ...any) error {
	query := fmt.Sprintf(`UPDATE %s SET revision = revision + 1, %s WHERE id = $1 AND revision = $2`, table, set)
	result, err := q.Exec(ctx, query, append([]any{id, revision}, args...)...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = q.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table), id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	if !exists {
		return ErrNotFound
	}
	return guard.ErrConflict
}

// getDoc читает ревизию и документ одной строки.
func getDoc[T any](ctx context.Context, q querier, query string, args ...any) (*T, int64, error) {
	var (
		revision int64
		doc      []byte
	)
	err := q.QueryRow(ctx, query, args...).Scan(&revision, &doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("scan: %w", err)
	}

	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, 0, fmt.Errorf("unmarshal doc: %w", err)
	}
	return &v, revision, nil
}

// listDocs читает строки (revision, doc); setRevision переносит ревизию в объект.
func listDocs[T any](ctx context.Context, q querier, setRevision func(*T, int64), query string, args ...any) ([]*T, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var (
			revision int64
			doc      []byte
		)
		if err := rows.Scan(&revision, &doc); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("unmarshal doc: %w", err)
		}
		if setRevision != nil {
			setRevision(&v, revision)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}

// nullInt возвращает nil для нуля (LIMIT NULL — без ограничения).
func nullInt(i int) *int {
	if i <= 0 {
		return nil
	}
	return &i
}

// statusStrings переводит статусы в text[]; пустой список — NULL.
func statusStrings[S ~string](statuses []S) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
