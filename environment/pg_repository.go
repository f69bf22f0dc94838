package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Repository = (*PostgresRepository)(nil)

const pgUniqueViolation = "23505"

// Executor is the subset of pgx used by the repository; both *pgxpool.Pool and
// pgx.Tx satisfy it.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores every environment as a JSONB document next to its
// version column. Update is a conditional write on that column.
type PostgresRepository struct {
	db Executor
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool}
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Environment, error) {
	const query = `
SELECT document, version, created_at, updated_at
FROM workspaces.environments
WHERE id = $1`

	var (
		document []byte
		version  int64
		created  time.Time
		updated  time.Time
	)

	err := r.db.QueryRow(ctx, query, id).Scan(&document, &version, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select environment %s: %w", id, err)
	}

	return decodeDocument(document, version, created, updated)
}

func (r *PostgresRepository) Create(ctx context.Context, env *Environment) (*Environment, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	doc := *env
	doc.Version = 1
	doc.Created = now
	doc.Updated = now

	document, err := json.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshal environment: %w", err)
	}

	const query = `
INSERT INTO workspaces.environments (id, state, version, is_deleted, document, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)`

	_, err = r.db.Exec(ctx, query, doc.ID, doc.State, doc.Version, doc.IsDeleted, document, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrAlreadyExists
		}

		return nil, fmt.Errorf("insert environment %s: %w", doc.ID, err)
	}

	return &doc, nil
}

func (r *PostgresRepository) Update(ctx context.Context, env *Environment) (*Environment, error) {
	now := time.Now().UTC()
	doc := *env
	doc.Version = env.Version + 1
	doc.Updated = now

	document, err := json.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshal environment: %w", err)
	}

	const query = `
UPDATE workspaces.environments
SET state = $3, version = $4, is_deleted = $5, document = $6, updated_at = $7
WHERE id = $1 AND version = $2`

	tag, err := r.db.Exec(ctx, query, doc.ID, env.Version, doc.State, doc.Version, doc.IsDeleted, document, now)
	if err != nil {
		return nil, fmt.Errorf("update environment %s: %w", doc.ID, err)
	}

	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, doc.ID); err != nil {
			return nil, err
		}

		return nil, ErrConflict
	}

	return &doc, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) (bool, error) {
	const query = `DELETE FROM workspaces.environments WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("delete environment %s: %w", id, err)
	}

	return tag.RowsAffected() > 0, nil
}

func decodeDocument(document []byte, version int64, created, updated time.Time) (*Environment, error) {
	var env Environment
	if err := json.Unmarshal(document, &env); err != nil {
		return nil, fmt.Errorf("unmarshal environment: %w", err)
	}

	env.Version = version
	env.Created = created.UTC()
	env.Updated = updated.UTC()

	return &env, nil
}
