package environment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var _ Repository = (*SQLiteRepository)(nil)

// SQLiteRepository is a single-node document store used for local runs and
// tests. Writes are serialized; the version column provides the same
// optimistic semantics as the Postgres repository.
type SQLiteRepository struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRepository opens dsn (":memory:" for a private in-memory database)
// and applies the schema.
func NewSQLiteRepository(ctx context.Context, dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode=WAL;")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout=5000;")
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunSQLiteMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Environment, error) {
	const query = `SELECT document, version FROM environments WHERE id = ?`

	var (
		document []byte
		version  int64
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(&document, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select environment %s: %w", id, err)
	}

	var env Environment
	if err := json.Unmarshal(document, &env); err != nil {
		return nil, fmt.Errorf("unmarshal environment: %w", err)
	}
	env.Version = version

	return &env, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, env *Environment) (*Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

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
INSERT INTO environments (id, state, version, is_deleted, document, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		doc.ID, string(doc.State), doc.Version, boolToInt(doc.IsDeleted), document, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrAlreadyExists
		}

		return nil, fmt.Errorf("insert environment %s: %w", doc.ID, err)
	}

	return &doc, nil
}

func (r *SQLiteRepository) Update(ctx context.Context, env *Environment) (*Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	doc := *env
	doc.Version = env.Version + 1
	doc.Updated = now

	document, err := json.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshal environment: %w", err)
	}

	const query = `
UPDATE environments
SET state = ?, version = ?, is_deleted = ?, document = ?, updated_at = ?
WHERE id = ? AND version = ?`

	res, err := r.db.ExecContext(ctx, query,
		string(doc.State), doc.Version, boolToInt(doc.IsDeleted), document, now, doc.ID, env.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update environment %s: %w", doc.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	if affected == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM environments WHERE id = ?`, doc.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, ErrConflict
	}

	return &doc, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete environment %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
