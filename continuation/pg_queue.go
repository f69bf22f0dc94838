package continuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Queue = (*PostgresQueue)(nil)

// PostgresQueue keeps jobs in workspaces.continuation_queue. Workers lease rows
// with FOR UPDATE SKIP LOCKED; an expired lease makes the row due again.
type PostgresQueue struct {
	pool       *pgxpool.Pool
	visibility time.Duration
}

func NewPostgresQueue(pool *pgxpool.Pool, visibility time.Duration) *PostgresQueue {
	return &PostgresQueue{pool: pool, visibility: visibility}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, payload *Payload, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	const query = `
INSERT INTO workspaces.continuation_queue (payload_id, workflow, environment_id, payload, scheduled_at)
VALUES ($1, $2, $3, $4, $5)`

	_, err = q.pool.Exec(ctx, query,
		payload.ID, payload.Kind, payload.EnvironmentID, data, time.Now().Add(delay),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", payload.ID, err)
	}

	return nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	const query = `
WITH next_item AS (
	SELECT id
	FROM workspaces.continuation_queue
	WHERE scheduled_at <= $1 AND (leased_until IS NULL OR leased_until <= $1)
	ORDER BY scheduled_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE workspaces.continuation_queue
SET leased_until = $2, lease_token = $3, deliveries = deliveries + 1
FROM next_item
WHERE workspaces.continuation_queue.id = next_item.id
RETURNING workspaces.continuation_queue.id, payload, deliveries`

	now := time.Now()
	token := workerID + ":" + uuid.NewString()

	var (
		id         int64
		data       []byte
		deliveries int
	)

	err := q.pool.QueryRow(ctx, query, now, now.Add(q.visibility), token).Scan(&id, &data, &deliveries)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload %d: %w", id, err)
	}

	return &Job{
		ID:         strconv.FormatInt(id, 10),
		Payload:    &payload,
		LeaseToken: token,
		Deliveries: deliveries,
	}, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, job *Job) error {
	const query = `DELETE FROM workspaces.continuation_queue WHERE id = $1 AND lease_token = $2`

	id, err := strconv.ParseInt(job.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse job id %q: %w", job.ID, err)
	}

	tag, err := q.pool.Exec(ctx, query, id, job.LeaseToken)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}

	return nil
}

func (q *PostgresQueue) Advance(ctx context.Context, job *Job, next *Payload, delay time.Duration) error {
	id, err := strconv.ParseInt(job.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse job id %q: %w", job.ID, err)
	}

	var data []byte
	if next != nil {
		if data, err = json.Marshal(next); err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin advance of job %s: %w", job.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM workspaces.continuation_queue WHERE id = $1 AND lease_token = $2`,
		id, job.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}

	if next != nil {
		const insert = `
INSERT INTO workspaces.continuation_queue (payload_id, workflow, environment_id, payload, scheduled_at)
VALUES ($1, $2, $3, $4, $5)`

		_, err = tx.Exec(ctx, insert,
			next.ID, next.Kind, next.EnvironmentID, data, time.Now().Add(delay),
		)
		if err != nil {
			return fmt.Errorf("enqueue successor of job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit advance of job %s: %w", job.ID, err)
	}

	return nil
}

func (q *PostgresQueue) Release(ctx context.Context, job *Job, delay time.Duration) error {
	const query = `
UPDATE workspaces.continuation_queue
SET scheduled_at = $3, leased_until = NULL, lease_token = NULL
WHERE id = $1 AND lease_token = $2`

	id, err := strconv.ParseInt(job.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse job id %q: %w", job.ID, err)
	}

	tag, err := q.pool.Exec(ctx, query, id, job.LeaseToken, time.Now().Add(delay))
	if err != nil {
		return fmt.Errorf("release job %s: %w", job.ID, err)
	}

	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}

	return nil
}

func (q *PostgresQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.pool.QueryRow(ctx, `SELECT COUNT(*) FROM workspaces.continuation_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}

	return n, nil
}
