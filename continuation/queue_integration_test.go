package continuation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/internal/testdb"
)

// exerciseQueue checks the lease contract every durable backend must honour.
func exerciseQueue(t *testing.T, queue Queue, visibility time.Duration) {
	t.Helper()

	ctx := context.Background()

	payload, err := NewPayload("shutdown", "env-42", "integration", "ComputeDelete", map[string]bool{"force": true})
	require.NoError(t, err)
	payload.Initialized = true

	require.NoError(t, queue.Enqueue(ctx, payload, 0))
	require.NoError(t, queue.Enqueue(ctx, mustPayload(t, "Delayed"), time.Hour))

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, err := queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, payload.ID, first.Payload.ID)
	assert.Equal(t, "ComputeDelete", first.Payload.State)
	assert.True(t, first.Payload.Initialized)
	assert.Equal(t, 1, first.Deliveries)

	none, err := queue.Dequeue(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, none)

	time.Sleep(visibility + 200*time.Millisecond)

	second, err := queue.Dequeue(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Deliveries)

	assert.ErrorIs(t, queue.Complete(ctx, first), ErrLeaseLost)

	require.NoError(t, queue.Release(ctx, second, 0))

	third, err := queue.Dequeue(ctx, "w3")
	require.NoError(t, err)
	require.NotNil(t, third)
	require.NoError(t, queue.Complete(ctx, third))

	n, err = queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, queue.Enqueue(ctx, mustPayload(t, "Step"), 0))

	leased, err := queue.Dequeue(ctx, "w4")
	require.NoError(t, err)
	require.NotNil(t, leased)

	time.Sleep(visibility + 200*time.Millisecond)

	owner, err := queue.Dequeue(ctx, "w5")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, leased.ID, owner.ID)

	assert.ErrorIs(t, queue.Advance(ctx, leased, mustPayload(t, "Forked"), 0), ErrLeaseLost)
	require.NoError(t, queue.Advance(ctx, owner, mustPayload(t, "Successor"), 0))

	n, err = queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the delayed job plus exactly one successor")

	successor, err := queue.Dequeue(ctx, "w6")
	require.NoError(t, err)
	require.NotNil(t, successor)
	assert.Equal(t, "Successor", successor.Payload.State)
}

func TestPostgresQueue_LeaseContract(t *testing.T) {
	pool := testdb.Postgres(t)

	exerciseQueue(t, NewPostgresQueue(pool, time.Second), time.Second)
}

func TestRedisQueue_LeaseContract(t *testing.T) {
	client := testdb.Redis(t)

	exerciseQueue(t, NewRedisQueue(client, "test:continuations", time.Second), time.Second)
}
