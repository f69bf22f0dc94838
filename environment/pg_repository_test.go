package environment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/internal/testdb"
)

func TestPostgresRepository_OptimisticUpdates(t *testing.T) {
	pool := testdb.Postgres(t)
	repo := NewPostgresRepository(pool)
	ctx := context.Background()

	stamp := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	created, err := repo.Create(ctx, &Environment{
		FriendlyName:     "pg",
		State:            StateShutdown,
		LastStateUpdated: stamp,
		Storage:          &ResourceRecord{ID: "share-9", Type: ResourceStorageFileShare, IsReady: true},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, int64(1), created.Version)

	_, err = repo.Create(ctx, &Environment{ID: created.ID})
	require.ErrorIs(t, err, ErrAlreadyExists)

	stale, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, stale.LastStateUpdated.Equal(stamp))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := UpdateWithRetry(ctx, repo, RetryPolicy{
				InitialInterval: time.Millisecond,
				MaxInterval:     20 * time.Millisecond,
				MaxAttempts:     50,
			}, created.ID, func(e *Environment) error {
				e.FriendlyName += "+"

				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "pg++++++++", got.FriendlyName)
	assert.Equal(t, int64(9), got.Version)

	_, err = repo.Update(ctx, stale)
	require.ErrorIs(t, err, ErrConflict)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	deleted, err := repo.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
}
