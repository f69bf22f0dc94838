package environment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxAttempts: 4}
}

// interleavingRepository runs a competing write once, after the caller read
// its snapshot but before its own write lands.
type interleavingRepository struct {
	*MemoryRepository
	once    sync.Once
	compete func()
}

func (r *interleavingRepository) Update(ctx context.Context, env *Environment) (*Environment, error) {
	r.once.Do(r.compete)

	return r.MemoryRepository.Update(ctx, env)
}

type alwaysConflictingRepository struct {
	*MemoryRepository
	updates atomic.Int32
}

func (r *alwaysConflictingRepository) Update(ctx context.Context, env *Environment) (*Environment, error) {
	r.updates.Add(1)

	return nil, ErrConflict
}

func TestMemoryRepository_OptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	created, err := repo.Create(ctx, &Environment{ID: "env-1", State: StateCreated})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	first := *created
	first.FriendlyName = "first"
	updated, err := repo.Update(ctx, &first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	stale := *created
	stale.FriendlyName = "stale"
	_, err = repo.Update(ctx, &stale)
	require.ErrorIs(t, err, ErrConflict)

	got, err := repo.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.FriendlyName)
}

func TestMemoryRepository_CreateDuplicateAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	_, err := repo.Create(ctx, &Environment{ID: "env-1"})
	require.NoError(t, err)

	_, err = repo.Create(ctx, &Environment{ID: "env-1"})
	require.ErrorIs(t, err, ErrAlreadyExists)

	deleted, err := repo.Delete(ctx, "env-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.Delete(ctx, "env-1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = repo.Get(ctx, "env-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateWithRetry_RetriesAgainstFreshSnapshot(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryRepository()
	_, err := mem.Create(ctx, &Environment{ID: "env-1", State: StateShutdown})
	require.NoError(t, err)

	repo := &interleavingRepository{MemoryRepository: mem}
	repo.compete = func() {
		_, err := UpdateWithRetry(ctx, mem, fastPolicy(), "env-1", func(e *Environment) error {
			e.PlanID = "plan-a"
			return nil
		})
		require.NoError(t, err)
	}

	var calls int
	var seenPlans []string
	updated, err := UpdateWithRetry(ctx, repo, fastPolicy(), "env-1", func(e *Environment) error {
		calls++
		seenPlans = append(seenPlans, e.PlanID)
		e.FriendlyName = "b"
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"", "plan-a"}, seenPlans)
	assert.Equal(t, "plan-a", updated.PlanID)
	assert.Equal(t, "b", updated.FriendlyName)
	assert.Equal(t, int64(3), updated.Version)
}

func TestUpdateWithRetry_StateChangedByOtherWriter(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryRepository()
	_, err := mem.Create(ctx, &Environment{ID: "env-1", State: StateShutdown})
	require.NoError(t, err)

	repo := &interleavingRepository{MemoryRepository: mem}
	repo.compete = func() {
		_, err := UpdateWithRetry(ctx, mem, fastPolicy(), "env-1", func(e *Environment) error {
			return Transition(e, StateQueued, "resume", time.Now())
		})
		require.NoError(t, err)
	}

	errNotShutdown := errors.New("not shutdown")
	_, err = UpdateWithRetry(ctx, repo, fastPolicy(), "env-1", func(e *Environment) error {
		if e.State != StateShutdown {
			return errNotShutdown
		}
		return Transition(e, StateArchived, "archive", time.Now())
	})
	require.ErrorIs(t, err, errNotShutdown)

	got, err := mem.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
}

func TestUpdateWithRetry_Exhausted(t *testing.T) {
	ctx := context.Background()
	repo := &alwaysConflictingRepository{MemoryRepository: NewMemoryRepository()}
	_, err := repo.Create(ctx, &Environment{ID: "env-1"})
	require.NoError(t, err)

	_, err = UpdateWithRetry(ctx, repo, fastPolicy(), "env-1", func(e *Environment) error { return nil })
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(4), repo.updates.Load())
}

func TestUpdateWithRetry_NotFound(t *testing.T) {
	_, err := UpdateWithRetry(context.Background(), NewMemoryRepository(), fastPolicy(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ConcurrentWritersNeverLoseUpdates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_, err := repo.Create(ctx, &Environment{ID: "env-1"})
	require.NoError(t, err)

	store := NewStore(repo, RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxAttempts: 200})

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateWithRetry(ctx, "env-1", func(e *Environment) error {
				e.FriendlyName += "x"
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Len(t, got.FriendlyName, writers)
	assert.Equal(t, int64(writers+1), got.Version)
}
