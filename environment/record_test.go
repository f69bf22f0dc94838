package environment

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_ApplyInOrderOnCopy(t *testing.T) {
	env := &Environment{
		ID:      "env-1",
		State:   StateShutdown,
		Storage: &ResourceRecord{ID: "share-1", Type: ResourceStorageFileShare},
	}

	record, err := NewRecord(env)
	require.NoError(t, err)

	var order []string
	record.Mutate(
		func(e *Environment) error {
			order = append(order, "first")
			e.FriendlyName = "one"
			return nil
		},
		func(e *Environment) error {
			order = append(order, "second")
			e.FriendlyName += "-two"
			e.Storage = &ResourceRecord{ID: "blob-1", Type: ResourceStorageArchive}
			return nil
		},
	)
	assert.Equal(t, 2, record.Pending())

	next, err := record.Apply()
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, "one-two", next.FriendlyName)
	assert.Equal(t, "blob-1", next.Storage.ID)

	// neither the snapshot nor the caller's entity is touched
	assert.Equal(t, "", record.Value().FriendlyName)
	assert.Equal(t, "share-1", record.Value().Storage.ID)
	assert.Equal(t, "share-1", env.Storage.ID)
	assert.Equal(t, StateShutdown, record.OriginalState())
}

func TestRecord_ApplyStopsOnError(t *testing.T) {
	errStop := errors.New("stop")

	record, err := NewRecord(&Environment{ID: "env-1"})
	require.NoError(t, err)

	called := false
	record.Mutate(
		func(e *Environment) error { return errStop },
		func(e *Environment) error { called = true; return nil },
	)

	_, err = record.Apply()
	require.ErrorIs(t, err, errStop)
	assert.False(t, called)
}

func TestClone_PreservesTimes(t *testing.T) {
	stamp := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	env := &Environment{ID: "env-1", LastStateUpdated: stamp, ScheduledArchival: &stamp}

	clone, err := Clone(env)
	require.NoError(t, err)

	assert.True(t, clone.LastStateUpdated.Equal(stamp))
	require.NotNil(t, clone.ScheduledArchival)
	assert.True(t, clone.ScheduledArchival.Equal(stamp))
	assert.NotSame(t, env.ScheduledArchival, clone.ScheduledArchival)
}
