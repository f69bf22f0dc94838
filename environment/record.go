package environment

import (
	"fmt"

	"github.com/tiendc/go-deepcopy"
)

// Mutation is a pure change applied to a fresh copy of the entity right before
// it is written. Returning an error aborts the write.
type Mutation func(env *Environment) error

// Record wraps one loaded snapshot of an environment together with the
// mutations queued against it. It is owned by the step that loaded it and is
// never persisted.
type Record struct {
	snapshot      *Environment
	originalState State
	mutations     []Mutation
}

func NewRecord(env *Environment) (*Record, error) {
	snapshot, err := Clone(env)
	if err != nil {
		return nil, err
	}

	return &Record{
		snapshot:      snapshot,
		originalState: env.State,
	}, nil
}

// Value returns the snapshot as loaded. Callers must not modify it.
func (r *Record) Value() *Environment {
	return r.snapshot
}

func (r *Record) OriginalState() State {
	return r.originalState
}

func (r *Record) Version() int64 {
	return r.snapshot.Version
}

// Mutate queues m. Mutations run in the order they were queued.
func (r *Record) Mutate(m ...Mutation) {
	r.mutations = append(r.mutations, m...)
}

func (r *Record) Pending() int {
	return len(r.mutations)
}

// Apply runs every queued mutation, in order, on a copy of the snapshot and
// returns the copy ready to be written.
func (r *Record) Apply() (*Environment, error) {
	next, err := Clone(r.snapshot)
	if err != nil {
		return nil, err
	}

	for i, m := range r.mutations {
		if err := m(next); err != nil {
			return nil, fmt.Errorf("mutation %d: %w", i, err)
		}
	}

	return next, nil
}

// Clone returns a deep copy of env.
func Clone(env *Environment) (*Environment, error) {
	if env == nil {
		return nil, nil
	}

	var clone Environment
	if err := deepcopy.Copy(&clone, env); err != nil {
		return nil, fmt.Errorf("clone environment %s: %w", env.ID, err)
	}

	return &clone, nil
}
