package environment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Repository is the document store holding environment entities.
//
// Update is optimistic: it succeeds only when the stored Version equals the
// Version of the document being written, and returns ErrConflict otherwise.
// Because every accepted write bumps the version, a matching version also
// guarantees the persisted state is still the state the caller loaded.
type Repository interface {
	Get(ctx context.Context, id string) (*Environment, error)
	Create(ctx context.Context, env *Environment) (*Environment, error)
	Update(ctx context.Context, env *Environment) (*Environment, error)
	Delete(ctx context.Context, id string) (bool, error)
}

type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxAttempts:     8,
	}
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// Store couples a Repository with the retry policy used for read-modify-write
// cycles.
type Store struct {
	Repository
	policy RetryPolicy
}

func NewStore(repo Repository, policy RetryPolicy) *Store {
	return &Store{Repository: repo, policy: policy}
}

func (s *Store) UpdateWithRetry(ctx context.Context, id string, mutations ...Mutation) (*Environment, error) {
	return UpdateWithRetry(ctx, s.Repository, s.policy, id, mutations...)
}

// UpdateWithRetry loads the entity, applies mutations in order and writes it
// back. A conflicting write restarts the whole cycle against a fresh snapshot
// until the policy gives up, in which case ErrRetriesExhausted is returned.
// Errors returned by a mutation abort the loop and are returned as is.
func UpdateWithRetry(
	ctx context.Context,
	repo Repository,
	policy RetryPolicy,
	id string,
	mutations ...Mutation,
) (*Environment, error) {
	var (
		updated  *Environment
		attempts int
	)

	operation := func() error {
		attempts++

		current, err := repo.Get(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}

		record, err := NewRecord(current)
		if err != nil {
			return backoff.Permanent(err)
		}
		record.Mutate(mutations...)

		next, err := record.Apply()
		if err != nil {
			return backoff.Permanent(err)
		}

		written, err := repo.Update(ctx, next)
		if errors.Is(err, ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}

		updated = written

		return nil
	}

	err := backoff.Retry(operation, policy.newBackOff(ctx))
	if errors.Is(err, ErrConflict) {
		return nil, fmt.Errorf("%w: environment %s after %d attempts", ErrRetriesExhausted, id, attempts)
	}
	if err != nil {
		return nil, err
	}

	return updated, nil
}
