package start

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
)

// cleanupCreate tears down everything a failed create allocated and leaves the
// entity Failed.
func (w *Workflow) cleanupCreate(ctx context.Context, environmentID string, data *Data, result continuation.Result) error {
	log := w.logger.With(zap.String("environment_id", environmentID), zap.String("action", string(data.Action)))

	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, r := range data.Allocated {
		add(r.ID)
	}
	for _, id := range data.StaleResources {
		add(id)
	}

	sessionID := data.SessionID

	env, err := w.deps.Store.Get(ctx, environmentID)
	switch {
	case errors.Is(err, environment.ErrNotFound):
		env = nil
	case err != nil:
		return fmt.Errorf("load environment for cleanup: %w", err)
	}

	if env != nil {
		for _, r := range env.Resources() {
			add(r.ID)
		}
		if sessionID == "" && env.Connection != nil {
			sessionID = env.Connection.SessionID
		}
	}

	var errs []error

	if len(ids) > 0 {
		log.Info("deleting resources of failed create", zap.Strings("resource_ids", ids))

		if err := broker.IgnoreNotFound(w.deps.Broker.Delete(ctx, environmentID, ids)); err != nil {
			errs = append(errs, fmt.Errorf("delete resources: %w", err))
		}
	}

	if sessionID != "" {
		if err := w.deps.Sessions.DeleteSession(ctx, sessionID); err != nil {
			errs = append(errs, fmt.Errorf("delete session %s: %w", sessionID, err))
		}
	}

	if env != nil {
		now := w.now()
		_, err := w.deps.Store.UpdateWithRetry(ctx, environmentID, func(e *environment.Environment) error {
			e.Compute = nil
			e.Storage = nil
			e.ArchivedStorage = nil
			e.OSDisk = nil
			e.OSDiskSnapshot = nil
			e.Connection = nil
			e.Heartbeat = nil

			return environment.Transition(e, environment.StateFailed, result.ErrorReason, now)
		})
		if err != nil && !errors.Is(err, environment.ErrNotFound) {
			errs = append(errs, fmt.Errorf("mark environment failed: %w", err))
		}
	}

	return errors.Join(errs...)
}

// cleanupExisting rolls back what a failed resume, export or update restored
// and hands the environment to the repair workflow. The environment itself is
// never deleted.
func (w *Workflow) cleanupExisting(ctx context.Context, environmentID string, data *Data, result continuation.Result) error {
	log := w.logger.With(zap.String("environment_id", environmentID), zap.String("action", string(data.Action)))

	var (
		derived []string
		errs    []error
	)

	_, err := w.deps.Store.UpdateWithRetry(ctx, environmentID, func(e *environment.Environment) error {
		derived = derived[:0]

		if e.OSDisk != nil && e.OSDiskSnapshot != nil && data.allocated(e.OSDisk.ID) {
			derived = append(derived, e.OSDisk.ID)
			e.OSDisk = nil
		}

		if e.ArchivedStorage != nil {
			if e.Storage != nil {
				derived = append(derived, e.Storage.ID)
			}
			e.Storage = e.ArchivedStorage
			e.ArchivedStorage = nil
		}

		if data.SessionID != "" && e.Connection != nil && e.Connection.SessionID == data.SessionID {
			e.Connection = nil
		}

		return nil
	})
	switch {
	case errors.Is(err, environment.ErrNotFound):
		return nil
	case err != nil:
		errs = append(errs, fmt.Errorf("revert restored resources: %w", err))
	}

	derived = append(derived, data.StaleResources...)
	if len(derived) > 0 {
		log.Info("deleting resources restored by failed start", zap.Strings("resource_ids", derived))

		if err := broker.IgnoreNotFound(w.deps.Broker.Delete(ctx, environmentID, derived)); err != nil {
			errs = append(errs, fmt.Errorf("delete restored resources: %w", err))
		}
	}

	if data.SessionID != "" {
		if err := w.deps.Sessions.DeleteSession(ctx, data.SessionID); err != nil {
			errs = append(errs, fmt.Errorf("delete session %s: %w", data.SessionID, err))
		}
	}

	if err := w.deps.Repairer.Repair(ctx, environmentID, fmt.Sprintf("%s: %s", data.Action, result.ErrorReason)); err != nil {
		errs = append(errs, fmt.Errorf("repair environment: %w", err))
	}

	return errors.Join(errs...)
}
