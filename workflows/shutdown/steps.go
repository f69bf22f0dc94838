package shutdown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
)

func computeID(env *environment.Environment, data *Data) string {
	if data.ComputeID != "" {
		return data.ComputeID
	}

	if env.Compute != nil {
		return env.Compute.ID
	}

	return ""
}

// checkComputeCleanupStatus asks the compute to suspend on the first visit and
// then waits until the broker reports the graceful cleanup finished.
func (w *Workflow) checkComputeCleanupStatus(ctx context.Context, env *environment.Environment, data *Data) (continuation.Result, error) {
	id := computeID(env, data)
	if id == "" {
		return continuation.Next(StateMarkShutdown, 0), nil
	}

	var state broker.OperationState

	if !data.SuspendRequested {
		var err error
		state, err = w.deps.Broker.Suspend(ctx, env.ID, id)
		if errors.Is(err, broker.ErrNotFound) {
			return continuation.Next(StateComputeDelete, 0), nil
		}
		if err != nil {
			return continuation.Result{}, fmt.Errorf("suspend compute %s: %w", id, err)
		}
		data.SuspendRequested = true
	} else {
		statuses, err := w.deps.Broker.Status(ctx, env.ID, []string{id})
		if errors.Is(err, broker.ErrNotFound) {
			return continuation.Next(StateComputeDelete, 0), nil
		}
		if err != nil {
			return continuation.Result{}, fmt.Errorf("compute status %s: %w", id, err)
		}
		if len(statuses) == 0 {
			return continuation.Failedf("%s: broker returned no status for compute %s", ReasonComputeCleanupFailed, id), nil
		}
		state = statuses[0].CleanupStatus
	}

	switch {
	case state == broker.StateSucceeded:
		return continuation.Next(StateComputeDelete, 0), nil
	case state.IsPending():
		return continuation.Retry(w.cfg.PollInterval), nil
	default:
		return continuation.Failedf("%s: cleanup status %s", ReasonComputeCleanupFailed, state), nil
	}
}

// computeDelete is safe to replay: a compute that is already gone counts as
// deleted.
func (w *Workflow) computeDelete(ctx context.Context, env *environment.Environment, data *Data) (continuation.Result, error) {
	id := computeID(env, data)
	if id == "" {
		return continuation.Next(StateMarkShutdown, 0), nil
	}

	if err := broker.IgnoreNotFound(w.deps.Broker.Delete(ctx, env.ID, []string{id})); err != nil {
		return continuation.Result{}, fmt.Errorf("delete compute %s: %w", id, err)
	}

	return continuation.Next(StateCheckComputeDeleteStatus, w.cfg.PollInterval), nil
}

func (w *Workflow) checkComputeDeleteStatus(ctx context.Context, env *environment.Environment, data *Data) (continuation.Result, error) {
	id := computeID(env, data)
	if id == "" {
		return continuation.Next(StateMarkShutdown, 0), nil
	}

	_, err := w.deps.Broker.Status(ctx, env.ID, []string{id})
	if errors.Is(err, broker.ErrNotFound) {
		return continuation.Next(StateMarkShutdown, 0), nil
	}
	if err != nil {
		return continuation.Result{}, fmt.Errorf("compute status %s: %w", id, err)
	}

	return continuation.Retry(w.cfg.PollInterval), nil
}

func (w *Workflow) markShutdown(ctx context.Context, env *environment.Environment, data *Data, reason string) (continuation.Result, error) {
	log := w.logger.With(zap.String("environment_id", env.ID))

	var archiveAt *time.Time
	if w.cfg.DynamicArchival && w.deps.Archival != nil {
		at, err := w.deps.Archival.NextArchival(ctx, env)
		if err != nil {
			log.Warn("compute archival time", zap.Error(err))
		} else {
			at = at.UTC()
			archiveAt = &at
		}
	}

	var sessionID string
	now := w.now()
	deletedCompute := computeID(env, data)

	_, err := w.deps.Store.UpdateWithRetry(ctx, env.ID, func(e *environment.Environment) error {
		sessionID = ""
		if e.Connection != nil {
			sessionID = e.Connection.SessionID
		}

		if e.Compute != nil && (deletedCompute == "" || e.Compute.ID == deletedCompute) {
			e.Compute = nil
		}
		e.Heartbeat = nil
		e.Connection = nil
		if archiveAt != nil {
			e.ScheduledArchival = archiveAt
		}

		return environment.Transition(e, environment.StateShutdown, reason, now)
	})
	if err != nil {
		return continuation.Result{}, fmt.Errorf("mark environment shutdown: %w", err)
	}

	if sessionID != "" && w.deps.Sessions != nil {
		if err := w.deps.Sessions.DeleteSession(ctx, sessionID); err != nil {
			log.Warn("delete session", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	log.Info("environment shut down")

	return continuation.Succeeded(), nil
}
