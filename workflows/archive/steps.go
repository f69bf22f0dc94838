package archive

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
)

// allocate requests the cold storage resource. The record lives on the
// payload until the final swap.
func (w *Workflow) allocate(
	ctx context.Context,
	env *environment.Environment,
	data *Data,
	typ environment.ResourceType,
	sku string,
) (continuation.Result, error) {
	if data.Archive == nil {
		records, err := w.deps.Broker.Allocate(ctx, env.ID, []broker.AllocateRequest{{
			Type:             typ,
			SKU:              sku,
			Location:         env.Location,
			SourceResourceID: data.Source.ID,
		}})
		if err != nil {
			return continuation.Failedf("%s: %v", ReasonAllocationFailed, err), nil
		}
		if len(records) != 1 {
			return continuation.Failedf("%s: broker returned %d records", ReasonAllocationFailed, len(records)), nil
		}

		data.Archive = records[0]
	}

	return continuation.Next(StateStartStorageBlob, 0), nil
}

func (w *Workflow) startStorageBlob(ctx context.Context, env *environment.Environment, data *Data) (continuation.Result, error) {
	if data.Archive == nil {
		return continuation.Failedf("%s: no archive allocated", ReasonStartFailed), nil
	}

	err := w.deps.Broker.Start(ctx, env.ID, broker.ActionStartArchive, broker.StartRequest{
		ResourceID: data.Archive.ID,
		SourceID:   data.Source.ID,
	})
	if err != nil {
		return continuation.Failedf("%s: %v", ReasonStartFailed, err), nil
	}

	return continuation.Next(StateCheckStartStorageBlob, w.cfg.PollInterval), nil
}

func (w *Workflow) checkStartStorageBlob(ctx context.Context, env *environment.Environment, data *Data) (continuation.Result, error) {
	statuses, err := w.deps.Broker.Status(ctx, env.ID, []string{data.Archive.ID})
	if errors.Is(err, broker.ErrNotFound) {
		return continuation.Failedf("%s: archive %s not found", ReasonCopyFailed, data.Archive.ID), nil
	}
	if err != nil {
		return continuation.Result{}, fmt.Errorf("archive status: %w", err)
	}

	if len(statuses) == 0 {
		return continuation.Failedf("%s: broker returned no status for archive %s", ReasonCopyFailed, data.Archive.ID), nil
	}

	switch state := statuses[0].ArchiveStatus; state {
	case broker.StateSucceeded:
		return continuation.Next(StateCleanupUnneededStorage, 0), nil
	case broker.StateInitialized, broker.StateInProgress:
		return continuation.Retry(w.cfg.PollInterval), nil
	default:
		return continuation.Failedf("%s: archive status %q", ReasonCopyFailed, state), nil
	}
}

// cleanupUnneededStorage swaps the entity over to the archive and then deletes
// the original. The guard is checked again inside the write so a resume that
// lands between the read and the write wins.
func (w *Workflow) cleanupUnneededStorage(ctx context.Context, env *environment.Environment, data *Data) (continuation.Result, error) {
	log := w.logger.With(zap.String("environment_id", env.ID))

	if !swapped(env, data) {
		archive := data.Archive.WithReady(true)
		now := w.now()

		_, err := w.deps.Store.UpdateWithRetry(ctx, env.ID, func(e *environment.Environment) error {
			if !w.stillShutdown(e, data) {
				return errNoLongerShutdown
			}

			switch archive.Type {
			case environment.ResourceSnapshot:
				e.OSDiskSnapshot = archive
				e.OSDisk = nil
			default:
				e.Storage = archive
			}
			e.ScheduledArchival = nil

			return environment.Transition(e, environment.StateArchived, "Archive", now)
		})
		if errors.Is(err, errNoLongerShutdown) || errors.Is(err, environment.ErrNotFound) {
			return continuation.Failed(ReasonStateNoLongerShutdown), nil
		}
		if err != nil {
			return continuation.Result{}, fmt.Errorf("swap to archive: %w", err)
		}

		log.Info("environment archived",
			zap.String("archive_id", archive.ID),
			zap.String("source_id", data.Source.ID),
		)
	}

	if err := broker.IgnoreNotFound(w.deps.Broker.Delete(ctx, env.ID, []string{data.Source.ID})); err != nil {
		log.Warn("delete superseded storage, retrying", zap.String("resource_id", data.Source.ID), zap.Error(err))

		return continuation.Retry(w.cfg.PollInterval), nil
	}

	return continuation.Succeeded(), nil
}
