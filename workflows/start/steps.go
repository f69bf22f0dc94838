package start

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows"
)

var errNoLongerQueued = errors.New("environment is no longer queued")

func (w *Workflow) stepLogger(env *environment.Environment, data *Data) *zap.Logger {
	return w.logger.With(
		zap.String("environment_id", env.ID),
		zap.String("action", string(data.Action)),
	)
}

// getResource makes sure the storage an existing environment resumes from is
// still there.
func (w *Workflow) getResource(ctx context.Context, env *environment.Environment, data *Data) (continuation.Result, error) {
	if data.Action == workflows.ActionCreate {
		return continuation.Next(StateAllocateResource, 0), nil
	}

	var ids []string
	for _, r := range []*environment.ResourceRecord{env.Storage, env.ArchivedStorage, env.OSDisk, env.OSDiskSnapshot} {
		if r != nil {
			ids = append(ids, r.ID)
		}
	}

	if len(ids) == 0 {
		return continuation.Failed(ReasonResourceNotFound), nil
	}

	if _, err := w.deps.Broker.Status(ctx, env.ID, ids); err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return continuation.Failedf("%s: %v", ReasonResourceNotFound, err), nil
		}

		return continuation.Result{}, fmt.Errorf("get resources: %w", err)
	}

	return continuation.Next(StateAllocateResource, 0), nil
}

// allocateResource requests every missing resource and persists each response
// as soon as it arrives.
func (w *Workflow) allocateResource(ctx context.Context, env *environment.Environment, data *Data) (continuation.Result, error) {
	requests, err := w.deps.Selector.Select(env, data.Action)
	if err != nil {
		return continuation.Failedf("%s: %v", ReasonResourceSelectionFailed, err), nil
	}

	restoreFromSnapshot := data.Action != workflows.ActionCreate && env.OSDisk == nil && env.OSDiskSnapshot != nil
	if !restoreFromSnapshot {
		if len(requests) > 0 {
			if err := w.allocate(ctx, env.ID, requests, data, nil); err != nil {
				return continuation.Failedf("%s: %v", ReasonResourceAllocationFailed, err), nil
			}
		}

		return continuation.Next(StateCheckResourceState, 0), nil
	}

	for _, req := range requests {
		if req.Type == environment.ResourceOSDisk {
			return continuation.Failed(ReasonUnexpectedOSDiskRequest), nil
		}
	}

	// The disk restore and the compute follow independent provisioning
	// paths in the broker, so they are requested separately.
	diskRequest := broker.AllocateRequest{
		Type:             environment.ResourceOSDisk,
		SKU:              env.OSDiskSnapshot.SKU,
		Location:         env.Location,
		SourceSnapshotID: env.OSDiskSnapshot.ID,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.allocate(gctx, env.ID, []broker.AllocateRequest{diskRequest}, data, &mu)
	})

	if len(requests) > 0 {
		g.Go(func() error {
			return w.allocate(gctx, env.ID, requests, data, &mu)
		})
	}

	if err := g.Wait(); err != nil {
		return continuation.Failedf("%s: %v", ReasonResourceAllocationFailed, err), nil
	}

	return continuation.Next(StateCheckResourceState, 0), nil
}

func (w *Workflow) allocate(
	ctx context.Context,
	environmentID string,
	requests []broker.AllocateRequest,
	data *Data,
	mu *sync.Mutex,
) error {
	records, err := w.deps.Broker.Allocate(ctx, environmentID, requests)
	if err != nil {
		return err
	}

	if mu != nil {
		mu.Lock()
	}
	data.Allocated = append(data.Allocated, records...)
	if mu != nil {
		mu.Unlock()
	}

	_, err = w.deps.Store.UpdateWithRetry(ctx, environmentID, func(env *environment.Environment) error {
		for _, r := range records {
			env.AttachResource(r)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("persist allocated resources: %w", err)
	}

	return nil
}

func pendingResources(env *environment.Environment) []*environment.ResourceRecord {
	var pending []*environment.ResourceRecord
	for _, r := range []*environment.ResourceRecord{env.Compute, env.Storage, env.OSDisk} {
		if r != nil && !r.IsReady {
			pending = append(pending, r)
		}
	}

	return pending
}

// checkResourceState waits for every allocated resource to become ready and
// follows resources the broker replaced behind our back.
func (w *Workflow) checkResourceState(ctx context.Context, env *environment.Environment, data *Data) (continuation.Result, error) {
	log := w.stepLogger(env, data)

	w.deleteStale(ctx, env.ID, data, log)

	pending := pendingResources(env)
	if len(pending) == 0 {
		return continuation.Next(StateCreateHeartbeatRecord, 0), nil
	}

	ids := make([]string, 0, len(pending))
	for _, r := range pending {
		ids = append(ids, r.ID)
	}

	statuses, err := w.deps.Broker.Status(ctx, env.ID, ids)
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return continuation.Failedf("%s: %v", ReasonResourceNotFound, err), nil
		}

		return continuation.Result{}, fmt.Errorf("resource status: %w", err)
	}

	failed := false
	var stale []string

	for _, s := range statuses {
		if s.ProvisioningStatus == broker.StateFailed || s.ProvisioningStatus == broker.StateCancelled {
			failed = true
		}

		if s.Replaced() {
			stale = append(stale, s.RequestedID)
			log.Info("resource replaced by broker",
				zap.String("stale_id", s.RequestedID),
				zap.String("resource_id", s.ID),
			)
		}
	}

	now := w.now().UTC()
	updated, err := w.deps.Store.UpdateWithRetry(ctx, env.ID, func(e *environment.Environment) error {
		for _, s := range statuses {
			current := e.ResourceByID(s.RequestedID)
			if current == nil {
				continue
			}

			if s.Replaced() {
				e.AttachResource(&environment.ResourceRecord{
					ID:       s.ID,
					SKU:      s.SKU,
					Location: s.Location,
					Type:     current.Type,
					Created:  now,
					IsReady:  s.IsReady,
				})

				continue
			}

			if s.IsReady && !current.IsReady {
				e.AttachResource(current.WithReady(true))
			}
		}

		return nil
	})
	if err != nil {
		return continuation.Result{}, fmt.Errorf("persist resource state: %w", err)
	}

	for _, s := range statuses {
		if s.Replaced() {
			if r := updated.ResourceByID(s.ID); r != nil && !data.allocated(s.ID) {
				data.Allocated = append(data.Allocated, r)
			}
		}
	}

	if len(stale) > 0 {
		data.StaleResources = append(data.StaleResources, stale...)
		w.deleteStale(ctx, env.ID, data, log)
	}

	if failed {
		return continuation.Failed(ReasonResourceProvisioningFailed), nil
	}

	if len(pendingResources(updated)) > 0 {
		return continuation.Retry(w.cfg.ResourcePollInterval), nil
	}

	return continuation.Next(StateCreateHeartbeatRecord, 0), nil
}

// deleteStale retries deletion of replaced resources; failures stay queued on
// the payload for the next poll or for cleanup.
func (w *Workflow) deleteStale(ctx context.Context, environmentID string, data *Data, log *zap.Logger) {
	if len(data.StaleResources) == 0 {
		return
	}

	err := broker.IgnoreNotFound(w.deps.Broker.Delete(ctx, environmentID, data.StaleResources))
	if err != nil {
		log.Warn("delete replaced resources", zap.Strings("resource_ids", data.StaleResources), zap.Error(err))

		return
	}

	data.StaleResources = nil
}

func (w *Workflow) createHeartbeatRecord(ctx context.Context, env *environment.Environment) (continuation.Result, error) {
	if env.Compute == nil {
		return continuation.Failed(ReasonComputeNotFound), nil
	}

	if env.Heartbeat != nil && env.Heartbeat.ComputeID == env.Compute.ID {
		return continuation.Next(StateStartCompute, 0), nil
	}

	heartbeatID, err := w.deps.Heartbeats.CreateHeartbeat(ctx, env.ID, env.Compute.ID)
	if err != nil {
		return continuation.Result{}, fmt.Errorf("create heartbeat: %w", err)
	}

	computeID := env.Compute.ID
	_, err = w.deps.Store.UpdateWithRetry(ctx, env.ID, func(e *environment.Environment) error {
		e.Heartbeat = &environment.HeartbeatRef{ID: heartbeatID, ComputeID: computeID}

		return nil
	})
	if err != nil {
		return continuation.Result{}, fmt.Errorf("persist heartbeat: %w", err)
	}

	return continuation.Next(StateStartCompute, 0), nil
}

// startCompute moves the environment out of Queued and asks the broker to
// boot the compute. An environment that already left Queued belongs to a
// racing instance, so this one stands down, unless the move was made by this
// same operation on an earlier delivery of the job.
func (w *Workflow) startCompute(
	ctx context.Context,
	env *environment.Environment,
	operationID string,
	data *Data,
) (continuation.Result, error) {
	log := w.stepLogger(env, data)
	target := data.Action.TargetState()

	if env.State == target && data.Action.Transition(env).OperationID == operationID {
		log.Info("environment already moved by this operation, resuming broker start")

		if env.Connection != nil && data.Action.NeedsSession() {
			data.SessionID = env.Connection.SessionID
		}

		return w.requestStart(ctx, env, data)
	}

	if env.State != environment.StateQueued {
		log.Info("environment no longer queued, cancelling", zap.String("state", string(env.State)))

		return continuation.Cancelled(ReasonNoLongerQueued), nil
	}

	if env.Compute == nil {
		return continuation.Failed(ReasonComputeNotFound), nil
	}

	var connection *environment.Connection
	if data.Action.NeedsSession() {
		var err error
		connection, err = w.deps.Sessions.CreateSession(ctx, env, env.Compute.ID)
		if err != nil {
			return continuation.Result{}, fmt.Errorf("create session: %w", err)
		}
		data.SessionID = connection.SessionID
	}

	now := w.now()

	updated, err := w.deps.Store.UpdateWithRetry(ctx, env.ID, func(e *environment.Environment) error {
		if e.State != environment.StateQueued {
			return errNoLongerQueued
		}

		if connection != nil {
			e.Connection = connection
		}
		e.ScheduledArchival = nil
		data.Action.Transition(e).OperationID = operationID

		return environment.Transition(e, target, string(data.Action), now)
	})
	if errors.Is(err, errNoLongerQueued) {
		w.deleteSession(ctx, data, log)

		return continuation.Cancelled(ReasonNoLongerQueued), nil
	}
	if err != nil {
		return continuation.Result{}, fmt.Errorf("mark environment %s: %w", target, err)
	}

	return w.requestStart(ctx, updated, data)
}

func (w *Workflow) requestStart(ctx context.Context, env *environment.Environment, data *Data) (continuation.Result, error) {
	if env.Compute == nil {
		return continuation.Failed(ReasonComputeNotFound), nil
	}

	req := broker.StartRequest{
		ResourceID: env.Compute.ID,
		Variables:  data.Variables,
	}
	if env.Storage != nil {
		req.StorageID = env.Storage.ID
	}
	if env.ArchivedStorage != nil {
		req.ArchiveStorageID = env.ArchivedStorage.ID
	}
	if env.OSDisk != nil {
		req.OSDiskID = env.OSDisk.ID
	}
	if data.Action == workflows.ActionUpdate {
		req.ActingAs = w.cfg.PrivilegedIdentity
	}

	if err := w.deps.Broker.Start(ctx, env.ID, startAction(data.Action), req); err != nil {
		return continuation.Failedf("%s: %v", ReasonStartComputeFailed, err), nil
	}

	return continuation.Next(StateCheckStartCompute, w.cfg.StartPollInterval), nil
}

func startAction(action workflows.Action) broker.StartAction {
	switch action {
	case workflows.ActionExport:
		return broker.ActionStartExport
	case workflows.ActionUpdate:
		return broker.ActionStartUpdate
	default:
		return broker.ActionStartCompute
	}
}

func (w *Workflow) checkStartCompute(ctx context.Context, env *environment.Environment) (continuation.Result, error) {
	if env.Compute == nil {
		return continuation.Failed(ReasonComputeNotFound), nil
	}

	statuses, err := w.deps.Broker.Status(ctx, env.ID, []string{env.Compute.ID})
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return continuation.Failed(ReasonComputeNotFound), nil
		}

		return continuation.Result{}, fmt.Errorf("compute status: %w", err)
	}

	if len(statuses) == 0 {
		return continuation.Failedf("%s: broker returned no status for compute %s", ReasonStartComputeFailed, env.Compute.ID), nil
	}

	state := statuses[0].StartingStatus
	switch {
	case state == broker.StateSucceeded:
		return continuation.Next(StateStartHeartbeatMonitoring, 0), nil
	case state.IsPending():
		return continuation.Retry(w.cfg.StartPollInterval), nil
	default:
		return continuation.Failedf("%s: starting status %s", ReasonStartComputeFailed, state), nil
	}
}

// startHeartbeatMonitoring hands the running environment to the heartbeat
// monitor and releases the cold copies it was restored from.
func (w *Workflow) startHeartbeatMonitoring(ctx context.Context, env *environment.Environment, data *Data) (continuation.Result, error) {
	if env.Compute == nil {
		return continuation.Failed(ReasonComputeNotFound), nil
	}

	if err := w.deps.Heartbeats.MonitorHeartbeat(ctx, env.ID, env.Compute.ID); err != nil {
		return continuation.Result{}, fmt.Errorf("monitor heartbeat: %w", err)
	}

	if err := w.deps.Heartbeats.MonitorStateTransition(ctx, data.Action, env.ID, env.Compute.ID); err != nil {
		return continuation.Result{}, fmt.Errorf("monitor %s transition: %w", data.Action, err)
	}

	var superseded []string
	_, err := w.deps.Store.UpdateWithRetry(ctx, env.ID, func(e *environment.Environment) error {
		superseded = superseded[:0]

		if e.ArchivedStorage != nil && e.Storage != nil && e.Storage.Type == environment.ResourceStorageFileShare {
			superseded = append(superseded, e.ArchivedStorage.ID)
			e.ArchivedStorage = nil
		}

		if e.OSDisk != nil && e.OSDiskSnapshot != nil {
			superseded = append(superseded, e.OSDiskSnapshot.ID)
			e.OSDiskSnapshot = nil
		}

		return nil
	})
	if err != nil {
		return continuation.Result{}, fmt.Errorf("release restored archives: %w", err)
	}

	if len(superseded) > 0 {
		if err := broker.IgnoreNotFound(w.deps.Broker.Delete(ctx, env.ID, superseded)); err != nil {
			w.stepLogger(env, data).Warn("delete restored archives",
				zap.Strings("resource_ids", superseded), zap.Error(err))
		}
	}

	return continuation.Succeeded(), nil
}

func (w *Workflow) deleteSession(ctx context.Context, data *Data, log *zap.Logger) {
	if data.SessionID == "" {
		return
	}

	if err := w.deps.Sessions.DeleteSession(ctx, data.SessionID); err != nil {
		log.Warn("delete session", zap.String("session_id", data.SessionID), zap.Error(err))

		return
	}

	data.SessionID = ""
}
