// Package start implements the start workflow that creates, resumes, exports
// and updates environments.
package start

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows"
)

const (
	StateGetResource              = "GetResource"
	StateAllocateResource         = "AllocateResource"
	StateCheckResourceState       = "CheckResourceState"
	StateCreateHeartbeatRecord    = "CreateHeartbeatRecord"
	StateStartCompute             = "StartCompute"
	StateCheckStartCompute        = "CheckStartCompute"
	StateStartHeartbeatMonitoring = "StartHeartbeatMonitoring"
)

// Failure reasons recorded on the entity.
const (
	ReasonEnvironmentNotFound        = "EnvironmentNotFound"
	ReasonResourceNotFound           = "ResourceNotFound"
	ReasonResourceSelectionFailed    = "ResourceSelectionFailed"
	ReasonUnexpectedOSDiskRequest    = "UnexpectedOSDiskRequest"
	ReasonResourceAllocationFailed   = "ResourceAllocationFailed"
	ReasonResourceProvisioningFailed = "ResourceProvisioningFailed"
	ReasonComputeNotFound            = "ComputeNotFound"
	ReasonNoLongerQueued             = "EnvironmentNoLongerQueued"
	ReasonStartComputeFailed         = "StartComputeFailed"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, payload *continuation.Payload, delay time.Duration) error
}

type Config struct {
	ResourcePollInterval time.Duration
	StartPollInterval    time.Duration
	// PrivilegedIdentity is the identity update actions run as.
	PrivilegedIdentity string
}

func DefaultConfig() Config {
	return Config{
		ResourcePollInterval: 10 * time.Second,
		StartPollInterval:    time.Second,
	}
}

type Dependencies struct {
	Queue      Enqueuer
	Store      *environment.Store
	Broker     broker.Broker
	Selector   workflows.ResourceSelector
	Sessions   workflows.SessionManager
	Heartbeats workflows.HeartbeatMonitor
	Repairer   workflows.Repairer
}

// Data is the start workflow's part of the payload.
type Data struct {
	Action    workflows.Action  `json:"action"`
	Variables map[string]string `json:"variables,omitempty"`
	// Allocated lists every resource this run obtained from the broker.
	Allocated []*environment.ResourceRecord `json:"allocated,omitempty"`
	// StaleResources are replaced resources whose deletion has not been
	// confirmed yet.
	StaleResources []string `json:"stale_resources,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
}

func (d *Data) allocated(id string) bool {
	for _, r := range d.Allocated {
		if r.ID == id {
			return true
		}
	}

	return false
}

type CreateRequest struct {
	FriendlyName string
	OwnerID      string
	PlanID       string
	SKUName      string
	Location     string
	Variables    map[string]string
}

type Options struct {
	Reason    string
	Variables map[string]string
}

type Workflow struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

var _ continuation.Workflow = (*Workflow)(nil)

func New(deps Dependencies, cfg Config, logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Workflow{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("start"),
		now:    time.Now,
	}
}

func (w *Workflow) Name() string {
	return workflows.KindStart
}

func (w *Workflow) FetchTransition(env *environment.Environment, payload *continuation.Payload) *environment.OperationTransition {
	var data Data
	if err := payload.Decode(&data); err != nil {
		return nil
	}

	return data.Action.Transition(env)
}

// Create persists a new Queued environment and starts provisioning it.
func (w *Workflow) Create(ctx context.Context, req CreateRequest) (*environment.Environment, error) {
	now := w.now().UTC()

	draft := &environment.Environment{
		FriendlyName: req.FriendlyName,
		OwnerID:      req.OwnerID,
		PlanID:       req.PlanID,
		SKUName:      req.SKUName,
		Location:     req.Location,
		State:        environment.StateCreated,
	}

	if _, err := w.deps.Selector.Select(draft, workflows.ActionCreate); err != nil {
		return nil, fmt.Errorf("select resources: %w", err)
	}

	if err := environment.Transition(draft, environment.StateQueued, string(workflows.ActionCreate), now); err != nil {
		return nil, err
	}

	env, err := w.deps.Store.Create(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("create environment: %w", err)
	}

	if err := w.enqueue(ctx, env.ID, workflows.ActionCreate, "Create", req.Variables); err != nil {
		return nil, err
	}

	return env, nil
}

func (w *Workflow) Resume(ctx context.Context, id string, opts Options) error {
	return w.queue(ctx, id, workflows.ActionResume, opts)
}

func (w *Workflow) Export(ctx context.Context, id string, opts Options) error {
	return w.queue(ctx, id, workflows.ActionExport, opts)
}

func (w *Workflow) Update(ctx context.Context, id string, opts Options) error {
	return w.queue(ctx, id, workflows.ActionUpdate, opts)
}

func (w *Workflow) queue(ctx context.Context, id string, action workflows.Action, opts Options) error {
	reason := opts.Reason
	if reason == "" {
		reason = string(action)
	}

	_, err := w.deps.Store.UpdateWithRetry(ctx, id, func(env *environment.Environment) error {
		if env.State != environment.StateShutdown && env.State != environment.StateArchived {
			return fmt.Errorf("%w: %s environment %s in state %s", workflows.ErrInvalidState, action, env.ID, env.State)
		}

		return environment.Transition(env, environment.StateQueued, reason, w.now())
	})
	if err != nil {
		return err
	}

	return w.enqueue(ctx, id, action, reason, opts.Variables)
}

func (w *Workflow) enqueue(ctx context.Context, id string, action workflows.Action, reason string, variables map[string]string) error {
	payload, err := continuation.NewPayload(w.Name(), id, reason, StateGetResource, Data{
		Action:    action,
		Variables: variables,
	})
	if err != nil {
		return err
	}

	if err := w.deps.Queue.Enqueue(ctx, payload, 0); err != nil {
		return fmt.Errorf("enqueue %s of %s: %w", action, id, err)
	}

	return nil
}

func (w *Workflow) RunStep(ctx context.Context, payload *continuation.Payload) (continuation.Result, error) {
	var data Data
	if err := payload.Decode(&data); err != nil {
		return continuation.Result{}, err
	}

	env, err := w.deps.Store.Get(ctx, payload.EnvironmentID)
	if errors.Is(err, environment.ErrNotFound) {
		return continuation.Failed(ReasonEnvironmentNotFound), nil
	}
	if err != nil {
		return continuation.Result{}, err
	}

	var result continuation.Result

	switch payload.State {
	case StateGetResource:
		result, err = w.getResource(ctx, env, &data)
	case StateAllocateResource:
		result, err = w.allocateResource(ctx, env, &data)
	case StateCheckResourceState:
		result, err = w.checkResourceState(ctx, env, &data)
	case StateCreateHeartbeatRecord:
		result, err = w.createHeartbeatRecord(ctx, env)
	case StateStartCompute:
		result, err = w.startCompute(ctx, env, payload.ID, &data)
	case StateCheckStartCompute:
		result, err = w.checkStartCompute(ctx, env)
	case StateStartHeartbeatMonitoring:
		result, err = w.startHeartbeatMonitoring(ctx, env, &data)
	default:
		return continuation.Failedf("unknown start state %q", payload.State), nil
	}

	// Data is kept even when the step errors so cleanup sees every allocation.
	if encodeErr := payload.Encode(data); encodeErr != nil && err == nil {
		err = encodeErr
	}
	if err != nil {
		return continuation.Result{}, err
	}

	return result, nil
}

// ShouldCleanupOnFailure skips cancelled instances: they lost a race to
// another instance that still owns the resources.
func (w *Workflow) ShouldCleanupOnFailure(_ *continuation.Payload, result continuation.Result) bool {
	return result.Status == continuation.ResultFailed
}

func (w *Workflow) Cleanup(ctx context.Context, payload *continuation.Payload, result continuation.Result) error {
	var data Data
	if err := payload.Decode(&data); err != nil {
		return err
	}

	if data.Action == workflows.ActionCreate {
		return w.cleanupCreate(ctx, payload.EnvironmentID, &data, result)
	}

	return w.cleanupExisting(ctx, payload.EnvironmentID, &data, result)
}
