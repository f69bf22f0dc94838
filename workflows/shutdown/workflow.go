// Package shutdown implements the shutdown workflow. A forced shutdown doubles
// as the repair path for environments a failed start left behind.
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
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows"
)

const (
	StateCheckComputeCleanupStatus = "CheckComputeCleanupStatus"
	StateComputeDelete             = "ComputeDelete"
	StateCheckComputeDeleteStatus  = "CheckComputeDeleteStatus"
	StateMarkShutdown              = "MarkShutdown"
)

const ReasonComputeCleanupFailed = "ComputeCleanupFailed"

type Enqueuer interface {
	Enqueue(ctx context.Context, payload *continuation.Payload, delay time.Duration) error
}

type Config struct {
	PollInterval time.Duration
	// DynamicArchival schedules archival through the calculator when the
	// environment reaches Shutdown.
	DynamicArchival bool
}

func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second}
}

type Dependencies struct {
	Queue    Enqueuer
	Store    *environment.Store
	Broker   broker.Broker
	Sessions workflows.SessionManager
	Archival workflows.ArchivalCalculator
}

type Options struct {
	// Force skips graceful cleanup and deletes the compute right away.
	Force  bool
	Reason string
}

type Data struct {
	Force            bool   `json:"force"`
	ComputeID        string `json:"compute_id,omitempty"`
	SuspendRequested bool   `json:"suspend_requested,omitempty"`
}

type Workflow struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ continuation.Workflow = (*Workflow)(nil)
	_ workflows.Repairer    = (*Workflow)(nil)
)

var errAlreadySuspended = errors.New("environment already suspended")

func New(deps Dependencies, cfg Config, logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Workflow{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("shutdown"),
		now:    time.Now,
	}
}

func (w *Workflow) Name() string {
	return workflows.KindShutdown
}

func (w *Workflow) FetchTransition(env *environment.Environment, _ *continuation.Payload) *environment.OperationTransition {
	return &env.Transitions.ShuttingDown
}

func suspended(env *environment.Environment) bool {
	return env.IsDeleted ||
		env.State == environment.StateShutdown ||
		env.State == environment.StateArchived ||
		env.State == environment.StateDeleted
}

// Start shuts the environment down. A missing or already suspended
// environment is accepted without queueing anything.
func (w *Workflow) Start(ctx context.Context, id string, opts Options) error {
	reason := opts.Reason
	if reason == "" {
		reason = "Shutdown"
	}

	log := w.logger.With(zap.String("environment_id", id), zap.Bool("force", opts.Force))

	env, err := w.deps.Store.Get(ctx, id)
	if errors.Is(err, environment.ErrNotFound) {
		log.Info("environment not found, nothing to shut down")

		return nil
	}
	if err != nil {
		return fmt.Errorf("get environment: %w", err)
	}

	if suspended(env) {
		log.Info("environment already suspended", zap.String("state", string(env.State)))

		return nil
	}

	data := Data{Force: opts.Force}
	now := w.now()

	updated, err := w.deps.Store.UpdateWithRetry(ctx, id, func(e *environment.Environment) error {
		if suspended(e) {
			return errAlreadySuspended
		}

		if environment.CanTransition(e.State, environment.StateShuttingDown) {
			return environment.Transition(e, environment.StateShuttingDown, reason, now)
		}

		return nil
	})
	if errors.Is(err, errAlreadySuspended) || errors.Is(err, environment.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark environment shutting down: %w", err)
	}

	initial := StateCheckComputeCleanupStatus
	switch {
	case updated.Compute == nil:
		initial = StateMarkShutdown
	case opts.Force:
		initial = StateComputeDelete
	}

	if updated.Compute != nil {
		data.ComputeID = updated.Compute.ID
	}

	payload, err := continuation.NewPayload(w.Name(), id, reason, initial, data)
	if err != nil {
		return err
	}

	if err := w.deps.Queue.Enqueue(ctx, payload, 0); err != nil {
		return fmt.Errorf("enqueue shutdown of %s: %w", id, err)
	}

	return nil
}

// Repair forces the environment into Shutdown.
func (w *Workflow) Repair(ctx context.Context, environmentID, reason string) error {
	return w.Start(ctx, environmentID, Options{Force: true, Reason: "Repair: " + reason})
}

func (w *Workflow) RunStep(ctx context.Context, payload *continuation.Payload) (continuation.Result, error) {
	var data Data
	if err := payload.Decode(&data); err != nil {
		return continuation.Result{}, err
	}

	env, err := w.deps.Store.Get(ctx, payload.EnvironmentID)
	if errors.Is(err, environment.ErrNotFound) {
		return continuation.Succeeded(), nil
	}
	if err != nil {
		return continuation.Result{}, err
	}

	var result continuation.Result

	switch payload.State {
	case StateCheckComputeCleanupStatus:
		result, err = w.checkComputeCleanupStatus(ctx, env, &data)
	case StateComputeDelete:
		result, err = w.computeDelete(ctx, env, &data)
	case StateCheckComputeDeleteStatus:
		result, err = w.checkComputeDeleteStatus(ctx, env, &data)
	case StateMarkShutdown:
		result, err = w.markShutdown(ctx, env, &data, payload.Reason)
	default:
		return continuation.Failedf("unknown shutdown state %q", payload.State), nil
	}
	if err != nil {
		return continuation.Result{}, err
	}

	if err := payload.Encode(data); err != nil {
		return continuation.Result{}, err
	}

	return result, nil
}

// ShouldCleanupOnFailure is false: a half finished shutdown has nothing to
// undo and is repaired by running it again.
func (w *Workflow) ShouldCleanupOnFailure(*continuation.Payload, continuation.Result) bool {
	return false
}

func (w *Workflow) Cleanup(context.Context, *continuation.Payload, continuation.Result) error {
	return nil
}
