package continuation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
)

const defaultUnknownWorkflowCooldown = 30 * time.Second

// Engine drives every registered Workflow through the same continuation loop:
// dequeue a payload, run its current state, record the operation status on
// the entity and either finish or enqueue the successor.
type Engine struct {
	queue         Queue
	store         *environment.Store
	pluginManager *PluginManager
	logger        *zap.Logger

	mu        sync.RWMutex
	workflows map[string]Workflow

	unknownWorkflowCooldown time.Duration
	stepTimeout             time.Duration
	now                     func() time.Time
}

func NewEngine(queue Queue, store *environment.Store, opts ...EngineOption) *Engine {
	engine := &Engine{
		queue:                   queue,
		store:                   store,
		logger:                  zap.NewNop(),
		workflows:               make(map[string]Workflow),
		unknownWorkflowCooldown: defaultUnknownWorkflowCooldown,
		now:                     time.Now,
	}

	for _, opt := range opts {
		opt(engine)
	}

	if engine.pluginManager == nil {
		engine.pluginManager = NewPluginManager(engine.logger)
	}

	return engine
}

func (engine *Engine) Register(workflows ...Workflow) {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	for _, wf := range workflows {
		engine.workflows[wf.Name()] = wf
	}
}

func (engine *Engine) RegisterPlugin(plugin Plugin) {
	engine.pluginManager.Register(plugin)
}

func (engine *Engine) workflow(kind string) (Workflow, bool) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	wf, ok := engine.workflows[kind]

	return wf, ok
}

// Enqueue accepts a new workflow instance. Completion is observed on the
// entity, never through the return value.
func (engine *Engine) Enqueue(ctx context.Context, payload *Payload, delay time.Duration) error {
	if _, ok := engine.workflow(payload.Kind); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, payload.Kind)
	}

	if err := engine.queue.Enqueue(ctx, payload, delay); err != nil {
		return fmt.Errorf("enqueue %s: %w", payload.Kind, err)
	}

	engine.pluginManager.ExecuteWorkflowStart(ctx, payload)

	engine.logger.Info("workflow accepted",
		zap.String("workflow", payload.Kind),
		zap.String("operation_id", payload.ID),
		zap.String("environment_id", payload.EnvironmentID),
		zap.String("state", payload.State),
	)

	return nil
}

// ExecuteNext runs one due job. The successor is enqueued in the same atomic
// step that acknowledges the job, and only while this worker still holds the
// lease, so an expired lease never forks the instance.
func (engine *Engine) ExecuteNext(ctx context.Context, workerID string) (empty bool, err error) {
	job, err := engine.queue.Dequeue(ctx, workerID)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}

	if job == nil {
		return true, nil
	}

	log := engine.logger.With(
		zap.String("worker_id", workerID),
		zap.String("workflow", job.Payload.Kind),
		zap.String("operation_id", job.Payload.ID),
		zap.String("environment_id", job.Payload.EnvironmentID),
		zap.String("state", job.Payload.State),
	)

	if _, ok := engine.workflow(job.Payload.Kind); !ok {
		log.Warn("no workflow registered for job, rescheduling",
			zap.Duration("cooldown", engine.unknownWorkflowCooldown))

		if err := engine.queue.Release(ctx, job, engine.unknownWorkflowCooldown); err != nil {
			return false, fmt.Errorf("release job %s: %w", job.ID, err)
		}

		return false, nil
	}

	outcome, err := engine.Continue(ctx, job.Payload)
	if err != nil {
		if releaseErr := engine.queue.Release(ctx, job, time.Second); releaseErr != nil {
			log.Warn("release after failed continuation", zap.Error(releaseErr))
		}

		return false, fmt.Errorf("continue %s: %w", job.Payload.ID, err)
	}

	if err := engine.queue.Advance(ctx, job, outcome.Next, outcome.Delay); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			log.Warn("lease lost before acknowledgement, successor dropped")

			return false, nil
		}

		if releaseErr := engine.queue.Release(ctx, job, outcome.Delay); releaseErr != nil {
			log.Warn("release after failed advance", zap.Error(releaseErr))
		}

		return false, fmt.Errorf("advance job %s: %w", job.ID, err)
	}

	return false, nil
}

// Continue advances payload by one state. Step errors and panics never leave
// this function: they become Failed results. A returned error means the
// entity store could not be reached and the caller should retry the job.
func (engine *Engine) Continue(ctx context.Context, payload *Payload) (Outcome, error) {
	wf, ok := engine.workflow(payload.Kind)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, payload.Kind)
	}

	working := payload.Clone()

	log := engine.logger.With(
		zap.String("workflow", working.Kind),
		zap.String("operation_id", working.ID),
		zap.String("environment_id", working.EnvironmentID),
		zap.String("state", working.State),
	)

	if !working.Initialized {
		err := engine.setStatus(ctx, wf, working, environment.OperationInitialized, working.Reason)
		if errors.Is(err, environment.ErrRetriesExhausted) {
			return engine.finish(ctx, wf, working, Failed(err.Error()), log), nil
		}
		if err != nil {
			return Outcome{}, err
		}

		working.Initialized = true
		result := Next(working.State, 0)

		return Outcome{Result: result, Next: working}, nil
	}

	err := engine.setStatus(ctx, wf, working, environment.OperationInProgress, working.Reason)
	if errors.Is(err, environment.ErrRetriesExhausted) {
		return engine.finish(ctx, wf, working, Failed(err.Error()), log), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	engine.pluginManager.ExecuteStepStart(ctx, working)

	started := engine.now()
	result, err := engine.runStep(ctx, wf, working)
	if err != nil {
		log.Error("step failed", zap.Error(err))
		result = Failed(err.Error())
	}

	log.Debug("step finished",
		zap.String("status", string(result.Status)),
		zap.String("next_state", result.NextState),
		zap.Duration("retry_after", result.RetryAfter),
		zap.Duration("duration", engine.now().Sub(started)),
	)

	switch result.Status {
	case ResultInProgress:
		engine.pluginManager.ExecuteStepComplete(ctx, working, result)

		next := working
		if result.NextState != "" && result.NextState != working.State {
			next.State = result.NextState
			next.StateAttempts = 0
		} else {
			next.StateAttempts++
		}

		return Outcome{Result: result, Next: next, Delay: result.RetryAfter}, nil
	case ResultSucceeded, ResultFailed, ResultCancelled:
		return engine.finish(ctx, wf, working, result, log), nil
	default:
		return engine.finish(ctx, wf, working, Failedf("unknown result status %q", result.Status), log), nil
	}
}

func (engine *Engine) finish(
	ctx context.Context,
	wf Workflow,
	payload *Payload,
	result Result,
	log *zap.Logger,
) Outcome {
	status := environment.OperationSucceeded
	switch result.Status {
	case ResultFailed:
		status = environment.OperationFailed
	case ResultCancelled:
		status = environment.OperationCancelled
	}

	if err := engine.setStatus(ctx, wf, payload, status, result.ErrorReason); err != nil {
		log.Error("record terminal operation status", zap.String("status", string(status)), zap.Error(err))
	}

	if result.Status == ResultSucceeded {
		engine.pluginManager.ExecuteStepComplete(ctx, payload, result)
		engine.pluginManager.ExecuteWorkflowComplete(ctx, payload)
		log.Info("workflow succeeded")

		return Outcome{Result: result, Done: true}
	}

	engine.pluginManager.ExecuteStepFailed(ctx, payload, result)

	if result.Status == ResultCancelled {
		log.Info("workflow cancelled", zap.String("reason", result.ErrorReason))
	} else {
		log.Warn("workflow failed", zap.String("reason", result.ErrorReason))
	}

	if wf.ShouldCleanupOnFailure(payload, result) {
		if err := engine.runCleanup(ctx, wf, payload, result); err != nil {
			log.Error("cleanup failed", zap.Error(err))
		}
	}

	engine.pluginManager.ExecuteWorkflowFailed(ctx, payload, result)

	return Outcome{Result: result, Done: true}
}

func (engine *Engine) runStep(ctx context.Context, wf Workflow, payload *Payload) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in workflow %q state %q: %v\n%s", wf.Name(), payload.State, r, debug.Stack())
		}
	}()

	if engine.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, engine.stepTimeout)
		defer cancel()
	}

	return wf.RunStep(ctx, payload)
}

func (engine *Engine) runCleanup(ctx context.Context, wf Workflow, payload *Payload, result Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in cleanup of workflow %q: %v\n%s", wf.Name(), r, debug.Stack())
		}
	}()

	return wf.Cleanup(ctx, payload, result)
}

// setStatus records the operation status on the entity. A deleted entity has
// nothing to report to and is skipped.
func (engine *Engine) setStatus(
	ctx context.Context,
	wf Workflow,
	payload *Payload,
	status environment.OperationStatus,
	reason string,
) error {
	now := engine.now().UTC()

	_, err := engine.store.UpdateWithRetry(ctx, payload.EnvironmentID, func(env *environment.Environment) error {
		transition := wf.FetchTransition(env, payload)
		if transition == nil {
			return nil
		}

		transition.Set(status, reason, now)

		return nil
	})
	if errors.Is(err, environment.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("set %s status %s: %w", wf.Name(), status, err)
	}

	return nil
}
