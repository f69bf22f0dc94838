package workflows_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rom8726/chaoskit"
	"github.com/rom8726/chaoskit/injectors"
	chaostesting "github.com/rom8726/chaoskit/testing"
	"github.com/rom8726/chaoskit/validators"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker/simulated"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows/archive"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows/inprocess"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows/shutdown"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows/start"
)

func TestLifecycleWithChaos(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	target := newLifecycleTarget(t)

	chaostesting.RunChaos(t,
		"environment-lifecycle-chaos",
		target,
		func(builder *chaoskit.ScenarioBuilder) *chaoskit.ScenarioBuilder {
			builder.
				Step("run-lifecycle", runLifecycle).
				Inject("broker-delay", injectors.RandomDelayWithProbability(time.Millisecond*5, time.Millisecond*30, 0.15)).
				Inject("broker-panic", injectors.PanicProbability(0.1)).
				Inject("broker-error", injectors.ErrorWithProbability("chaos error", 0.25)).
				Assert("no-slow-iteration", validators.NoSlowIteration(10*time.Second)).
				Assert("no-infinite-loops", validators.NoInfiniteLoop(20*time.Second)).
				Assert("queue-empty", &queueEmptyValidator{queue: target.queue}).
				Assert("operations-terminal", &operationsTerminalValidator{target: target}).
				Assert("environments-settled", &environmentsSettledValidator{target: target})

			return builder
		},
		chaostesting.WithRepeat(20),
		chaostesting.WithStrictThresholds(),
	)

	t.Logf("lifecycles=%d available=%d failed=%d",
		target.lifecycles.Load(), target.reachedAvailable.Load(), target.failedRuns.Load())
}

func runLifecycle(ctx context.Context, target chaoskit.Target) error {
	lifecycle, ok := target.(*lifecycleTarget)
	if !ok {
		return fmt.Errorf("target is not lifecycleTarget")
	}

	return lifecycle.Execute(ctx)
}

// lifecycleTarget drives one environment through create, shutdown, resume,
// shutdown, archive and resume while the broker and the in-process
// collaborators misbehave.
type lifecycleTarget struct {
	store   *environment.Store
	queue   *continuation.MemoryQueue
	engine  *continuation.Engine
	startWF *start.Workflow
	stopWF  *shutdown.Workflow
	archWF  *archive.Workflow

	envIDs chan string

	lifecycles       atomic.Int64
	reachedAvailable atomic.Int64
	failedRuns       atomic.Int64
}

func newLifecycleTarget(t *testing.T) *lifecycleTarget {
	t.Helper()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	repo := environment.NewMemoryRepository()
	store := environment.NewStore(repo, environment.DefaultRetryPolicy())
	queue := continuation.NewMemoryQueue(time.Minute)
	engine := continuation.NewEngine(queue, store, continuation.WithEngineLogger(logger))

	b := chaosBroker{Broker: simulated.New(simulated.WithStartAfter(1), simulated.WithCleanupAfter(1))}
	sessions := chaosSessions{SessionManager: inprocess.NewSessions("https://sessions.test")}
	heartbeats := chaosHeartbeats{HeartbeatMonitor: inprocess.NewHeartbeats(store, logger)}

	stopWF := shutdown.New(shutdown.Dependencies{
		Queue:    engine,
		Store:    store,
		Broker:   b,
		Sessions: sessions,
		Archival: inprocess.FixedArchival{After: time.Hour},
	}, shutdown.Config{}, logger)

	startWF := start.New(start.Dependencies{
		Queue:  engine,
		Store:  store,
		Broker: b,
		Selector: workflows.NewSKUSelector([]workflows.SKU{
			{Name: "standardLinux", ComputeSKU: "Standard_D4s_v3", StorageSKU: "Premium_LRS_64"},
		}),
		Sessions:   sessions,
		Heartbeats: heartbeats,
		Repairer:   stopWF,
	}, start.Config{}, logger)

	archWF := archive.New(archive.Dependencies{Queue: engine, Store: store, Broker: b},
		archive.Config{BlobSKU: "Archive_LRS"}, logger)

	engine.Register(startWF, stopWF, archWF)

	return &lifecycleTarget{
		store:   store,
		queue:   queue,
		engine:  engine,
		startWF: startWF,
		stopWF:  stopWF,
		archWF:  archWF,
		envIDs:  make(chan string, 1024),
	}
}

func (lt *lifecycleTarget) Name() string {
	return "environment-lifecycle-target"
}

func (lt *lifecycleTarget) Setup(ctx context.Context) error {
	return nil
}

func (lt *lifecycleTarget) Teardown(ctx context.Context) error {
	return nil
}

func (lt *lifecycleTarget) Execute(ctx context.Context) error {
	env, err := lt.startWF.Create(ctx, start.CreateRequest{
		FriendlyName: "chaos-" + uuid.NewString()[:8],
		OwnerID:      "owner-chaos",
		SKUName:      "standardLinux",
		Location:     "westus2",
	})
	if err != nil {
		return fmt.Errorf("create environment: %w", err)
	}

	lt.envIDs <- env.ID
	lt.lifecycles.Add(1)

	steps := []struct {
		from environment.State
		run  func() error
	}{
		{environment.StateAvailable, func() error { return lt.stopWF.Start(ctx, env.ID, shutdown.Options{}) }},
		{environment.StateShutdown, func() error { return lt.startWF.Resume(ctx, env.ID, start.Options{}) }},
		{environment.StateAvailable, func() error { return lt.stopWF.Start(ctx, env.ID, shutdown.Options{Force: true}) }},
		{environment.StateShutdown, func() error { return lt.archWF.Start(ctx, env.ID) }},
		{environment.StateArchived, func() error { return lt.startWF.Resume(ctx, env.ID, start.Options{}) }},
	}

	if err := lt.drain(ctx); err != nil {
		return err
	}

	for _, step := range steps {
		current, err := lt.store.Get(ctx, env.ID)
		if err != nil {
			return fmt.Errorf("get environment: %w", err)
		}

		if current.State == environment.StateAvailable {
			lt.reachedAvailable.Add(1)
		}

		if current.State != step.from {
			lt.failedRuns.Add(1)

			return nil
		}

		if err := step.run(); err != nil {
			return fmt.Errorf("lifecycle step from %s: %w", step.from, err)
		}

		if err := lt.drain(ctx); err != nil {
			return err
		}
	}

	return nil
}

// drain runs three workers until nothing is left, including successors a
// slower worker enqueued after the others found the queue empty.
func (lt *lifecycleTarget) drain(ctx context.Context) error {
	for round := 0; round < 100; round++ {
		group, groupCtx := errgroup.WithContext(ctx)
		for i := 0; i < 3; i++ {
			workerID := uuid.NewString()
			group.Go(func() error {
				return lt.worker(groupCtx, workerID)
			})
		}

		if err := group.Wait(); err != nil {
			return err
		}

		n, err := lt.queue.Len(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}

	return errors.New("queue did not drain")
}

func (lt *lifecycleTarget) worker(ctx context.Context, workerID string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			empty, err := lt.engine.ExecuteNext(ctx, workerID)
			if err != nil {
				return fmt.Errorf("worker %s error: %w", workerID, err)
			}
			if empty {
				return nil
			}
		}
	}
}

func (lt *lifecycleTarget) environments(ctx context.Context) ([]*environment.Environment, error) {
	var envs []*environment.Environment

	for {
		select {
		case id := <-lt.envIDs:
			env, err := lt.store.Get(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("get environment %s: %w", id, err)
			}
			envs = append(envs, env)
		default:
			for _, env := range envs {
				lt.envIDs <- env.ID
			}

			return envs, nil
		}
	}
}

// Faults are injected before the wrapped call so no collaborator lock is held
// when a panic fires. Cleanup calls only see delays and errors: a panic there
// is swallowed by the engine and would hide what the cleanup did not finish.
func inject(ctx context.Context) error {
	chaoskit.MaybeDelay(ctx)
	chaoskit.MaybePanic(ctx)

	return chaoskit.MaybeError(ctx)
}

func injectWithoutPanic(ctx context.Context) error {
	chaoskit.MaybeDelay(ctx)

	return chaoskit.MaybeError(ctx)
}

type chaosBroker struct {
	broker.Broker
}

func (b chaosBroker) Allocate(ctx context.Context, environmentID string, requests []broker.AllocateRequest) ([]*environment.ResourceRecord, error) {
	if err := inject(ctx); err != nil {
		return nil, err
	}

	return b.Broker.Allocate(ctx, environmentID, requests)
}

func (b chaosBroker) Status(ctx context.Context, environmentID string, ids []string) ([]broker.ResourceStatus, error) {
	if err := inject(ctx); err != nil {
		return nil, err
	}

	return b.Broker.Status(ctx, environmentID, ids)
}

func (b chaosBroker) Start(ctx context.Context, environmentID string, action broker.StartAction, req broker.StartRequest) error {
	if err := inject(ctx); err != nil {
		return err
	}

	return b.Broker.Start(ctx, environmentID, action, req)
}

func (b chaosBroker) Delete(ctx context.Context, environmentID string, ids []string) error {
	if err := injectWithoutPanic(ctx); err != nil {
		return err
	}

	return b.Broker.Delete(ctx, environmentID, ids)
}

func (b chaosBroker) Suspend(ctx context.Context, environmentID, computeID string) (broker.OperationState, error) {
	if err := inject(ctx); err != nil {
		return "", err
	}

	return b.Broker.Suspend(ctx, environmentID, computeID)
}

type chaosSessions struct {
	workflows.SessionManager
}

func (s chaosSessions) CreateSession(ctx context.Context, env *environment.Environment, computeID string) (*environment.Connection, error) {
	if err := inject(ctx); err != nil {
		return nil, err
	}

	return s.SessionManager.CreateSession(ctx, env, computeID)
}

func (s chaosSessions) DeleteSession(ctx context.Context, sessionID string) error {
	if err := injectWithoutPanic(ctx); err != nil {
		return err
	}

	return s.SessionManager.DeleteSession(ctx, sessionID)
}

type chaosHeartbeats struct {
	workflows.HeartbeatMonitor
}

func (h chaosHeartbeats) CreateHeartbeat(ctx context.Context, environmentID, computeID string) (string, error) {
	if err := inject(ctx); err != nil {
		return "", err
	}

	return h.HeartbeatMonitor.CreateHeartbeat(ctx, environmentID, computeID)
}

func (h chaosHeartbeats) MonitorStateTransition(
	ctx context.Context,
	action workflows.Action,
	environmentID, computeID string,
) error {
	if err := inject(ctx); err != nil {
		return err
	}

	return h.HeartbeatMonitor.MonitorStateTransition(ctx, action, environmentID, computeID)
}

// queueEmptyValidator checks that no continuation outlived its lifecycle.
type queueEmptyValidator struct {
	queue continuation.Queue
}

func (v *queueEmptyValidator) Name() string {
	return "queue-empty"
}

func (v *queueEmptyValidator) Severity() chaoskit.ValidationSeverity {
	return chaoskit.SeverityCritical
}

func (v *queueEmptyValidator) Validate(ctx context.Context, target chaoskit.Target) error {
	n, err := v.queue.Len(ctx)
	if err != nil {
		return fmt.Errorf("failed to count queue: %w", err)
	}

	if n > 0 {
		return fmt.Errorf("continuation queue is not empty: found %d entries", n)
	}

	return nil
}

// operationsTerminalValidator checks that every operation recorded on an
// environment finished as succeeded, failed or cancelled.
type operationsTerminalValidator struct {
	target *lifecycleTarget
}

func (v *operationsTerminalValidator) Name() string {
	return "operations-terminal"
}

func (v *operationsTerminalValidator) Severity() chaoskit.ValidationSeverity {
	return chaoskit.SeverityCritical
}

func (v *operationsTerminalValidator) Validate(ctx context.Context, target chaoskit.Target) error {
	envs, err := v.target.environments(ctx)
	if err != nil {
		return err
	}

	var violations []string
	for _, env := range envs {
		for name, transition := range transitionsOf(env) {
			if transition.InProgress() {
				violations = append(violations, fmt.Sprintf("environment=%s operation=%s status=%s", env.ID, name, transition.Status))
			}
		}
	}

	if len(violations) > 0 {
		return fmt.Errorf("found %d operations still in flight: %v", len(violations), violations)
	}

	return nil
}

// environmentsSettledValidator checks that no environment is parked in a
// transient state unless the operation that last touched it failed.
type environmentsSettledValidator struct {
	target *lifecycleTarget
}

func (v *environmentsSettledValidator) Name() string {
	return "environments-settled"
}

func (v *environmentsSettledValidator) Severity() chaoskit.ValidationSeverity {
	return chaoskit.SeverityCritical
}

func (v *environmentsSettledValidator) Validate(ctx context.Context, target chaoskit.Target) error {
	envs, err := v.target.environments(ctx)
	if err != nil {
		return err
	}

	var violations []string
	for _, env := range envs {
		switch env.State {
		case environment.StateAvailable,
			environment.StateShutdown,
			environment.StateArchived,
			environment.StateFailed:
			continue
		}

		name, latest := latestTransition(env)
		if latest.Status == environment.OperationFailed {
			continue
		}

		violations = append(violations, fmt.Sprintf("environment=%s state=%s last_operation=%s status=%s",
			env.ID, env.State, name, latest.Status))
	}

	if len(violations) > 0 {
		return fmt.Errorf("found %d environments stranded in a transient state: %v", len(violations), violations)
	}

	return nil
}

func transitionsOf(env *environment.Environment) map[string]environment.OperationTransition {
	return map[string]environment.OperationTransition{
		"provisioning":  env.Transitions.Provisioning,
		"resuming":      env.Transitions.Resuming,
		"exporting":     env.Transitions.Exporting,
		"updating":      env.Transitions.Updating,
		"archiving":     env.Transitions.Archiving,
		"shutting_down": env.Transitions.ShuttingDown,
	}
}

func latestTransition(env *environment.Environment) (string, environment.OperationTransition) {
	var (
		name   string
		latest environment.OperationTransition
	)

	for n, transition := range transitionsOf(env) {
		if transition.Updated.After(latest.Updated) {
			name, latest = n, transition
		}
	}

	return name, latest
}
