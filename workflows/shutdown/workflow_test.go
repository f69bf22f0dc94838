package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker/simulated"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows/inprocess"
)

type recordingQueue struct {
	payloads []*continuation.Payload
}

func (q *recordingQueue) Enqueue(_ context.Context, payload *continuation.Payload, _ time.Duration) error {
	q.payloads = append(q.payloads, payload)

	return nil
}

// emptyStatusBroker answers every status query with an empty list.
type emptyStatusBroker struct {
	*simulated.Broker
}

func (emptyStatusBroker) Status(context.Context, string, []string) ([]broker.ResourceStatus, error) {
	return []broker.ResourceStatus{}, nil
}

type fixture struct {
	repo     *environment.MemoryRepository
	broker   *simulated.Broker
	queue    *recordingQueue
	sessions *inprocess.Sessions
	wf       *Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:     environment.NewMemoryRepository(),
		broker:   simulated.New(),
		queue:    &recordingQueue{},
		sessions: inprocess.NewSessions(""),
	}

	f.wf = New(Dependencies{
		Queue:    f.queue,
		Store:    environment.NewStore(f.repo, environment.DefaultRetryPolicy()),
		Broker:   f.broker,
		Sessions: f.sessions,
		Archival: inprocess.FixedArchival{After: 7 * 24 * time.Hour},
	}, DefaultConfig(), zaptest.NewLogger(t))

	return f
}

func (f *fixture) seed(t *testing.T, env *environment.Environment) *environment.Environment {
	t.Helper()

	for _, r := range env.Resources() {
		f.broker.Seed(*r)
	}

	created, err := f.repo.Create(context.Background(), env)
	require.NoError(t, err)

	return created
}

func (f *fixture) get(t *testing.T, id string) *environment.Environment {
	t.Helper()

	env, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)

	return env
}

func (f *fixture) run(t *testing.T, payload *continuation.Payload) continuation.Result {
	t.Helper()

	result, err := f.wf.RunStep(context.Background(), payload)
	require.NoError(t, err)

	return result
}

func vm(id string) *environment.ResourceRecord {
	return &environment.ResourceRecord{ID: id, Type: environment.ResourceComputeVM, IsReady: true}
}

func TestStart_InitialStateFollowsOptions(t *testing.T) {
	tests := []struct {
		name  string
		env   *environment.Environment
		force bool
		want  string
		state environment.State
	}{
		{
			name:  "graceful",
			env:   &environment.Environment{State: environment.StateAvailable, Compute: vm("vm-1")},
			want:  StateCheckComputeCleanupStatus,
			state: environment.StateShuttingDown,
		},
		{
			name:  "forced",
			env:   &environment.Environment{State: environment.StateStarting, Compute: vm("vm-2")},
			force: true,
			want:  StateComputeDelete,
			state: environment.StateShuttingDown,
		},
		{
			name:  "no compute",
			env:   &environment.Environment{State: environment.StateAvailable},
			want:  StateMarkShutdown,
			state: environment.StateShuttingDown,
		},
		{
			name:  "queued stays queued until marked",
			env:   &environment.Environment{State: environment.StateQueued, Compute: vm("vm-3")},
			force: true,
			want:  StateComputeDelete,
			state: environment.StateQueued,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			env := f.seed(t, tt.env)

			require.NoError(t, f.wf.Start(context.Background(), env.ID, Options{Force: tt.force}))

			require.Len(t, f.queue.payloads, 1)
			assert.Equal(t, tt.want, f.queue.payloads[0].State)
			assert.Equal(t, workflows.KindShutdown, f.queue.payloads[0].Kind)
			assert.Equal(t, tt.state, f.get(t, env.ID).State)
		})
	}
}

func TestStart_SuspendedOrMissingIsAccepted(t *testing.T) {
	f := newFixture(t)

	for _, state := range []environment.State{environment.StateShutdown, environment.StateArchived} {
		env := f.seed(t, &environment.Environment{State: state})
		require.NoError(t, f.wf.Start(context.Background(), env.ID, Options{}))
	}

	require.NoError(t, f.wf.Start(context.Background(), "missing", Options{Force: true}))
	assert.Empty(t, f.queue.payloads)
}

func TestComputeDelete_ReplayTreatsMissingComputeAsDeleted(t *testing.T) {
	f := newFixture(t)

	env := f.seed(t, &environment.Environment{State: environment.StateShuttingDown, Compute: vm("vm-1")})

	payload, err := continuation.NewPayload(workflows.KindShutdown, env.ID, "Shutdown", StateComputeDelete, Data{Force: true, ComputeID: "vm-1"})
	require.NoError(t, err)

	first := f.run(t, payload.Clone())
	assert.Equal(t, StateCheckComputeDeleteStatus, first.NextState)
	assert.Equal(t, []string{"vm-1"}, f.broker.Deleted())

	replay := f.run(t, payload.Clone())
	assert.Equal(t, StateCheckComputeDeleteStatus, replay.NextState)
	assert.Equal(t, []string{"vm-1"}, f.broker.Deleted(), "no second delete reaches the broker")

	payload.State = StateCheckComputeDeleteStatus
	check := f.run(t, payload)
	assert.Equal(t, StateMarkShutdown, check.NextState)
}

func TestCheckComputeCleanupStatus_SuspendsOnceThenPolls(t *testing.T) {
	f := newFixture(t)
	f.broker = simulated.New(simulated.WithCleanupAfter(1))
	f.wf.deps.Broker = f.broker

	env := f.seed(t, &environment.Environment{State: environment.StateShuttingDown, Compute: vm("vm-1")})

	payload, err := continuation.NewPayload(workflows.KindShutdown, env.ID, "Shutdown", StateCheckComputeCleanupStatus, Data{ComputeID: "vm-1"})
	require.NoError(t, err)

	result := f.run(t, payload)
	assert.Equal(t, continuation.ResultInProgress, result.Status)
	assert.Empty(t, result.NextState)

	var data Data
	require.NoError(t, payload.Decode(&data))
	assert.True(t, data.SuspendRequested)

	result = f.run(t, payload)
	assert.Empty(t, result.NextState, "cleanup needs one more poll")

	result = f.run(t, payload)
	assert.Equal(t, StateComputeDelete, result.NextState)
	assert.Equal(t, []string{"vm-1"}, f.broker.Suspended())
}

func TestCheckComputeCleanupStatus_EmptyStatusFails(t *testing.T) {
	f := newFixture(t)
	f.wf.deps.Broker = emptyStatusBroker{f.broker}

	env := f.seed(t, &environment.Environment{State: environment.StateShuttingDown, Compute: vm("vm-1")})

	payload, err := continuation.NewPayload(workflows.KindShutdown, env.ID, "Shutdown", StateCheckComputeCleanupStatus,
		Data{ComputeID: "vm-1", SuspendRequested: true})
	require.NoError(t, err)

	result := f.run(t, payload)

	assert.Equal(t, continuation.ResultFailed, result.Status)
	assert.Contains(t, result.ErrorReason, ReasonComputeCleanupFailed)
	assert.Contains(t, result.ErrorReason, "no status")
}

func TestMarkShutdown_ClearsRuntimeStateAndSchedulesArchival(t *testing.T) {
	f := newFixture(t)
	f.wf.cfg.DynamicArchival = true

	ctx := context.Background()
	conn, err := f.sessions.CreateSession(ctx, &environment.Environment{ID: "placeholder"}, "vm-1")
	require.NoError(t, err)

	env := f.seed(t, &environment.Environment{
		State:      environment.StateShuttingDown,
		Compute:    vm("vm-1"),
		Storage:    &environment.ResourceRecord{ID: "share-1", Type: environment.ResourceStorageFileShare},
		Connection: conn,
		Heartbeat:  &environment.HeartbeatRef{ID: "hb-1", ComputeID: "vm-1"},
	})

	payload, err := continuation.NewPayload(workflows.KindShutdown, env.ID, "Shutdown", StateMarkShutdown, Data{ComputeID: "vm-1"})
	require.NoError(t, err)

	result := f.run(t, payload)
	assert.Equal(t, continuation.ResultSucceeded, result.Status)

	stored := f.get(t, env.ID)
	assert.Equal(t, environment.StateShutdown, stored.State)
	assert.Nil(t, stored.Compute)
	assert.Nil(t, stored.Connection)
	assert.Nil(t, stored.Heartbeat)
	require.NotNil(t, stored.Storage)
	require.NotNil(t, stored.ScheduledArchival)
	assert.True(t, stored.ScheduledArchival.After(time.Now().Add(6*24*time.Hour)))
	assert.Empty(t, f.sessions.Active("placeholder"))
}

func TestRunStep_MissingEnvironmentSucceeds(t *testing.T) {
	f := newFixture(t)

	payload, err := continuation.NewPayload(workflows.KindShutdown, "gone", "Shutdown", StateComputeDelete, Data{})
	require.NoError(t, err)

	assert.Equal(t, continuation.ResultSucceeded, f.run(t, payload).Status)
	assert.False(t, f.wf.ShouldCleanupOnFailure(payload, continuation.Failed("x")))
}

func TestRepair_ForcesShutdown(t *testing.T) {
	f := newFixture(t)

	env := f.seed(t, &environment.Environment{State: environment.StateStarting, Compute: vm("vm-1")})

	require.NoError(t, f.wf.Repair(context.Background(), env.ID, "Resume: StartComputeFailed"))

	require.Len(t, f.queue.payloads, 1)
	assert.Equal(t, StateComputeDelete, f.queue.payloads[0].State)
	assert.Equal(t, "Repair: Resume: StartComputeFailed", f.queue.payloads[0].Reason)
	assert.Equal(t, environment.StateShuttingDown, f.get(t, env.ID).State)
}
