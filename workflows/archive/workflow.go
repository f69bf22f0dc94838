// Package archive moves the storage of a shut down environment to cold
// storage: the file share to an archive blob, or the OS disk to a snapshot.
package archive

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
	StateAllocateStorageBlob     = "AllocateStorageBlob"
	StateAllocateStorageSnapshot = "AllocateStorageSnapshot"
	StateStartStorageBlob        = "StartStorageBlob"
	StateCheckStartStorageBlob   = "CheckStartStorageBlob"
	StateCleanupUnneededStorage  = "CleanupUnneededStorage"
)

const (
	ReasonStateNoLongerShutdown = "StateNoLongerShutdown"
	ReasonAllocationFailed      = "ArchiveAllocationFailed"
	ReasonStartFailed           = "ArchiveStartFailed"
	ReasonCopyFailed            = "ArchiveCopyFailed"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, payload *continuation.Payload, delay time.Duration) error
}

type Config struct {
	PollInterval time.Duration
	// BlobSKU is the broker SKU of archive blobs.
	BlobSKU string
	// DiskArchival archives OS disks as snapshots.
	DiskArchival bool
}

func DefaultConfig() Config {
	return Config{PollInterval: 30 * time.Second, BlobSKU: "Archive_LRS"}
}

type Dependencies struct {
	Queue  Enqueuer
	Store  *environment.Store
	Broker broker.Broker
}

// Data is captured when the archive is scheduled. ExpectedLastStateUpdated
// pins the Shutdown the archive was scheduled for.
type Data struct {
	ExpectedLastStateUpdated time.Time                   `json:"expected_last_state_updated"`
	Source                   *environment.ResourceRecord `json:"source"`
	Archive                  *environment.ResourceRecord `json:"archive,omitempty"`
}

type Workflow struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

var _ continuation.Workflow = (*Workflow)(nil)

var errNoLongerShutdown = errors.New("environment no longer shut down")

func New(deps Dependencies, cfg Config, logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Workflow{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("archive"),
		now:    time.Now,
	}
}

func (w *Workflow) Name() string {
	return workflows.KindArchive
}

func (w *Workflow) FetchTransition(env *environment.Environment, _ *continuation.Payload) *environment.OperationTransition {
	return &env.Transitions.Archiving
}

// Start schedules archival of a Shutdown environment.
func (w *Workflow) Start(ctx context.Context, id string) error {
	env, err := w.deps.Store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get environment: %w", err)
	}

	if env.State != environment.StateShutdown {
		return fmt.Errorf("%w: archive environment %s in state %s", workflows.ErrInvalidState, id, env.State)
	}

	data := Data{ExpectedLastStateUpdated: env.LastStateUpdated}
	var initial string

	switch {
	case w.cfg.DiskArchival && env.OSDisk != nil:
		initial = StateAllocateStorageSnapshot
		data.Source = env.OSDisk
	case env.Storage != nil && env.Storage.Type == environment.ResourceStorageFileShare:
		initial = StateAllocateStorageBlob
		data.Source = env.Storage
	default:
		return fmt.Errorf("%w: environment %s has no storage to archive", workflows.ErrInvalidState, id)
	}

	payload, err := continuation.NewPayload(w.Name(), id, "Archive", initial, data)
	if err != nil {
		return err
	}

	if err := w.deps.Queue.Enqueue(ctx, payload, 0); err != nil {
		return fmt.Errorf("enqueue archive of %s: %w", id, err)
	}

	return nil
}

func (w *Workflow) stillShutdown(env *environment.Environment, data *Data) bool {
	return env.State == environment.StateShutdown && env.LastStateUpdated.Equal(data.ExpectedLastStateUpdated)
}

// swapped reports whether the entity already references the archive.
func swapped(env *environment.Environment, data *Data) bool {
	if data.Archive == nil {
		return false
	}

	return env.ResourceByID(data.Archive.ID) != nil
}

func (w *Workflow) RunStep(ctx context.Context, payload *continuation.Payload) (continuation.Result, error) {
	var data Data
	if err := payload.Decode(&data); err != nil {
		return continuation.Result{}, err
	}

	env, err := w.deps.Store.Get(ctx, payload.EnvironmentID)
	if errors.Is(err, environment.ErrNotFound) {
		return continuation.Failed(ReasonStateNoLongerShutdown), nil
	}
	if err != nil {
		return continuation.Result{}, err
	}

	replayAfterSwap := payload.State == StateCleanupUnneededStorage &&
		env.State == environment.StateArchived && swapped(env, &data)

	if !replayAfterSwap && !w.stillShutdown(env, &data) {
		w.logger.Info("environment changed since archive was scheduled",
			zap.String("environment_id", env.ID),
			zap.String("state", string(env.State)),
			zap.Time("last_state_updated", env.LastStateUpdated),
		)

		return continuation.Failed(ReasonStateNoLongerShutdown), nil
	}

	var result continuation.Result

	switch payload.State {
	case StateAllocateStorageBlob:
		result, err = w.allocate(ctx, env, &data, environment.ResourceStorageArchive, w.cfg.BlobSKU)
	case StateAllocateStorageSnapshot:
		result, err = w.allocate(ctx, env, &data, environment.ResourceSnapshot, data.Source.SKU)
	case StateStartStorageBlob:
		result, err = w.startStorageBlob(ctx, env, &data)
	case StateCheckStartStorageBlob:
		result, err = w.checkStartStorageBlob(ctx, env, &data)
	case StateCleanupUnneededStorage:
		result, err = w.cleanupUnneededStorage(ctx, env, &data)
	default:
		return continuation.Failedf("unknown archive state %q", payload.State), nil
	}
	if err != nil {
		return continuation.Result{}, err
	}

	if err := payload.Encode(data); err != nil {
		return continuation.Result{}, err
	}

	return result, nil
}

func (w *Workflow) ShouldCleanupOnFailure(_ *continuation.Payload, result continuation.Result) bool {
	return result.Status == continuation.ResultFailed || result.Status == continuation.ResultCancelled
}

// Cleanup deletes an archive resource the entity never switched to. Once the
// swap happened the archive is the environment's storage and stays.
func (w *Workflow) Cleanup(ctx context.Context, payload *continuation.Payload, _ continuation.Result) error {
	var data Data
	if err := payload.Decode(&data); err != nil {
		return err
	}

	if data.Archive == nil {
		return nil
	}

	env, err := w.deps.Store.Get(ctx, payload.EnvironmentID)
	if err != nil && !errors.Is(err, environment.ErrNotFound) {
		return fmt.Errorf("load environment for cleanup: %w", err)
	}

	if env != nil && swapped(env, &data) {
		return nil
	}

	if err := broker.IgnoreNotFound(w.deps.Broker.Delete(ctx, payload.EnvironmentID, []string{data.Archive.ID})); err != nil {
		return fmt.Errorf("delete unused archive %s: %w", data.Archive.ID, err)
	}

	return nil
}
