// Package simulated is an in-process resource broker. Resources become ready,
// start and clean up after a configurable number of status polls, and every
// call is recorded so tests can assert on side effects.
package simulated

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
)

var _ broker.Broker = (*Broker)(nil)

type resource struct {
	record         environment.ResourceRecord
	provisioning   broker.OperationState
	starting       broker.OperationState
	cleanup        broker.OperationState
	archive        broker.OperationState
	provisionPolls int
	startPolls     int
	cleanupPolls   int
	archivePolls   int
	// replacedBy is set once the broker swapped this resource for another.
	replacedBy string
}

type StartCall struct {
	EnvironmentID string
	Action        broker.StartAction
	Request       broker.StartRequest
}

type Broker struct {
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time

	readyAfter   int
	startAfter   int
	cleanupAfter int
	archiveAfter int

	resources map[string]*resource

	allocateErrors    map[environment.ResourceType]error
	failProvisioning  map[environment.ResourceType]bool
	failStart         map[broker.StartAction]bool
	replaceOnNextPoll map[string]bool
	allocations       [][]broker.AllocateRequest
	deleted           []string
	starts            []StartCall
	suspended         []string
}

type Option func(b *Broker)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithReadyAfter sets how many status polls a new resource needs before it is
// ready.
func WithReadyAfter(polls int) Option {
	return func(b *Broker) {
		b.readyAfter = polls
	}
}

func WithStartAfter(polls int) Option {
	return func(b *Broker) {
		b.startAfter = polls
	}
}

func WithCleanupAfter(polls int) Option {
	return func(b *Broker) {
		b.cleanupAfter = polls
	}
}

func WithArchiveAfter(polls int) Option {
	return func(b *Broker) {
		b.archiveAfter = polls
	}
}

func New(opts ...Option) *Broker {
	b := &Broker{
		logger:            zap.NewNop(),
		now:               time.Now,
		resources:         make(map[string]*resource),
		allocateErrors:    make(map[environment.ResourceType]error),
		failProvisioning:  make(map[environment.ResourceType]bool),
		failStart:         make(map[broker.StartAction]bool),
		replaceOnNextPoll: make(map[string]bool),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Seed registers an already provisioned resource.
func (b *Broker) Seed(record environment.ResourceRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record.IsReady = true
	b.resources[record.ID] = &resource{record: record, provisioning: broker.StateSucceeded}
}

func (b *Broker) FailAllocate(typ environment.ResourceType, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allocateErrors[typ] = err
}

// FailProvisioning makes every resource of typ report a failed provisioning.
func (b *Broker) FailProvisioning(typ environment.ResourceType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failProvisioning[typ] = true
}

func (b *Broker) FailStart(action broker.StartAction) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failStart[action] = true
}

// ReplaceOnNextPoll swaps the resource for a new one the next time its status
// is queried, as the real broker does when it recycles a bad allocation.
func (b *Broker) ReplaceOnNextPoll(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.replaceOnNextPoll[id] = true
}

// Remove drops a resource without recording a delete, simulating a resource
// that vanished outside of the workflow.
func (b *Broker) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.resources, id)
}

func (b *Broker) Exists(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.resources[id]

	return ok
}

func (b *Broker) Allocations() [][]broker.AllocateRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]broker.AllocateRequest, len(b.allocations))
	for i, batch := range b.allocations {
		out[i] = append([]broker.AllocateRequest(nil), batch...)
	}

	return out
}

func (b *Broker) Deleted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := append([]string(nil), b.deleted...)
	sort.Strings(out)

	return out
}

func (b *Broker) Starts() []StartCall {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]StartCall(nil), b.starts...)
}

func (b *Broker) Suspended() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.suspended...)
}

func (b *Broker) Allocate(
	ctx context.Context,
	environmentID string,
	requests []broker.AllocateRequest,
) ([]*environment.ResourceRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allocations = append(b.allocations, append([]broker.AllocateRequest(nil), requests...))

	for _, req := range requests {
		if err := b.allocateErrors[req.Type]; err != nil {
			return nil, fmt.Errorf("allocate %s: %w", req.Type, err)
		}

		if req.SourceSnapshotID != "" {
			if _, ok := b.resources[req.SourceSnapshotID]; !ok {
				return nil, fmt.Errorf("snapshot %s: %w", req.SourceSnapshotID, broker.ErrNotFound)
			}
		}
	}

	records := make([]*environment.ResourceRecord, 0, len(requests))
	for _, req := range requests {
		res := b.newResource(req.Type, req.SKU, req.Location)
		record := res.record
		records = append(records, &record)

		b.logger.Debug("resource allocated",
			zap.String("environment_id", environmentID),
			zap.String("resource_id", record.ID),
			zap.String("type", string(record.Type)),
		)
	}

	return records, nil
}

func (b *Broker) newResource(typ environment.ResourceType, sku, location string) *resource {
	res := &resource{
		record: environment.ResourceRecord{
			ID:       uuid.NewString(),
			SKU:      sku,
			Location: location,
			Type:     typ,
			Created:  b.now().UTC(),
		},
		provisioning:   broker.StateInProgress,
		provisionPolls: b.readyAfter,
	}
	b.resources[res.record.ID] = res

	return res
}

func (b *Broker) Status(ctx context.Context, environmentID string, ids []string) ([]broker.ResourceStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]broker.ResourceStatus, 0, len(ids))
	for _, id := range ids {
		res, ok := b.resources[id]
		if !ok {
			return nil, fmt.Errorf("status of %s: %w", id, broker.ErrNotFound)
		}

		if b.replaceOnNextPoll[id] {
			delete(b.replaceOnNextPoll, id)
			replacement := b.newResource(res.record.Type, res.record.SKU, res.record.Location)
			res.replacedBy = replacement.record.ID
		}

		current := res
		for current.replacedBy != "" {
			next, ok := b.resources[current.replacedBy]
			if !ok {
				break
			}
			current = next
		}

		b.advance(current)

		out = append(out, broker.ResourceStatus{
			RequestedID:        id,
			ID:                 current.record.ID,
			Type:               current.record.Type,
			SKU:                current.record.SKU,
			Location:           current.record.Location,
			IsReady:            current.record.IsReady,
			ProvisioningStatus: current.provisioning,
			StartingStatus:     current.starting,
			CleanupStatus:      current.cleanup,
			ArchiveStatus:      current.archive,
		})
	}

	return out, nil
}

// advance moves every pending operation of res one poll closer to done.
func (b *Broker) advance(res *resource) {
	if res.provisioning == broker.StateInProgress {
		switch {
		case b.failProvisioning[res.record.Type]:
			res.provisioning = broker.StateFailed
		case res.provisionPolls > 0:
			res.provisionPolls--
		default:
			res.provisioning = broker.StateSucceeded
			res.record.IsReady = true
		}
	}

	step := func(state *broker.OperationState, polls *int) {
		if *state != broker.StateInProgress {
			return
		}
		if *polls > 0 {
			*polls--

			return
		}
		*state = broker.StateSucceeded
	}

	step(&res.starting, &res.startPolls)
	step(&res.cleanup, &res.cleanupPolls)
	step(&res.archive, &res.archivePolls)
}

func (b *Broker) Start(ctx context.Context, environmentID string, action broker.StartAction, req broker.StartRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.starts = append(b.starts, StartCall{EnvironmentID: environmentID, Action: action, Request: req})

	res, ok := b.resources[req.ResourceID]
	if !ok {
		return fmt.Errorf("start %s on %s: %w", action, req.ResourceID, broker.ErrNotFound)
	}

	state := broker.StateInProgress
	if b.failStart[action] {
		state = broker.StateFailed
	}

	if action == broker.ActionStartArchive {
		if _, ok := b.resources[req.SourceID]; !ok {
			return fmt.Errorf("archive source %s: %w", req.SourceID, broker.ErrNotFound)
		}
		res.archive = state
		res.archivePolls = b.archiveAfter

		return nil
	}

	res.starting = state
	res.startPolls = b.startAfter

	return nil
}

func (b *Broker) Delete(ctx context.Context, environmentID string, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	found := false
	for _, id := range ids {
		if _, ok := b.resources[id]; !ok {
			continue
		}

		found = true
		delete(b.resources, id)
		b.deleted = append(b.deleted, id)

		b.logger.Debug("resource deleted",
			zap.String("environment_id", environmentID),
			zap.String("resource_id", id),
		)
	}

	if !found {
		return fmt.Errorf("delete %v: %w", ids, broker.ErrNotFound)
	}

	return nil
}

func (b *Broker) Suspend(ctx context.Context, environmentID, computeID string) (broker.OperationState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.suspended = append(b.suspended, computeID)

	res, ok := b.resources[computeID]
	if !ok {
		return "", fmt.Errorf("suspend %s: %w", computeID, broker.ErrNotFound)
	}

	if res.cleanup == "" || res.cleanup == broker.StateSucceeded {
		res.cleanup = broker.StateInProgress
		res.cleanupPolls = b.cleanupAfter
	}

	return res.cleanup, nil
}
