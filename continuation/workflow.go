package continuation

import (
	"context"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
)

// Workflow is one kind of durable lifecycle operation. The engine drives every
// kind through the same loop; a workflow only knows how to run one state.
type Workflow interface {
	Name() string

	// FetchTransition returns the operation record on env that mirrors the
	// progress of payload, or nil if the workflow does not report one.
	FetchTransition(env *environment.Environment, payload *Payload) *environment.OperationTransition

	// RunStep runs payload.State. It may update payload.Data; the engine
	// persists it with the successor. A returned error fails the instance.
	RunStep(ctx context.Context, payload *Payload) (Result, error)

	ShouldCleanupOnFailure(payload *Payload, result Result) bool

	// Cleanup undoes partial side effects after a Failed or Cancelled result.
	// It is best effort: errors are logged by the engine and dropped.
	Cleanup(ctx context.Context, payload *Payload, result Result) error
}
