// Package workflows holds the collaborators shared by the lifecycle workflows:
// session management, heartbeat monitoring, archival scheduling and resource
// selection.
package workflows

import (
	"context"
	"errors"
	"time"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
)

// ErrInvalidState rejects an operation the environment's current state does
// not allow.
var ErrInvalidState = errors.New("operation not allowed in current environment state")

// Workflow kinds as they appear on queued payloads.
const (
	KindStart    = "start-environment"
	KindArchive  = "archive-environment"
	KindShutdown = "shutdown-environment"
)

// Action is the flavour of a start workflow instance.
type Action string

const (
	ActionCreate Action = "Create"
	ActionResume Action = "Resume"
	ActionExport Action = "Export"
	ActionUpdate Action = "Update"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionResume, ActionExport, ActionUpdate:
		return true
	}

	return false
}

// TargetState is the entity state an action moves a Queued environment to
// once compute starts.
func (a Action) TargetState() environment.State {
	switch a {
	case ActionCreate:
		return environment.StateProvisioning
	case ActionExport:
		return environment.StateExporting
	case ActionUpdate:
		return environment.StateUpdating
	default:
		return environment.StateStarting
	}
}

// Transition returns the operation record on env that reports this action.
func (a Action) Transition(env *environment.Environment) *environment.OperationTransition {
	switch a {
	case ActionCreate:
		return &env.Transitions.Provisioning
	case ActionExport:
		return &env.Transitions.Exporting
	case ActionUpdate:
		return &env.Transitions.Updating
	default:
		return &env.Transitions.Resuming
	}
}

// NeedsSession reports whether the action hands the environment to a user.
func (a Action) NeedsSession() bool {
	return a == ActionCreate || a == ActionResume
}

type SessionManager interface {
	CreateSession(ctx context.Context, env *environment.Environment, computeID string) (*environment.Connection, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type HeartbeatMonitor interface {
	// CreateHeartbeat registers the record the compute agent reports into.
	CreateHeartbeat(ctx context.Context, environmentID, computeID string) (string, error)
	MonitorHeartbeat(ctx context.Context, environmentID, computeID string) error
	// MonitorStateTransition watches for the environment to reach the state
	// that ends the given action.
	MonitorStateTransition(ctx context.Context, action Action, environmentID, computeID string) error
}

type ArchivalCalculator interface {
	NextArchival(ctx context.Context, env *environment.Environment) (time.Time, error)
}

// ResourceSelector decides which resources an action must allocate. It only
// requests slots that are empty on env, which keeps allocation replay safe.
type ResourceSelector interface {
	Select(env *environment.Environment, action Action) ([]broker.AllocateRequest, error)
}

// Repairer forces an environment into a safe suspended state.
type Repairer interface {
	Repair(ctx context.Context, environmentID, reason string) error
}
