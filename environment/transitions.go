package environment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// legalSources maps a destination state to the states it may be entered from.
var legalSources = map[State][]State{
	StateQueued: {StateCreated, StateShutdown, StateArchived},
	StateProvisioning: {
		StateCreated, StateQueued,
	},
	StateStarting:  {StateQueued},
	StateExporting: {StateQueued},
	StateUpdating:  {StateQueued},
	StateAvailable: {
		StateProvisioning, StateStarting, StateExporting, StateUpdating, StateUnavailable,
	},
	StateShuttingDown: {
		StateProvisioning, StateStarting, StateExporting, StateUpdating, StateAvailable, StateUnavailable,
	},
	StateShutdown: {
		StateQueued, StateProvisioning, StateStarting, StateExporting, StateUpdating,
		StateAvailable, StateUnavailable, StateShuttingDown, StateFailed,
	},
	StateArchived: {StateShutdown},
	StateFailed: {
		StateCreated, StateQueued, StateProvisioning, StateStarting, StateExporting,
		StateUpdating, StateUnavailable, StateShuttingDown,
	},
	StateUnavailable: {
		StateProvisioning, StateStarting, StateExporting, StateUpdating, StateAvailable, StateShuttingDown,
	},
	StateDeleted: {
		StateCreated, StateQueued, StateAvailable, StateUnavailable, StateShutdown, StateArchived, StateFailed,
	},
}

var lifecycleEvents = buildEvents()

func buildEvents() fsm.Events {
	events := make(fsm.Events, 0, len(legalSources))
	for dst, sources := range legalSources {
		src := make([]string, 0, len(sources))
		for _, s := range sources {
			src = append(src, string(s))
		}
		events = append(events, fsm.EventDesc{Name: string(dst), Src: src, Dst: string(dst)})
	}

	return events
}

// CanTransition reports whether moving from one state to another is legal.
// Staying in the same state is always allowed.
func CanTransition(from, to State) bool {
	return checkTransition(from, to) == nil
}

func checkTransition(from, to State) error {
	if from == to {
		return nil
	}

	machine := fsm.NewFSM(string(from), lifecycleEvents, fsm.Callbacks{})
	err := machine.Event(context.Background(), string(to))
	if err == nil {
		return nil
	}

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}

	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Transition moves env to the given state, stamping LastStateUpdated.
// Re-entering the current state is a no-op and keeps the previous timestamp.
func Transition(env *Environment, to State, reason string, now time.Time) error {
	if env.State == to {
		return nil
	}

	if err := checkTransition(env.State, to); err != nil {
		return err
	}

	env.State = to
	env.LastStateUpdated = now.UTC()
	env.LastStateUpdateReason = reason

	return nil
}
