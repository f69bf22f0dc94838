// Package inprocess provides session, heartbeat and archival collaborators
// that live inside the daemon. They back single-node deployments and tests.
package inprocess

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows"
)

var (
	_ workflows.SessionManager     = (*Sessions)(nil)
	_ workflows.HeartbeatMonitor   = (*Heartbeats)(nil)
	_ workflows.ArchivalCalculator = FixedArchival{}
)

type Sessions struct {
	mu       sync.Mutex
	baseURI  string
	sessions map[string]string
}

func NewSessions(baseURI string) *Sessions {
	return &Sessions{baseURI: baseURI, sessions: make(map[string]string)}
}

func (s *Sessions) CreateSession(_ context.Context, env *environment.Environment, computeID string) (*environment.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.sessions[id] = env.ID

	conn := &environment.Connection{SessionID: id}
	if s.baseURI != "" {
		conn.ServiceURI = fmt.Sprintf("%s/%s", s.baseURI, id)
	}

	return conn, nil
}

// DeleteSession accepts unknown ids so teardown paths can replay.
func (s *Sessions) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)

	return nil
}

// Active reports the session ids currently open for an environment.
func (s *Sessions) Active(environmentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, envID := range s.sessions {
		if envID == environmentID {
			ids = append(ids, id)
		}
	}

	return ids
}

type heartbeat struct {
	id         string
	computeID  string
	monitored  bool
	lastReport time.Time
}

// Heartbeats tracks heartbeat records and treats a started compute as
// healthy right away, moving the environment to Available.
type Heartbeats struct {
	mu         sync.Mutex
	store      *environment.Store
	logger     *zap.Logger
	now        func() time.Time
	heartbeats map[string]*heartbeat
}

func NewHeartbeats(store *environment.Store, logger *zap.Logger) *Heartbeats {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Heartbeats{
		store:      store,
		logger:     logger.Named("heartbeats"),
		now:        time.Now,
		heartbeats: make(map[string]*heartbeat),
	}
}

func (h *Heartbeats) CreateHeartbeat(_ context.Context, environmentID, computeID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hb := &heartbeat{id: uuid.NewString(), computeID: computeID}
	h.heartbeats[environmentID] = hb

	return hb.id, nil
}

func (h *Heartbeats) MonitorHeartbeat(_ context.Context, environmentID, computeID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	hb, ok := h.heartbeats[environmentID]
	if !ok || hb.computeID != computeID {
		return fmt.Errorf("no heartbeat for compute %s of environment %s", computeID, environmentID)
	}

	hb.monitored = true
	hb.lastReport = h.now().UTC()

	return nil
}

func (h *Heartbeats) Monitored(environmentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	hb, ok := h.heartbeats[environmentID]

	return ok && hb.monitored
}

// MonitorStateTransition completes the action by marking the environment
// Available. An environment that already moved on is left alone.
func (h *Heartbeats) MonitorStateTransition(ctx context.Context, action workflows.Action, environmentID, computeID string) error {
	now := h.now()

	_, err := h.store.UpdateWithRetry(ctx, environmentID, func(env *environment.Environment) error {
		if env.Compute == nil || env.Compute.ID != computeID {
			return nil
		}

		if env.State != action.TargetState() {
			return nil
		}

		return environment.Transition(env, environment.StateAvailable, string(action), now)
	})
	if err != nil {
		return fmt.Errorf("mark environment available: %w", err)
	}

	h.logger.Debug("environment available",
		zap.String("environment_id", environmentID),
		zap.String("action", string(action)),
	)

	return nil
}

// FixedArchival schedules archival a fixed delay after shutdown.
type FixedArchival struct {
	After time.Duration
	Now   func() time.Time
}

func (f FixedArchival) NextArchival(context.Context, *environment.Environment) (time.Time, error) {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}

	return now().Add(f.After), nil
}
