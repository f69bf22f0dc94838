package remote

import (
	"context"
	"errors"
	"net/http"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows"
)

type heartbeatRequest struct {
	EnvironmentID string           `json:"environment_id"`
	ComputeID     string           `json:"compute_id"`
	Action        workflows.Action `json:"action,omitempty"`
	TargetState   string           `json:"target_state,omitempty"`
}

type heartbeatResponse struct {
	ID string `json:"id"`
}

// Heartbeats registers heartbeat records with the monitoring service, which
// reports the environment Available once the agent checks in.
type Heartbeats struct {
	c *client
}

var _ workflows.HeartbeatMonitor = (*Heartbeats)(nil)

func NewHeartbeats(baseURL string, opts ...Option) *Heartbeats {
	return &Heartbeats{c: newClient(baseURL, opts...)}
}

func (h *Heartbeats) CreateHeartbeat(ctx context.Context, environmentID, computeID string) (string, error) {
	var resp heartbeatResponse

	err := h.c.call(ctx, "create heartbeat", http.MethodPost, "/api/heartbeats", heartbeatRequest{
		EnvironmentID: environmentID,
		ComputeID:     computeID,
	}, &resp, false)
	if err != nil {
		return "", err
	}

	if resp.ID == "" {
		return "", errors.New("create heartbeat: no heartbeat id returned")
	}

	return resp.ID, nil
}

func (h *Heartbeats) MonitorHeartbeat(ctx context.Context, environmentID, computeID string) error {
	return h.c.call(ctx, "monitor heartbeat", http.MethodPost, "/api/heartbeats/monitor", heartbeatRequest{
		EnvironmentID: environmentID,
		ComputeID:     computeID,
	}, nil, true)
}

func (h *Heartbeats) MonitorStateTransition(ctx context.Context, action workflows.Action, environmentID, computeID string) error {
	return h.c.call(ctx, "monitor state transition", http.MethodPost, "/api/heartbeats/transitions", heartbeatRequest{
		EnvironmentID: environmentID,
		ComputeID:     computeID,
		Action:        action,
		TargetState:   string(action.TargetState()),
	}, nil, true)
}
