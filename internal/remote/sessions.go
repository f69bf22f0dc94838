package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows"
)

type createSessionRequest struct {
	EnvironmentID string `json:"environment_id"`
	OwnerID       string `json:"owner_id"`
	ComputeID     string `json:"compute_id"`
}

type Sessions struct {
	c *client
}

var _ workflows.SessionManager = (*Sessions)(nil)

func NewSessions(baseURL string, opts ...Option) *Sessions {
	return &Sessions{c: newClient(baseURL, opts...)}
}

func (s *Sessions) CreateSession(ctx context.Context, env *environment.Environment, computeID string) (*environment.Connection, error) {
	var conn environment.Connection

	err := s.c.call(ctx, "create session", http.MethodPost, "/api/sessions", createSessionRequest{
		EnvironmentID: env.ID,
		OwnerID:       env.OwnerID,
		ComputeID:     computeID,
	}, &conn, false)
	if err != nil {
		return nil, err
	}

	if conn.SessionID == "" {
		return nil, fmt.Errorf("create session: no session id for environment %s", env.ID)
	}

	return &conn, nil
}

// DeleteSession treats an unknown session as already deleted.
func (s *Sessions) DeleteSession(ctx context.Context, sessionID string) error {
	err := s.c.call(ctx, "delete session", http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), nil, nil, true)

	return ignoreNotFound(err)
}
