package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
)

type allocateRequest struct {
	Requests []broker.AllocateRequest `json:"requests"`
}

type allocateResponse struct {
	Resources []*environment.ResourceRecord `json:"resources"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type statusResponse struct {
	Statuses []broker.ResourceStatus `json:"statuses"`
}

type startRequest struct {
	Action  broker.StartAction  `json:"action"`
	Request broker.StartRequest `json:"request"`
}

type suspendResponse struct {
	CleanupStatus broker.OperationState `json:"cleanup_status"`
}

// Broker talks to the resource broker service. Every resource path is scoped
// by the owning environment.
type Broker struct {
	c *client
}

var _ broker.Broker = (*Broker)(nil)

func NewBroker(baseURL string, opts ...Option) *Broker {
	return &Broker{c: newClient(baseURL, opts...)}
}

func resourcesPath(environmentID string) string {
	return "/api/environments/" + url.PathEscape(environmentID) + "/resources"
}

func (b *Broker) Allocate(
	ctx context.Context,
	environmentID string,
	requests []broker.AllocateRequest,
) ([]*environment.ResourceRecord, error) {
	var resp allocateResponse

	// Not retried here: a lost answer is recovered by the workflow, which
	// only records what it saw allocated.
	err := b.c.call(ctx, "allocate resources", http.MethodPost, resourcesPath(environmentID),
		allocateRequest{Requests: requests}, &resp, false)
	if err != nil {
		return nil, mapNotFound(err, broker.ErrNotFound)
	}

	if len(resp.Resources) != len(requests) {
		return nil, fmt.Errorf("allocate resources: broker returned %d records for %d requests",
			len(resp.Resources), len(requests))
	}

	return resp.Resources, nil
}

func (b *Broker) Status(ctx context.Context, environmentID string, ids []string) ([]broker.ResourceStatus, error) {
	var resp statusResponse

	err := b.c.call(ctx, "resource status", http.MethodPost, resourcesPath(environmentID)+"/status",
		idsRequest{IDs: ids}, &resp, true)
	if err != nil {
		return nil, mapNotFound(err, broker.ErrNotFound)
	}

	return resp.Statuses, nil
}

func (b *Broker) Start(ctx context.Context, environmentID string, action broker.StartAction, req broker.StartRequest) error {
	err := b.c.call(ctx, "start "+string(action), http.MethodPost, resourcesPath(environmentID)+"/start",
		startRequest{Action: action, Request: req}, nil, false)

	return mapNotFound(err, broker.ErrNotFound)
}

func (b *Broker) Delete(ctx context.Context, environmentID string, ids []string) error {
	err := b.c.call(ctx, "delete resources", http.MethodPost, resourcesPath(environmentID)+"/delete",
		idsRequest{IDs: ids}, nil, true)

	return mapNotFound(err, broker.ErrNotFound)
}

func (b *Broker) Suspend(ctx context.Context, environmentID, computeID string) (broker.OperationState, error) {
	var resp suspendResponse

	path := resourcesPath(environmentID) + "/" + url.PathEscape(computeID) + "/suspend"
	if err := b.c.call(ctx, "suspend compute", http.MethodPost, path, nil, &resp, true); err != nil {
		return "", mapNotFound(err, broker.ErrNotFound)
	}

	if resp.CleanupStatus == "" {
		return "", errors.New("suspend compute: broker returned no cleanup status")
	}

	return resp.CleanupStatus, nil
}
