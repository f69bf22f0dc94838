// Package broker defines the boundary to the resource broker that provisions,
// starts, suspends and deletes compute, storage and disk resources.
package broker

import (
	"context"
	"errors"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
)

// ErrNotFound is returned when none of the referenced resources exist.
var ErrNotFound = errors.New("resource not found")

// OperationState is the broker's view of one asynchronous resource operation.
// The empty value means the operation was never requested.
type OperationState string

const (
	StateInitialized OperationState = "Initialized"
	StateInProgress  OperationState = "InProgress"
	StateSucceeded   OperationState = "Succeeded"
	StateFailed      OperationState = "Failed"
	StateCancelled   OperationState = "Cancelled"
)

// IsPending reports whether the operation may still finish.
func (s OperationState) IsPending() bool {
	return s == "" || s == StateInitialized || s == StateInProgress
}

type StartAction string

const (
	ActionStartCompute StartAction = "StartCompute"
	ActionStartExport  StartAction = "StartExport"
	ActionStartUpdate  StartAction = "StartUpdate"
	ActionStartArchive StartAction = "StartArchive"
)

type AllocateRequest struct {
	Type     environment.ResourceType `json:"type"`
	SKU      string                   `json:"sku"`
	Location string                   `json:"location"`
	// SourceSnapshotID creates an OS disk from an existing snapshot.
	SourceSnapshotID string `json:"source_snapshot_id,omitempty"`
	// SourceResourceID is the disk a snapshot is taken from.
	SourceResourceID string `json:"source_resource_id,omitempty"`
}

// ResourceStatus reports one resource. ID differs from RequestedID when the
// broker replaced the resource internally.
type ResourceStatus struct {
	RequestedID        string                   `json:"requested_id"`
	ID                 string                   `json:"id"`
	Type               environment.ResourceType `json:"type"`
	SKU                string                   `json:"sku"`
	Location           string                   `json:"location"`
	IsReady            bool                     `json:"is_ready"`
	ProvisioningStatus OperationState           `json:"provisioning_status,omitempty"`
	StartingStatus     OperationState           `json:"starting_status,omitempty"`
	CleanupStatus      OperationState           `json:"cleanup_status,omitempty"`
	ArchiveStatus      OperationState           `json:"archive_status,omitempty"`
}

func (s ResourceStatus) Replaced() bool {
	return s.ID != "" && s.ID != s.RequestedID
}

// StartRequest identifies the resources an action runs against. ActingAs is
// the identity the broker authorizes the call for; empty means the caller's
// own service identity.
type StartRequest struct {
	ResourceID       string            `json:"resource_id"`
	StorageID        string            `json:"storage_id,omitempty"`
	ArchiveStorageID string            `json:"archive_storage_id,omitempty"`
	OSDiskID         string            `json:"os_disk_id,omitempty"`
	SourceID         string            `json:"source_id,omitempty"`
	Variables        map[string]string `json:"variables,omitempty"`
	ActingAs         string            `json:"acting_as,omitempty"`
}

type Broker interface {
	// Allocate returns one record per request, in request order.
	Allocate(ctx context.Context, environmentID string, requests []AllocateRequest) ([]*environment.ResourceRecord, error)
	Status(ctx context.Context, environmentID string, ids []string) ([]ResourceStatus, error)
	Start(ctx context.Context, environmentID string, action StartAction, req StartRequest) error
	Delete(ctx context.Context, environmentID string, ids []string) error
	// Suspend asks the compute to clean up gracefully and returns the cleanup
	// status right after the request.
	Suspend(ctx context.Context, environmentID, computeID string) (OperationState, error)
}

// IgnoreNotFound treats a missing resource as already gone.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}

	return err
}
