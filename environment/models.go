package environment

import (
	"time"
)

type State string

const (
	StateCreated      State = "Created"
	StateQueued       State = "Queued"
	StateProvisioning State = "Provisioning"
	StateStarting     State = "Starting"
	StateExporting    State = "Exporting"
	StateUpdating     State = "Updating"
	StateAvailable    State = "Available"
	StateShuttingDown State = "ShuttingDown"
	StateShutdown     State = "Shutdown"
	StateArchived     State = "Archived"
	StateFailed       State = "Failed"
	StateUnavailable  State = "Unavailable"
	StateDeleted      State = "Deleted"
)

type ResourceType string

const (
	ResourceComputeVM        ResourceType = "ComputeVM"
	ResourceStorageFileShare ResourceType = "StorageFileShare"
	ResourceStorageArchive   ResourceType = "StorageArchive"
	ResourceOSDisk           ResourceType = "OSDisk"
	ResourceSnapshot         ResourceType = "Snapshot"
)

// OperationStatus is the status of one long-running operation kind as seen on
// the entity. The empty value means the operation never ran.
type OperationStatus string

const (
	OperationInitialized OperationStatus = "Initialized"
	OperationInProgress  OperationStatus = "InProgress"
	OperationSucceeded   OperationStatus = "Succeeded"
	OperationFailed      OperationStatus = "Failed"
	OperationCancelled   OperationStatus = "Cancelled"
)

func (s OperationStatus) IsTerminal() bool {
	return s == OperationSucceeded || s == OperationFailed || s == OperationCancelled
}

// ResourceRecord is an immutable snapshot of one allocated broker resource.
// Swaps replace the pointer on the entity; the old record is never modified.
type ResourceRecord struct {
	ID       string       `json:"id"`
	SKU      string       `json:"sku"`
	Location string       `json:"location"`
	Type     ResourceType `json:"type"`
	Created  time.Time    `json:"created"`
	IsReady  bool         `json:"is_ready"`
}

func (r *ResourceRecord) WithReady(ready bool) *ResourceRecord {
	clone := *r
	clone.IsReady = ready

	return &clone
}

type Connection struct {
	SessionID  string `json:"session_id"`
	ServiceURI string `json:"service_uri,omitempty"`
}

type HeartbeatRef struct {
	ID        string `json:"id"`
	ComputeID string `json:"compute_id"`
}

type OperationTransition struct {
	Status  OperationStatus `json:"status,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Updated time.Time       `json:"updated,omitempty"`
	// OperationID names the operation that moved the environment into this
	// transition's target state. Set does not touch it.
	OperationID string `json:"operation_id,omitempty"`
}

func (t *OperationTransition) Set(status OperationStatus, reason string, now time.Time) {
	t.Status = status
	t.Reason = reason
	t.Updated = now
}

func (t *OperationTransition) InProgress() bool {
	return t.Status == OperationInitialized || t.Status == OperationInProgress
}

type Transitions struct {
	Provisioning OperationTransition `json:"provisioning"`
	Resuming     OperationTransition `json:"resuming"`
	Exporting    OperationTransition `json:"exporting"`
	Updating     OperationTransition `json:"updating"`
	Archiving    OperationTransition `json:"archiving"`
	ShuttingDown OperationTransition `json:"shutting_down"`
}

// Environment is the aggregate root persisted in the document store.
// Version is the document etag used for optimistic concurrency.
type Environment struct {
	ID                    string          `json:"id"`
	FriendlyName          string          `json:"friendly_name"`
	OwnerID               string          `json:"owner_id"`
	PlanID                string          `json:"plan_id"`
	SKUName               string          `json:"sku_name"`
	Location              string          `json:"location"`
	State                 State           `json:"state"`
	LastStateUpdated      time.Time       `json:"last_state_updated"`
	LastStateUpdateReason string          `json:"last_state_update_reason,omitempty"`
	Compute               *ResourceRecord `json:"compute,omitempty"`
	Storage               *ResourceRecord `json:"storage,omitempty"`
	ArchivedStorage       *ResourceRecord `json:"archived_storage,omitempty"`
	OSDisk                *ResourceRecord `json:"os_disk,omitempty"`
	OSDiskSnapshot        *ResourceRecord `json:"os_disk_snapshot,omitempty"`
	Connection            *Connection     `json:"connection,omitempty"`
	Heartbeat             *HeartbeatRef   `json:"heartbeat,omitempty"`
	ScheduledArchival     *time.Time      `json:"scheduled_archival,omitempty"`
	Transitions           Transitions     `json:"transitions"`
	IsDeleted             bool            `json:"is_deleted"`
	Version               int64           `json:"version"`
	Created               time.Time       `json:"created"`
	Updated               time.Time       `json:"updated"`
}

// IsArchived reports whether the storage or the OS disk lives in cold storage.
func (env *Environment) IsArchived() bool {
	if env.Storage != nil && env.Storage.Type == ResourceStorageArchive {
		return true
	}

	return env.OSDiskSnapshot != nil && env.OSDisk == nil
}

// Resources returns every resource reference currently attached.
func (env *Environment) Resources() []*ResourceRecord {
	var out []*ResourceRecord
	for _, r := range []*ResourceRecord{env.Compute, env.Storage, env.ArchivedStorage, env.OSDisk, env.OSDiskSnapshot} {
		if r != nil {
			out = append(out, r)
		}
	}

	return out
}

// AttachResource stores r in the slot matching its type. A file share attached
// over archived storage moves the archive to ArchivedStorage, where it stays
// until the restore either completes or is rolled back.
func (env *Environment) AttachResource(r *ResourceRecord) {
	switch r.Type {
	case ResourceComputeVM:
		env.Compute = r
	case ResourceStorageFileShare:
		if env.Storage != nil && env.Storage.Type == ResourceStorageArchive && env.Storage.ID != r.ID {
			env.ArchivedStorage = env.Storage
		}
		env.Storage = r
	case ResourceStorageArchive:
		env.Storage = r
	case ResourceOSDisk:
		env.OSDisk = r
	case ResourceSnapshot:
		env.OSDiskSnapshot = r
	}
}

// ResourceByID returns the attached resource with the given id.
func (env *Environment) ResourceByID(id string) *ResourceRecord {
	for _, r := range env.Resources() {
		if r.ID == id {
			return r
		}
	}

	return nil
}
