package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
)

func testSelector() *SKUSelector {
	return NewSKUSelector([]SKU{
		{Name: "standardLinux", ComputeSKU: "Standard_D4s_v3", StorageSKU: "Premium_LRS_64"},
		{Name: "diskLinux", ComputeSKU: "Standard_D8s_v3", OSDiskSKU: "Premium_SSD_128"},
	})
}

func requestTypes(requests []broker.AllocateRequest) []environment.ResourceType {
	types := make([]environment.ResourceType, 0, len(requests))
	for _, r := range requests {
		types = append(types, r.Type)
	}

	return types
}

func TestSKUSelector_Select(t *testing.T) {
	share := &environment.ResourceRecord{ID: "share", Type: environment.ResourceStorageFileShare}
	archive := &environment.ResourceRecord{ID: "blob", Type: environment.ResourceStorageArchive}
	disk := &environment.ResourceRecord{ID: "disk", Type: environment.ResourceOSDisk}
	snapshot := &environment.ResourceRecord{ID: "snap", Type: environment.ResourceSnapshot}

	tests := []struct {
		name string
		env  *environment.Environment
		want []environment.ResourceType
	}{
		{
			name: "create with file share",
			env:  &environment.Environment{SKUName: "standardLinux"},
			want: []environment.ResourceType{environment.ResourceComputeVM, environment.ResourceStorageFileShare},
		},
		{
			name: "resume keeps existing share",
			env:  &environment.Environment{SKUName: "standardLinux", Storage: share},
			want: []environment.ResourceType{environment.ResourceComputeVM},
		},
		{
			name: "resume from archive allocates a new share",
			env:  &environment.Environment{SKUName: "standardLinux", Storage: archive},
			want: []environment.ResourceType{environment.ResourceComputeVM, environment.ResourceStorageFileShare},
		},
		{
			name: "create with os disk",
			env:  &environment.Environment{SKUName: "diskLinux"},
			want: []environment.ResourceType{environment.ResourceComputeVM, environment.ResourceOSDisk},
		},
		{
			name: "resume keeps existing disk",
			env:  &environment.Environment{SKUName: "diskLinux", OSDisk: disk},
			want: []environment.ResourceType{environment.ResourceComputeVM},
		},
		{
			name: "snapshot resume leaves the disk to the workflow",
			env:  &environment.Environment{SKUName: "diskLinux", OSDiskSnapshot: snapshot},
			want: []environment.ResourceType{environment.ResourceComputeVM},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requests, err := testSelector().Select(tt.env, ActionResume)
			require.NoError(t, err)
			assert.Equal(t, tt.want, requestTypes(requests))
		})
	}
}

func TestSKUSelector_UnknownSKU(t *testing.T) {
	_, err := testSelector().Select(&environment.Environment{SKUName: "gpuLinux"}, ActionCreate)
	require.ErrorIs(t, err, ErrUnknownSKU)
}

func TestAction_TargetState(t *testing.T) {
	assert.Equal(t, environment.StateProvisioning, ActionCreate.TargetState())
	assert.Equal(t, environment.StateStarting, ActionResume.TargetState())
	assert.Equal(t, environment.StateExporting, ActionExport.TargetState())
	assert.Equal(t, environment.StateUpdating, ActionUpdate.TargetState())
	assert.False(t, Action("Delete").Valid())
}
