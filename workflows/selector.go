package workflows

import (
	"errors"
	"fmt"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
)

var ErrUnknownSKU = errors.New("unknown sku")

// SKU maps a user-facing plan SKU to the broker SKUs behind it. A SKU with an
// OS disk keeps user data on the disk instead of a file share.
type SKU struct {
	Name       string `yaml:"name"`
	ComputeSKU string `yaml:"compute_sku"`
	StorageSKU string `yaml:"storage_sku"`
	OSDiskSKU  string `yaml:"os_disk_sku"`
}

func (s SKU) UsesOSDisk() bool {
	return s.OSDiskSKU != ""
}

type SKUSelector struct {
	skus map[string]SKU
}

var _ ResourceSelector = (*SKUSelector)(nil)

func NewSKUSelector(skus []SKU) *SKUSelector {
	catalog := make(map[string]SKU, len(skus))
	for _, sku := range skus {
		catalog[sku.Name] = sku
	}

	return &SKUSelector{skus: catalog}
}

func (s *SKUSelector) Lookup(name string) (SKU, error) {
	sku, ok := s.skus[name]
	if !ok {
		return SKU{}, fmt.Errorf("%w: %q", ErrUnknownSKU, name)
	}

	return sku, nil
}

// Select requests compute plus whichever storage slot is empty. An OS disk
// that was archived to a snapshot is restored by the start workflow itself,
// so no plain disk is requested for it.
func (s *SKUSelector) Select(env *environment.Environment, action Action) ([]broker.AllocateRequest, error) {
	sku, err := s.Lookup(env.SKUName)
	if err != nil {
		return nil, err
	}

	var requests []broker.AllocateRequest

	if env.Compute == nil {
		requests = append(requests, broker.AllocateRequest{
			Type:     environment.ResourceComputeVM,
			SKU:      sku.ComputeSKU,
			Location: env.Location,
		})
	}

	if sku.UsesOSDisk() {
		if env.OSDisk == nil && env.OSDiskSnapshot == nil {
			requests = append(requests, broker.AllocateRequest{
				Type:     environment.ResourceOSDisk,
				SKU:      sku.OSDiskSKU,
				Location: env.Location,
			})
		}

		return requests, nil
	}

	if env.Storage == nil || env.Storage.Type == environment.ResourceStorageArchive {
		requests = append(requests, broker.AllocateRequest{
			Type:     environment.ResourceStorageFileShare,
			SKU:      sku.StorageSKU,
			Location: env.Location,
		})
	}

	return requests, nil
}
