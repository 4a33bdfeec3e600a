// Package inventory defines the device registry collaborator the reconciler
// reads from. Persistence lives outside this service; the reconciler only
// needs ownership lookups and per-vendor IP listings.
package inventory

import (
	"context"
	"sync"
)

// Registry exposes the local device registry.
type Registry interface {
	// OwnerOf returns the vendor owning ip, or ok=false when unmanaged.
	OwnerOf(ctx context.Context, ip string) (vendorID string, ok bool, err error)

	// DeviceIPs lists the registered device IPs for a vendor.
	DeviceIPs(ctx context.Context, vendorID string) ([]string, error)
}

// MemoryRegistry is an in-process Registry seeded from configuration. It also
// serves as the test double throughout the reconciler tests.
type MemoryRegistry struct {
	mu     sync.RWMutex
	owners map[string]string // ip -> vendorID
}

// NewMemory creates an empty MemoryRegistry.
func NewMemory() *MemoryRegistry {
	return &MemoryRegistry{owners: make(map[string]string)}
}

// Add registers ip under vendorID, replacing any previous owner.
func (r *MemoryRegistry) Add(vendorID, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[ip] = vendorID
}

// Remove drops ip from the registry.
func (r *MemoryRegistry) Remove(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, ip)
}

// OwnerOf implements Registry.
func (r *MemoryRegistry) OwnerOf(ctx context.Context, ip string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vendorID, ok := r.owners[ip]
	return vendorID, ok, nil
}

// DeviceIPs implements Registry.
func (r *MemoryRegistry) DeviceIPs(ctx context.Context, vendorID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ips []string
	for ip, owner := range r.owners {
		if owner == vendorID {
			ips = append(ips, ip)
		}
	}
	return ips, nil
}
