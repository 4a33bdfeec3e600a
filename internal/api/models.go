// Package api provides the HTTP API for the device-sync agent.
package api

// SyncRequest optionally overrides the configured scan sources for one pass.
type SyncRequest struct {
	ScanCIDRs []string `json:"scan_cidrs"`
	ScanFQDNs []string `json:"scan_fqdns"`
	MaxHosts  int      `json:"max_hosts"`
}

// VendorInfo summarizes one configured vendor for listings.
type VendorInfo struct {
	ID      string `json:"id"`
	Healthy bool   `json:"healthy"`
}
