// Package reconcile implements the discovery reconciliation engine: gather
// candidate IPs from the registry and optional CIDR/FQDN scans, diff against
// the vendor's remote discovery list, and submit the adds and removes.
package reconcile

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/avfleet/device-sync-agent/internal/expand"
	"github.com/avfleet/device-sync-agent/internal/inventory"
	"github.com/avfleet/device-sync-agent/internal/progress"
	"github.com/avfleet/device-sync-agent/internal/vendor"
)

// progressChunk is the maximum number of addresses processed within one
// CIDR/FQDN between progress updates.
const progressChunk = 50

// Options controls one reconcile pass.
type Options struct {
	ScanCIDRs []string
	ScanFQDNs []string
	MaxHosts  int
}

// Reconciler synchronizes one vendor's discovery list. One instance per
// vendor; instances share no mutable state beyond the progress and rate-limit
// stores.
type Reconciler struct {
	vendorID string
	adapter  vendor.Adapter
	registry inventory.Registry
	tracker  *progress.Tracker
	resolver expand.Resolver
	logger   *zap.SugaredLogger

	// Paces add/remove submissions so a large diff cannot hammer the vendor.
	applyLimiter *rate.Limiter
}

// New creates a Reconciler for the adapter's vendor. applyRate bounds
// add/remove submissions per second; non-positive values default to 10.
func New(adapter vendor.Adapter, registry inventory.Registry, tracker *progress.Tracker, applyRate int, logger *zap.SugaredLogger) *Reconciler {
	if applyRate <= 0 {
		applyRate = 10
	}
	return &Reconciler{
		vendorID:     adapter.VendorID(),
		adapter:      adapter,
		registry:     registry,
		tracker:      tracker,
		logger:       logger,
		applyLimiter: rate.NewLimiter(rate.Limit(applyRate), applyRate),
	}
}

// VendorID returns the vendor this reconciler owns.
func (r *Reconciler) VendorID() string { return r.vendorID }

// SetResolver overrides the FQDN resolver, primarily for tests.
func (r *Reconciler) SetResolver(resolver expand.Resolver) {
	r.resolver = resolver
}

// GatherCandidates returns the deduplicated union of the vendor's remote
// discovery list, the locally registered device IPs and any expanded
// CIDRs/FQDNs, in order of first appearance. Every source is tolerant of
// failure here; a failed remote fetch logs and continues with an empty list.
func (r *Reconciler) GatherCandidates(ctx context.Context, opts Options) ([]string, error) {
	remote, err := r.adapter.GetDiscoveryIPs(ctx)
	if err != nil {
		r.logger.Warnw("Remote discovery list unavailable, continuing with empty",
			"vendor", r.vendorID, "error", err)
		remote = nil
	}

	set := newOrderedSet()
	set.addAll(remote)
	r.collectLocal(ctx, set)
	if err := r.collectScans(ctx, set, opts, nil); err != nil {
		return nil, err
	}
	return set.values(), nil
}

// RunWithProgress gathers candidates like GatherCandidates while updating the
// scan's ScanProgress after every CIDR/FQDN and at least every 50 addresses
// within one. Unlike GatherCandidates, a failed initial remote fetch is fatal
// and produces the terminal error status.
func (r *Reconciler) RunWithProgress(ctx context.Context, opts Options) ([]string, error) {
	key := r.vendorID
	r.tracker.Init(ctx, key, r.estimateTotal(opts))

	remote, err := r.adapter.GetDiscoveryIPs(ctx)
	if err != nil {
		wrapped := fmt.Errorf("initial discovery list fetch failed: %w", err)
		r.tracker.Fail(ctx, key, wrapped)
		return nil, wrapped
	}

	set := newOrderedSet()
	set.addAll(remote)
	r.collectLocal(ctx, set)
	r.tracker.Update(ctx, key, progress.PhaseScanning, set.len(), "")

	if err := r.collectScans(ctx, set, opts, func(phase, target string) {
		r.tracker.Update(ctx, key, phase, set.len(), target)
	}); err != nil {
		// Only cancellation escapes collectScans; per-target failures are
		// logged and skipped.
		r.tracker.Fail(context.Background(), key, err)
		return nil, err
	}

	candidates := set.values()
	r.tracker.Finish(ctx, key, len(candidates), len(candidates))
	return candidates, nil
}

// Reconcile fetches the remote discovery list fresh (not memoized from the
// gather step) and diffs it against candidates.
func (r *Reconciler) Reconcile(ctx context.Context, candidates []string) (toAdd, toRemove []string, err error) {
	remote, err := r.adapter.GetDiscoveryIPs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("discovery list fetch failed: %w", err)
	}

	remoteSet := make(map[string]bool, len(remote))
	for _, ip := range remote {
		remoteSet[ip] = true
	}
	candidateSet := make(map[string]bool, len(candidates))
	for _, ip := range candidates {
		candidateSet[ip] = true
	}

	for _, ip := range candidates {
		if !remoteSet[ip] {
			toAdd = append(toAdd, ip)
		}
	}
	for _, ip := range remote {
		if !candidateSet[ip] {
			toRemove = append(toRemove, ip)
		}
	}
	return toAdd, toRemove, nil
}

// ApplyAdd adds ip to the vendor's discovery list unless the registry shows
// it owned by a different vendor. Returns false without any network call on a
// conflict.
func (r *Reconciler) ApplyAdd(ctx context.Context, ip string) (bool, error) {
	owner, ok, err := r.registry.OwnerOf(ctx, ip)
	if err != nil {
		return false, fmt.Errorf("ownership lookup failed for %s: %w", ip, err)
	}
	if ok && owner != r.vendorID {
		r.logger.Warnw("Skipping add, IP owned by another vendor",
			"vendor", r.vendorID, "ip", ip, "owner", owner)
		return false, nil
	}

	if err := r.adapter.AddDiscoveryIPs(ctx, []string{ip}); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyRemove removes ip from the vendor's discovery list. Removal has no
// ownership check.
func (r *Reconciler) ApplyRemove(ctx context.Context, ip string) (bool, error) {
	if err := r.adapter.RemoveDiscoveryIPs(ctx, []string{ip}); err != nil {
		return false, err
	}
	return true, nil
}

// Run executes a full reconcile pass: gather with progress, diff against the
// fresh remote list, then apply adds and removes. Per-IP failures are
// recorded in the summary and do not stop the pass; higher-level code never
// re-invokes a failed pass automatically.
func (r *Reconciler) Run(ctx context.Context, opts Options) (*Summary, error) {
	summary := &Summary{
		VendorID:  r.vendorID,
		StartedAt: time.Now(),
	}

	candidates, err := r.RunWithProgress(ctx, opts)
	if err != nil {
		return nil, err
	}
	summary.Candidates = len(candidates)

	toAdd, toRemove, err := r.Reconcile(ctx, candidates)
	if err != nil {
		return nil, err
	}

	r.logger.Infow("Reconcile diff computed",
		"vendor", r.vendorID,
		"candidates", len(candidates),
		"to_add", len(toAdd),
		"to_remove", len(toRemove),
	)

	for _, ip := range toAdd {
		if err := r.applyLimiter.Wait(ctx); err != nil {
			return summary, err
		}
		added, err := r.ApplyAdd(ctx, ip)
		switch {
		case err != nil:
			r.logger.Warnw("Failed to add discovery IP", "vendor", r.vendorID, "ip", ip, "error", err)
			summary.record(ItemResult{IP: ip, Outcome: OutcomeFailed, Error: err.Error()})
		case added:
			summary.record(ItemResult{IP: ip, Outcome: OutcomeAdded})
		default:
			owner, _, _ := r.registry.OwnerOf(ctx, ip)
			summary.record(ItemResult{IP: ip, Outcome: OutcomeSkippedConflict, Owner: owner})
		}
	}

	for _, ip := range toRemove {
		if err := r.applyLimiter.Wait(ctx); err != nil {
			return summary, err
		}
		if _, err := r.ApplyRemove(ctx, ip); err != nil {
			r.logger.Warnw("Failed to remove discovery IP", "vendor", r.vendorID, "ip", ip, "error", err)
			summary.record(ItemResult{IP: ip, Outcome: OutcomeFailed, Error: err.Error()})
			continue
		}
		summary.record(ItemResult{IP: ip, Outcome: OutcomeRemoved})
	}

	summary.FinishedAt = time.Now()
	r.logger.Infow("Reconcile pass finished",
		"vendor", r.vendorID,
		"added", summary.Added,
		"removed", summary.Removed,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return summary, nil
}

// collectLocal merges the registry's device IPs for this vendor. Registry
// failure is tolerated: the scan sources are independent.
func (r *Reconciler) collectLocal(ctx context.Context, set *orderedSet) {
	local, err := r.registry.DeviceIPs(ctx, r.vendorID)
	if err != nil {
		r.logger.Warnw("Device registry unavailable, skipping local IPs",
			"vendor", r.vendorID, "error", err)
		return
	}
	set.addAll(local)
}

// collectScans expands CIDRs then resolves FQDNs into the set. Failures are
// per-target and never abort the batch; only caller cancellation, checked
// between targets, returns an error. onProgress may be nil.
func (r *Reconciler) collectScans(ctx context.Context, set *orderedSet, opts Options, onProgress func(phase, target string)) error {
	maxHosts := opts.MaxHosts
	if maxHosts <= 0 {
		maxHosts = 1024
	}

	for _, cidr := range opts.ScanCIDRs {
		if err := ctx.Err(); err != nil {
			return err
		}

		hosts, err := expand.ExpandCIDR(cidr, maxHosts)
		if err != nil {
			r.logger.Warnw("CIDR expansion failed, skipping", "vendor", r.vendorID, "cidr", cidr, "error", err)
			continue
		}

		for i, host := range hosts {
			set.add(host)
			if onProgress != nil && (i+1)%progressChunk == 0 {
				onProgress(progress.PhaseScanning, cidr)
			}
		}
		if onProgress != nil {
			onProgress(progress.PhaseScanning, cidr)
		}
	}

	for _, name := range opts.ScanFQDNs {
		if err := ctx.Err(); err != nil {
			return err
		}

		resolved := expand.ResolveFQDNs(ctx, r.resolver, []string{name})
		for i, addr := range resolved[name] {
			set.add(addr)
			if onProgress != nil && (i+1)%progressChunk == 0 {
				onProgress(progress.PhaseResolving, name)
			}
		}
		if onProgress != nil {
			onProgress(progress.PhaseResolving, name)
		}
	}

	return nil
}

// estimateTotal sizes the progress bar up front. The tracker raises the total
// if collection overshoots the estimate.
func (r *Reconciler) estimateTotal(opts Options) int {
	maxHosts := opts.MaxHosts
	if maxHosts <= 0 {
		maxHosts = 1024
	}

	total := len(opts.ScanFQDNs)
	for _, cidr := range opts.ScanCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		ones, bits := ipNet.Mask.Size()
		hostBits := bits - ones
		n := maxHosts
		if hostBits < 30 {
			if hosts := (1 << uint(hostBits)) - 2; hosts < n {
				n = hosts
			}
		}
		if n > 0 {
			total += n
		}
	}
	return total
}

// orderedSet deduplicates while preserving order of first appearance.
type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]bool)}
}

func (s *orderedSet) add(item string) {
	if item == "" || s.seen[item] {
		return
	}
	s.seen[item] = true
	s.items = append(s.items, item)
}

func (s *orderedSet) addAll(items []string) {
	for _, item := range items {
		s.add(item)
	}
}

func (s *orderedSet) len() int { return len(s.items) }

func (s *orderedSet) values() []string { return s.items }
