package reconcile

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"go.uber.org/zap"

	"github.com/avfleet/device-sync-agent/internal/client"
	"github.com/avfleet/device-sync-agent/internal/inventory"
	"github.com/avfleet/device-sync-agent/internal/progress"
	"github.com/avfleet/device-sync-agent/internal/pubsub"
	"github.com/avfleet/device-sync-agent/internal/store"
	"github.com/avfleet/device-sync-agent/internal/vendor"
)

type fakeAdapter struct {
	vendorID  string
	remote    []string
	remoteErr error

	added   []string
	removed []string
}

func (a *fakeAdapter) VendorID() string { return a.vendorID }

func (a *fakeAdapter) ListDevices(ctx context.Context) ([]vendor.Device, error) {
	return nil, nil
}

func (a *fakeAdapter) GetDiscoveryIPs(ctx context.Context) ([]string, error) {
	if a.remoteErr != nil {
		return nil, a.remoteErr
	}
	return append([]string(nil), a.remote...), nil
}

func (a *fakeAdapter) AddDiscoveryIPs(ctx context.Context, ips []string) error {
	a.added = append(a.added, ips...)
	a.remote = append(a.remote, ips...)
	return nil
}

func (a *fakeAdapter) RemoveDiscoveryIPs(ctx context.Context, ips []string) error {
	a.removed = append(a.removed, ips...)
	kept := a.remote[:0]
	drop := make(map[string]bool, len(ips))
	for _, ip := range ips {
		drop[ip] = true
	}
	for _, ip := range a.remote {
		if !drop[ip] {
			kept = append(kept, ip)
		}
	}
	a.remote = kept
	return nil
}

func (a *fakeAdapter) CheckHealth(ctx context.Context) client.HealthStatus {
	return client.HealthStatus{Status: "healthy"}
}

func (a *fakeAdapter) IsHealthy() bool { return true }

func newTestTracker() *progress.Tracker {
	return progress.New(store.NewMemory(), pubsub.NoopPublisher{}, zap.NewNop().Sugar())
}

func newTestReconciler(adapter *fakeAdapter, registry inventory.Registry) *Reconciler {
	// High apply rate so pacing never slows the tests down.
	return New(adapter, registry, newTestTracker(), 1000, zap.NewNop().Sugar())
}

func TestReconcileDiff(t *testing.T) {
	adapter := &fakeAdapter{vendorID: "vendor-a", remote: []string{"10.0.0.1", "10.0.0.2"}}
	rec := newTestReconciler(adapter, inventory.NewMemory())

	toAdd, toRemove, err := rec.Reconcile(context.Background(), []string{"10.0.0.2", "10.0.0.3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(toAdd, []string{"10.0.0.3"}) {
		t.Fatalf("unexpected toAdd: %v", toAdd)
	}
	if !reflect.DeepEqual(toRemove, []string{"10.0.0.1"}) {
		t.Fatalf("unexpected toRemove: %v", toRemove)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	adapter := &fakeAdapter{vendorID: "vendor-a", remote: []string{"10.0.0.1", "10.0.0.2"}}
	rec := newTestReconciler(adapter, inventory.NewMemory())

	toAdd, toRemove, err := rec.Reconcile(context.Background(), []string{"10.0.0.1", "10.0.0.2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(toAdd) != 0 || len(toRemove) != 0 {
		t.Fatalf("expected empty diff, got add=%v remove=%v", toAdd, toRemove)
	}
}

func TestGatherCandidatesDedupesAndOrders(t *testing.T) {
	adapter := &fakeAdapter{vendorID: "vendor-a", remote: []string{"10.0.0.1", "192.168.1.1"}}
	registry := inventory.NewMemory()
	registry.Add("vendor-a", "10.0.0.1") // already remote, must not repeat

	rec := newTestReconciler(adapter, registry)
	got, err := rec.GatherCandidates(context.Background(), Options{
		ScanCIDRs: []string{"192.168.1.0/30"},
		MaxHosts:  16,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Remote first, then scans; 192.168.1.1 keeps its first appearance.
	want := []string{"10.0.0.1", "192.168.1.1", "192.168.1.2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGatherCandidatesToleratesRemoteFailure(t *testing.T) {
	adapter := &fakeAdapter{vendorID: "vendor-a", remoteErr: errors.New("api down")}
	registry := inventory.NewMemory()
	registry.Add("vendor-a", "10.0.0.3")

	rec := newTestReconciler(adapter, registry)
	got, err := rec.GatherCandidates(context.Background(), Options{})
	if err != nil {
		t.Fatalf("expected tolerant gather, got %v", err)
	}
	if !reflect.DeepEqual(got, []string{"10.0.0.3"}) {
		t.Fatalf("expected local IPs only, got %v", got)
	}
}

func TestRunWithProgressFatalOnRemoteFailure(t *testing.T) {
	adapter := &fakeAdapter{vendorID: "vendor-a", remoteErr: errors.New("api down")}
	tracker := newTestTracker()
	rec := New(adapter, inventory.NewMemory(), tracker, 1000, zap.NewNop().Sugar())

	_, err := rec.RunWithProgress(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected error on remote fetch failure")
	}

	p, gerr := tracker.Get(context.Background(), "vendor-a")
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	if p.Status != progress.StatusError {
		t.Fatalf("expected terminal error status, got %s", p.Status)
	}
}

func TestApplyAddSkipsForeignOwner(t *testing.T) {
	adapter := &fakeAdapter{vendorID: "vendor-b"}
	registry := inventory.NewMemory()
	registry.Add("vendor-a", "10.0.0.9")

	rec := newTestReconciler(adapter, registry)
	added, err := rec.ApplyAdd(context.Background(), "10.0.0.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added {
		t.Fatal("expected conflict skip")
	}
	if len(adapter.added) != 0 {
		t.Fatalf("conflict must not reach the vendor API, got %v", adapter.added)
	}
}

func TestApplyAddOwnIPAllowed(t *testing.T) {
	adapter := &fakeAdapter{vendorID: "vendor-a"}
	registry := inventory.NewMemory()
	registry.Add("vendor-a", "10.0.0.9")

	rec := newTestReconciler(adapter, registry)
	added, err := rec.ApplyAdd(context.Background(), "10.0.0.9")
	if err != nil || !added {
		t.Fatalf("expected add, got (%v, %v)", added, err)
	}
	if !reflect.DeepEqual(adapter.added, []string{"10.0.0.9"}) {
		t.Fatalf("unexpected adapter calls: %v", adapter.added)
	}
}

func TestRunFullPass(t *testing.T) {
	// Remote starts with a stale entry; candidates come from one local device
	// and a /30 scan in which vendor-b owns one address.
	adapter := &fakeAdapter{vendorID: "vendor-a", remote: []string{"172.16.0.1"}}
	registry := inventory.NewMemory()
	registry.Add("vendor-a", "10.0.0.3")
	registry.Add("vendor-b", "10.0.0.9")

	rec := newTestReconciler(adapter, registry)
	summary, err := rec.Run(context.Background(), Options{
		ScanCIDRs: []string{"10.0.0.8/30"}, // hosts 10.0.0.9, 10.0.0.10
		MaxHosts:  16,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Added != 2 {
		t.Fatalf("expected 2 adds (10.0.0.3, 10.0.0.10), got %d", summary.Added)
	}
	if summary.Skipped != 1 {
		t.Fatalf("expected 1 conflict skip (10.0.0.9), got %d", summary.Skipped)
	}
	if summary.Removed != 0 {
		t.Fatalf("expected stale remote entry kept as candidate, got %d removals", summary.Removed)
	}
	if summary.Failed != 0 {
		t.Fatalf("expected no failures, got %d", summary.Failed)
	}

	sort.Strings(adapter.added)
	if !reflect.DeepEqual(adapter.added, []string{"10.0.0.10", "10.0.0.3"}) {
		t.Fatalf("unexpected adds: %v", adapter.added)
	}

	for _, item := range summary.Items {
		if item.IP == "10.0.0.9" {
			if item.Outcome != OutcomeSkippedConflict || item.Owner != "vendor-b" {
				t.Fatalf("unexpected conflict item: %+v", item)
			}
		}
	}
}

func TestCollectScansStopsOnCancel(t *testing.T) {
	adapter := &fakeAdapter{vendorID: "vendor-a"}
	rec := newTestReconciler(adapter, inventory.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rec.GatherCandidates(ctx, Options{ScanCIDRs: []string{"10.0.0.0/24"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
