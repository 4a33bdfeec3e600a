// Package progress tracks long-running scan status in the shared store and
// broadcasts updates to UI listeners.
package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avfleet/device-sync-agent/internal/pubsub"
	"github.com/avfleet/device-sync-agent/internal/store"
)

// Scan status values.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusError   = "error"
)

// Scan phases.
const (
	PhaseScanning  = "scanning"
	PhaseResolving = "resolving"
)

// Progress entries survive scan completion so late pollers can observe the
// terminal state; only TTL expiry removes them.
const defaultTTL = time.Hour

const keyPrefix = "discovery:progress:"

// ScanProgress is the status object persisted and broadcast during a scan.
type ScanProgress struct {
	Status         string     `json:"status"`
	Phase          string     `json:"phase,omitempty"`
	ItemsTotal     int        `json:"items_total"`
	ItemsProcessed int        `json:"items_processed"`
	CurrentTarget  string     `json:"current_target,omitempty"`
	Count          int        `json:"count,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

type envelope struct {
	Type   string       `json:"type"`
	Status ScanProgress `json:"status"`
}

// Tracker writes ScanProgress snapshots into the shared store and publishes
// them best-effort. The owning scan goroutine is the single writer per key;
// the mutex only protects the map against concurrent scans on different keys.
type Tracker struct {
	store     store.Store
	publisher pubsub.Publisher
	logger    *zap.SugaredLogger
	ttl       time.Duration

	mu     sync.Mutex
	active map[string]*ScanProgress
	nowFn  func() time.Time
}

// New creates a Tracker with the default one-hour retention.
func New(s store.Store, publisher pubsub.Publisher, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		store:     s,
		publisher: publisher,
		logger:    logger,
		ttl:       defaultTTL,
		active:    make(map[string]*ScanProgress),
		nowFn:     time.Now,
	}
}

// Init records the start of a scan.
func (t *Tracker) Init(ctx context.Context, key string, itemsTotal int) {
	p := &ScanProgress{
		Status:     StatusRunning,
		Phase:      PhaseScanning,
		ItemsTotal: itemsTotal,
		StartedAt:  t.nowFn(),
	}
	t.mu.Lock()
	t.active[key] = p
	t.mu.Unlock()
	t.write(ctx, key, p)
}

// Update records mid-scan progress. items_processed never decreases across
// updates for one scan; stale lower values are clamped. Updates after the
// terminal status are ignored.
func (t *Tracker) Update(ctx context.Context, key, phase string, itemsProcessed int, currentTarget string) {
	t.mu.Lock()
	p, ok := t.active[key]
	t.mu.Unlock()
	if !ok || p.Status != StatusRunning {
		return
	}

	p.Phase = phase
	if itemsProcessed > p.ItemsProcessed {
		p.ItemsProcessed = itemsProcessed
	}
	if itemsProcessed > p.ItemsTotal {
		p.ItemsTotal = itemsProcessed
	}
	p.CurrentTarget = currentTarget
	t.write(ctx, key, p)
}

// Finish records the terminal done status with the final candidate count.
func (t *Tracker) Finish(ctx context.Context, key string, itemsProcessed, itemsTotal int) {
	t.mu.Lock()
	p, ok := t.active[key]
	t.mu.Unlock()
	if !ok || p.Status != StatusRunning {
		return
	}

	now := t.nowFn()
	p.Status = StatusDone
	p.ItemsProcessed = itemsProcessed
	p.ItemsTotal = itemsTotal
	p.Count = itemsProcessed
	p.CurrentTarget = ""
	p.FinishedAt = &now
	t.write(ctx, key, p)
	t.mu.Lock()
	delete(t.active, key)
	t.mu.Unlock()
}

// Fail records the terminal error status.
func (t *Tracker) Fail(ctx context.Context, key string, scanErr error) {
	t.mu.Lock()
	p, ok := t.active[key]
	t.mu.Unlock()
	if !ok || p.Status != StatusRunning {
		return
	}

	now := t.nowFn()
	p.Status = StatusError
	p.Error = scanErr.Error()
	p.FinishedAt = &now
	t.write(ctx, key, p)
	t.mu.Lock()
	delete(t.active, key)
	t.mu.Unlock()
}

// Get reads the stored progress for a scan key, for status pollers.
func (t *Tracker) Get(ctx context.Context, key string) (*ScanProgress, error) {
	val, err := t.store.Get(ctx, keyPrefix+key)
	if err != nil {
		return nil, err
	}

	var p ScanProgress
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// write persists the snapshot and publishes it. Neither failure mode is
// allowed to fail the scan.
func (t *Tracker) write(ctx context.Context, key string, p *ScanProgress) {
	body, err := json.Marshal(p)
	if err != nil {
		t.logger.Warnw("Failed to marshal scan progress", "key", key, "error", err)
		return
	}

	if err := t.store.Set(ctx, keyPrefix+key, string(body), t.ttl); err != nil {
		t.logger.Warnw("Failed to persist scan progress", "key", key, "error", err)
	}

	if err := t.publisher.Publish(ctx, "discovery.progress."+key, envelope{
		Type:   "progress_update",
		Status: *p,
	}); err != nil {
		t.logger.Debugw("Failed to publish scan progress", "key", key, "error", err)
	}
}

// SetClock overrides the tracker clock, primarily for tests.
func (t *Tracker) SetClock(f func() time.Time) {
	t.nowFn = f
}
