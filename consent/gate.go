// Package consent implements the gate every other component consults before
// collecting, persisting or transmitting data. Decisions are cached in memory
// and written through to storage; a storage failure degrades durability but
// never blocks an authoritative in-process answer.
package consent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hupe1980/telemetrymesh/core"
	"github.com/hupe1980/telemetrymesh/internal/clock"
	"github.com/hupe1980/telemetrymesh/logging"
)

// DefaultTTL is how long a granted consent stays valid before lazily
// reverting to unknown.
const DefaultTTL = 365 * 24 * time.Hour

// Subscriber receives consent change notifications, including lazy TTL
// expiries. Callbacks run outside the gate's lock but on the mutating
// goroutine; keep them fast.
type Subscriber func(purpose core.Purpose, status core.ConsentStatus)

// Options configures a Gate.
type Options struct {
	// TTL is the validity window for granted consents. Defaults to DefaultTTL.
	TTL time.Duration
	// Clock supplies time for timestamps and expiry checks. Defaults to the
	// wall clock.
	Clock clock.Clock
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Gate holds per-purpose consent state with TTL expiry.
//
// Reads resolve lazily against storage the first time a purpose is seen, and
// a granted record older than TTL flips to unknown as a side effect of the
// read (never reported as granted past its TTL). Every write stores a
// strictly increasing timestamp so replayed or clock-skewed writes can be
// ordered when records are inspected later.
type Gate struct {
	storage core.Storage
	clk     clock.Clock
	logger  logging.Logger
	ttl     time.Duration

	mu        sync.Mutex
	records   map[core.Purpose]core.ConsentRecord
	loaded    map[core.Purpose]bool
	lastWrite time.Time
	subs      []Subscriber
}

// NewGate creates a gate backed by the given storage.
func NewGate(storage core.Storage, optFns ...func(o *Options)) *Gate {
	opts := Options{
		TTL:    DefaultTTL,
		Clock:  clock.New(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Gate{
		storage: storage,
		clk:     opts.Clock,
		logger:  opts.Logger,
		ttl:     opts.TTL,
		records: make(map[core.Purpose]core.ConsentRecord),
		loaded:  make(map[core.Purpose]bool),
	}
}

// Subscribe registers a change observer. Subscribers live as long as the
// gate; there is no unsubscribe.
func (g *Gate) Subscribe(fn Subscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, fn)
}

// SetConsent records the status for a purpose, persists it and notifies
// subscribers.
func (g *Gate) SetConsent(ctx context.Context, purpose core.Purpose, status core.ConsentStatus) {
	g.mu.Lock()
	record := core.ConsentRecord{
		Purpose:   purpose,
		Status:    status,
		GrantedAt: g.nextTimestampLocked(),
	}
	g.records[purpose] = record
	g.loaded[purpose] = true
	g.persistLocked(ctx, record)
	subs := g.subsSnapshotLocked()
	g.mu.Unlock()

	for _, fn := range subs {
		fn(purpose, status)
	}
}

// RevokeAll sets every known purpose to denied: the predefined purposes plus
// any custom purpose that was ever recorded.
func (g *Gate) RevokeAll(ctx context.Context) {
	g.mu.Lock()
	purposes := make([]core.Purpose, 0, len(g.records)+len(core.DefaultPurposes))
	purposes = append(purposes, core.DefaultPurposes...)
	for p := range g.records {
		if !containsPurpose(purposes, p) {
			purposes = append(purposes, p)
		}
	}

	for _, p := range purposes {
		record := core.ConsentRecord{
			Purpose:   p,
			Status:    core.ConsentDenied,
			GrantedAt: g.nextTimestampLocked(),
		}
		g.records[p] = record
		g.loaded[p] = true
		g.persistLocked(ctx, record)
	}
	subs := g.subsSnapshotLocked()
	g.mu.Unlock()

	for _, p := range purposes {
		for _, fn := range subs {
			fn(p, core.ConsentDenied)
		}
	}
}

// Status returns the current status for a purpose, applying lazy TTL expiry.
func (g *Gate) Status(ctx context.Context, purpose core.Purpose) core.ConsentStatus {
	status, _ := g.resolve(ctx, purpose)
	return status
}

// HasConsent reports whether the purpose is explicitly granted and the grant
// is younger than the TTL.
func (g *Gate) HasConsent(ctx context.Context, purpose core.Purpose) bool {
	status, _ := g.resolve(ctx, purpose)
	return status == core.ConsentGranted
}

// Allowed reports whether collection may proceed for the purpose: granted or
// not_required, after expiry handling.
func (g *Gate) Allowed(ctx context.Context, purpose core.Purpose) bool {
	status, _ := g.resolve(ctx, purpose)
	return status.Allows()
}

// resolve loads (if needed) and expiry-checks the record. The returned bool
// reports whether an expiry flip happened; subscribers are then notified.
func (g *Gate) resolve(ctx context.Context, purpose core.Purpose) (core.ConsentStatus, bool) {
	g.mu.Lock()
	record := g.loadLocked(ctx, purpose)

	expired := record.Expired(g.ttl, g.clk.Now())
	if expired {
		record.Status = core.ConsentUnknown
		record.GrantedAt = g.nextTimestampLocked()
		g.records[purpose] = record
		g.persistLocked(ctx, record)
	}
	subs := g.subsSnapshotLocked()
	status := record.Status
	g.mu.Unlock()

	if expired {
		g.logger.Debug("consent expired", "purpose", purpose)
		for _, fn := range subs {
			fn(purpose, core.ConsentUnknown)
		}
	}
	return status, expired
}

// loadLocked returns the cached record, reading storage the first time a
// purpose is asked for. Corrupt records are discarded.
func (g *Gate) loadLocked(ctx context.Context, purpose core.Purpose) core.ConsentRecord {
	if g.loaded[purpose] {
		if record, ok := g.records[purpose]; ok {
			return record
		}
		return core.ConsentRecord{Purpose: purpose, Status: core.ConsentUnknown}
	}
	g.loaded[purpose] = true

	fresh := core.ConsentRecord{Purpose: purpose, Status: core.ConsentUnknown}

	data, err := g.storage.Get(ctx, core.ConsentStorageKey(purpose))
	if err != nil {
		g.logger.Warn("consent read failed", "purpose", purpose, "error", err)
		return fresh
	}
	if data == nil {
		return fresh
	}

	var record core.ConsentRecord
	if err := json.Unmarshal(data, &record); err != nil {
		g.logger.Warn("discarding corrupt consent record", "purpose", purpose, "error", err)
		_ = g.storage.Delete(ctx, core.ConsentStorageKey(purpose))
		return fresh
	}

	g.records[purpose] = record
	return record
}

func (g *Gate) persistLocked(ctx context.Context, record core.ConsentRecord) {
	data, err := json.Marshal(record)
	if err != nil {
		g.logger.Error("consent marshal failed", "purpose", record.Purpose, "error", err)
		return
	}
	if err := g.storage.Put(ctx, core.ConsentStorageKey(record.Purpose), data); err != nil {
		g.logger.Warn("consent persist failed, in-memory state stays authoritative", "purpose", record.Purpose, "error", err)
	}
}

// nextTimestampLocked returns a timestamp strictly after every previous
// write, even if the wall clock stalls or steps backwards.
func (g *Gate) nextTimestampLocked() time.Time {
	now := g.clk.Now()
	if !now.After(g.lastWrite) {
		now = g.lastWrite.Add(time.Nanosecond)
	}
	g.lastWrite = now
	return now
}

func (g *Gate) subsSnapshotLocked() []Subscriber {
	subs := make([]Subscriber, len(g.subs))
	copy(subs, g.subs)
	return subs
}

func containsPurpose(list []core.Purpose, p core.Purpose) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}
