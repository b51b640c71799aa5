// Package queue implements the durable FIFO event queue between tracking and
// delivery. Every mutation is written through to storage under the
// event_queue key, so events tracked offline survive process restarts.
//
// Drain never removes: delivery reads a batch, attempts it, and only Ack
// removes entries once the outcome is known. A crash between Drain and Ack
// therefore re-delivers rather than loses. The queue is bounded; when full it
// evicts the oldest entry to make room for the newest.
package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hupe1980/telemetrymesh/core"
	"github.com/hupe1980/telemetrymesh/internal/clock"
	"github.com/hupe1980/telemetrymesh/logging"
	"github.com/hupe1980/telemetrymesh/metrics"
)

const (
	// DefaultCapacity bounds the queue when no capacity is configured.
	DefaultCapacity = 1000

	// DefaultThreshold is the depth at which the queue signals C.
	DefaultThreshold = 50
)

// Options configures a Queue.
type Options struct {
	// Capacity bounds the number of queued events. When a new event would
	// exceed it, the oldest entry is evicted first.
	Capacity int

	// Threshold is the depth at which C signals a flush opportunity.
	// Zero disables the signal.
	Threshold int

	// Clock stamps enqueue times.
	Clock clock.Clock

	// Logger receives queue diagnostics.
	Logger logging.Logger

	// OnEvicted is called, outside the queue lock, for every entry dropped
	// to make room. Nil is allowed.
	OnEvicted func(core.QueuedEvent)
}

// Queue is a bounded, durable FIFO of queued events. Safe for concurrent use.
type Queue struct {
	storage   core.Storage
	clk       clock.Clock
	logger    logging.Logger
	capacity  int
	threshold int
	onEvicted func(core.QueuedEvent)

	mu      sync.Mutex
	entries []core.QueuedEvent
	loaded  bool
	notify  chan struct{}
}

// NewQueue creates a queue backed by the given storage. Previously persisted
// entries are loaded lazily on first use.
func NewQueue(storage core.Storage, optFns ...func(*Options)) *Queue {
	opts := Options{
		Capacity:  DefaultCapacity,
		Threshold: DefaultThreshold,
		Clock:     clock.New(),
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}

	return &Queue{
		storage:   storage,
		clk:       opts.Clock,
		logger:    opts.Logger,
		capacity:  opts.Capacity,
		threshold: opts.Threshold,
		onEvicted: opts.OnEvicted,
		notify:    make(chan struct{}, 1),
	}
}

// C signals when the queue depth reaches the configured threshold. The
// channel has a one-slot buffer; coalesced signals are intentional.
func (q *Queue) C() <-chan struct{} { return q.notify }

// Enqueue appends the event and persists the new queue state before
// returning. When the queue is at capacity the oldest entry is evicted.
func (q *Queue) Enqueue(ctx context.Context, ev core.Event) error {
	q.mu.Lock()
	q.loadLocked(ctx)

	q.entries = append(q.entries, core.NewQueuedEvent(ev, q.clk.Now().UTC()))

	var evicted []core.QueuedEvent
	for len(q.entries) > q.capacity {
		evicted = append(evicted, q.entries[0])
		q.entries = q.entries[1:]
	}

	q.persistLocked(ctx)
	depth := len(q.entries)
	q.mu.Unlock()

	for _, old := range evicted {
		q.logger.Warn("queue full, evicting oldest event",
			"event_id", old.Event.ID,
			"event_name", old.Event.Name,
			"capacity", q.capacity,
		)
		if q.onEvicted != nil {
			q.onEvicted(old)
		}
	}

	if q.threshold > 0 && depth >= q.threshold {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Drain returns up to maxCount entries from the head of the queue, oldest
// first, without removing them. maxCount <= 0 returns everything. Returned
// entries are deep copies.
func (q *Queue) Drain(ctx context.Context, maxCount int) []core.QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked(ctx)

	n := len(q.entries)
	if maxCount > 0 && maxCount < n {
		n = maxCount
	}
	batch := make([]core.QueuedEvent, 0, n)
	for _, entry := range q.entries[:n] {
		batch = append(batch, entry.Clone())
	}
	return batch
}

// Ack removes the entries with the given event ids and persists the new
// state. Ids not present are ignored, so acknowledging the same batch twice
// is harmless. Returns the number of entries removed.
func (q *Queue) Ack(ctx context.Context, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked(ctx)

	kept := q.entries[:0]
	removed := 0
	for _, entry := range q.entries {
		if _, ok := drop[entry.Event.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	if removed == 0 {
		return 0
	}
	q.entries = kept
	q.persistLocked(ctx)
	return removed
}

// MarkAttempted increments the delivery attempt counter for the entries with
// the given event ids and persists the new state.
func (q *Queue) MarkAttempted(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	mark := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		mark[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked(ctx)

	changed := false
	for i := range q.entries {
		if _, ok := mark[q.entries[i].Event.ID]; ok {
			q.entries[i].DeliveryAttempts++
			changed = true
		}
	}
	if changed {
		q.persistLocked(ctx)
	}
}

// Purge removes every entry and clears the durable state. Returns the number
// of entries removed.
func (q *Queue) Purge(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked(ctx)

	removed := len(q.entries)
	q.entries = nil
	q.persistLocked(ctx)
	return removed
}

// Len returns the current queue depth.
func (q *Queue) Len(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked(ctx)
	return len(q.entries)
}

// loadLocked reads the persisted queue on first touch. Records that fail to
// decode are discarded individually; a payload that is not a JSON array at
// all is discarded wholesale.
func (q *Queue) loadLocked(ctx context.Context) {
	if q.loaded {
		return
	}
	q.loaded = true

	data, err := q.storage.Get(ctx, core.StorageKeyEventQueue)
	if err != nil {
		q.logger.Warn("failed to load event queue, starting empty", "error", err)
		return
	}
	if data == nil {
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		q.logger.Warn("discarding corrupt event queue", "error", err)
		if err := q.storage.Delete(ctx, core.StorageKeyEventQueue); err != nil {
			q.logger.Warn("failed to delete corrupt event queue", "error", err)
		}
		return
	}

	entries := make([]core.QueuedEvent, 0, len(raw))
	dropped := 0
	for _, rec := range raw {
		var entry core.QueuedEvent
		if err := json.Unmarshal(rec, &entry); err != nil || entry.Event.ID == "" {
			dropped++
			continue
		}
		entries = append(entries, entry)
	}
	q.entries = entries
	if dropped > 0 {
		q.logger.Warn("discarded corrupt queue records", "count", dropped)
		q.persistLocked(ctx)
	}
	metrics.SetQueueDepth(len(q.entries))
}

// persistLocked writes the queue through to storage. Failures are logged and
// the in-memory state stays authoritative.
func (q *Queue) persistLocked(ctx context.Context) {
	metrics.SetQueueDepth(len(q.entries))

	if len(q.entries) == 0 {
		if err := q.storage.Delete(ctx, core.StorageKeyEventQueue); err != nil {
			q.logger.Warn("failed to clear persisted queue", "error", err)
		}
		return
	}
	data, err := json.Marshal(q.entries)
	if err != nil {
		q.logger.Error("failed to marshal event queue", "error", err)
		return
	}
	if err := q.storage.Put(ctx, core.StorageKeyEventQueue, data); err != nil {
		q.logger.Warn("queue persist failed, in-memory state stays authoritative", "error", err)
	}
}
