package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/hupe1980/telemetrymesh/core"
	"github.com/hupe1980/telemetrymesh/internal/clock"
	"github.com/hupe1980/telemetrymesh/logging"
)

// RulesPath is the backend endpoint rule sets are fetched from.
const RulesPath = "/rules"

// SyncResult reports one completed rule sync.
type SyncResult struct {
	// Count is the number of rules in the new active set.
	Count int
	// Version is the rule set version reported by the backend.
	Version int64
	// SyncedAt is the watermark persisted for the next incremental request.
	SyncedAt time.Time
}

// SyncerOptions configures a Syncer.
type SyncerOptions struct {
	// Clock supplies the fallback watermark when the backend omits one.
	Clock clock.Clock

	// Logger receives sync diagnostics.
	Logger logging.Logger
}

// Syncer fetches the rule set from the backend and swaps it into the engine
// wholesale. The backend is authoritative: a response with zero rules clears
// every local rule.
type Syncer struct {
	transport core.Transport
	storage   core.Storage
	engine    *Engine
	clk       clock.Clock
	logger    logging.Logger
}

// NewSyncer creates a syncer feeding the given engine.
func NewSyncer(transport core.Transport, storage core.Storage, engine *Engine, optFns ...func(*SyncerOptions)) *Syncer {
	opts := SyncerOptions{
		Clock:  clock.New(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Syncer{
		transport: transport,
		storage:   storage,
		engine:    engine,
		clk:       opts.Clock,
		logger:    opts.Logger,
	}
}

type syncResponse struct {
	Rules     []core.Rule `json:"rules"`
	Version   int64       `json:"version"`
	Timestamp int64       `json:"timestamp"`
}

// Sync performs one fetch-and-replace cycle. On any failure the current rule
// set and watermark stay untouched.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	last := s.lastSync(ctx)

	resp, err := s.transport.Do(ctx, core.Request{
		Method: "GET",
		Path:   RulesPath,
		Query:  url.Values{"last_sync": []string{strconv.FormatInt(last, 10)}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rules: %w", err)
	}

	switch {
	case core.IsSuccessStatus(resp.StatusCode):
	case core.IsUnauthorizedStatus(resp.StatusCode):
		return nil, fmt.Errorf("%w: rule sync status %d", core.ErrUnauthorized, resp.StatusCode)
	default:
		return nil, fmt.Errorf("rule sync failed: status %d", resp.StatusCode)
	}

	var payload syncResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode rule sync response: %w", err)
	}

	s.engine.Replace(ctx, payload.Rules)

	watermark := payload.Timestamp
	if watermark == 0 {
		watermark = s.clk.Now().Unix()
	}
	s.persistLastSync(ctx, watermark)

	s.logger.Info("rules.sync",
		"count", len(payload.Rules),
		"version", payload.Version,
	)
	return &SyncResult{
		Count:    len(payload.Rules),
		Version:  payload.Version,
		SyncedAt: time.Unix(watermark, 0).UTC(),
	}, nil
}

// lastSync reads the persisted watermark, zero when none exists.
func (s *Syncer) lastSync(ctx context.Context) int64 {
	data, err := s.storage.Get(ctx, core.StorageKeyRulesLastSync)
	if err != nil || data == nil {
		return 0
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		s.logger.Warn("discarding corrupt rule sync watermark", "error", err)
		if err := s.storage.Delete(ctx, core.StorageKeyRulesLastSync); err != nil {
			s.logger.Warn("failed to delete corrupt watermark", "error", err)
		}
		return 0
	}
	return v
}

func (s *Syncer) persistLastSync(ctx context.Context, watermark int64) {
	value := []byte(strconv.FormatInt(watermark, 10))
	if err := s.storage.Put(ctx, core.StorageKeyRulesLastSync, value); err != nil {
		s.logger.Warn("failed to persist rule sync watermark", "error", err)
	}
}
