// Package attributes holds the current user identity and attribute bag. The
// rule engine reads it to resolve userAttribute conditions, and the
// updateUserAttribute action writes through it. State persists under a single
// storage key and is loaded lazily on first access.
package attributes

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hupe1980/telemetrymesh/core"
	"github.com/hupe1980/telemetrymesh/logging"
)

// Options configures a Store.
type Options struct {
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Store is the process-local user attribute bag backed by storage.
//
// Concurrency: protected by RWMutex. Values are deep-copied on read so
// callers can never mutate internal state through a returned Map.
type Store struct {
	storage core.Storage
	logger  logging.Logger

	mu     sync.RWMutex
	userID *string
	attrs  core.Map
	loaded bool
}

// snapshot is the persisted representation.
type snapshot struct {
	UserID     *string  `json:"user_id,omitempty"`
	Attributes core.Map `json:"attributes"`
}

// NewStore creates an attribute store backed by the given storage.
func NewStore(storage core.Storage, optFns ...func(o *Options)) *Store {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{
		storage: storage,
		logger:  opts.Logger,
		attrs:   core.Map{},
	}
}

// Identify sets (or clears, with nil) the current user id.
func (s *Store) Identify(ctx context.Context, userID *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	if userID != nil {
		id := *userID
		s.userID = &id
	} else {
		s.userID = nil
	}
	s.persistLocked(ctx)
}

// UserID returns the current user id, or nil when anonymous.
func (s *Store) UserID(ctx context.Context) *string {
	s.ensureLoaded(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userID == nil {
		return nil
	}
	id := *s.userID
	return &id
}

// Set stores an attribute value under key.
func (s *Store) Set(ctx context.Context, key string, value core.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	s.attrs[key] = core.Clone(value)
	s.persistLocked(ctx)
}

// Get returns the attribute value for key.
func (s *Store) Get(ctx context.Context, key string) (core.Value, bool) {
	s.ensureLoaded(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.attrs[key]
	if !ok {
		return nil, false
	}
	return core.Clone(value), true
}

// Delete removes the attribute stored under key, if any.
func (s *Store) Delete(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	if _, ok := s.attrs[key]; !ok {
		return
	}
	delete(s.attrs, key)
	s.persistLocked(ctx)
}

// All returns a deep copy of the attribute bag.
func (s *Store) All(ctx context.Context) core.Map {
	s.ensureLoaded(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	cloned := core.Clone(s.attrs)
	if m, ok := cloned.(core.Map); ok {
		return m
	}
	return core.Map{}
}

// Clear drops the user id and every attribute, removing the persisted state.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = nil
	s.attrs = core.Map{}
	s.loaded = true
	if err := s.storage.Delete(ctx, core.StorageKeyUserAttributes); err != nil {
		s.logger.Warn("user attributes delete failed", "error", err)
	}
}

func (s *Store) ensureLoaded(ctx context.Context) {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
}

// loadLocked reads the persisted snapshot once. Corrupt data is discarded.
func (s *Store) loadLocked(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true

	data, err := s.storage.Get(ctx, core.StorageKeyUserAttributes)
	if err != nil {
		s.logger.Warn("user attributes read failed", "error", err)
		return
	}
	if data == nil {
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("discarding corrupt user attributes", "error", err)
		_ = s.storage.Delete(ctx, core.StorageKeyUserAttributes)
		return
	}

	s.userID = snap.UserID
	if snap.Attributes != nil {
		s.attrs = snap.Attributes
	}
}

func (s *Store) persistLocked(ctx context.Context) {
	data, err := json.Marshal(snapshot{UserID: s.userID, Attributes: s.attrs})
	if err != nil {
		s.logger.Error("user attributes marshal failed", "error", err)
		return
	}
	if err := s.storage.Put(ctx, core.StorageKeyUserAttributes, data); err != nil {
		s.logger.Warn("user attributes persist failed, in-memory state stays authoritative", "error", err)
	}
}
