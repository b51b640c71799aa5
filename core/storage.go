package core

import "context"

// Storage keys used by the core. Keys are opaque strings to the storage
// collaborator; changing them orphans previously persisted state.
const (
	StorageKeyEventQueue     = "event_queue"
	StorageKeyCurrentSession = "current_session"
	StorageKeyRules          = "rules"
	StorageKeyRulesLastSync  = "rules_last_sync"
	StorageKeyUserAttributes = "user_attributes"
	StorageKeyDeviceID       = "device_id"

	storageKeyConsentPrefix = "consent_"
)

// ConsentStorageKey returns the storage key holding the record for a purpose.
func ConsentStorageKey(p Purpose) string { return storageKeyConsentPrefix + string(p) }

// Storage is the durable, crash-safe key/value collaborator. Implementations
// must make Put atomic per key: after Put returns nil the value survives a
// process kill. Get returns (nil, nil) when the key is absent - absence is
// not an error on this interface. Delete of an absent key is a no-op.
type Storage interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
