package core

import "time"

// Purpose is a named category of data use with independent grant/deny state.
// The set is open: hosts may gate custom purposes beyond the predefined ones.
type Purpose string

const (
	// PurposeAnalytics covers behavioral event collection and delivery.
	PurposeAnalytics Purpose = "analytics"
	// PurposeAdvertising covers ad-attribution related collection.
	PurposeAdvertising Purpose = "advertising"
	// PurposeLocation covers attaching location snapshots to events.
	PurposeLocation Purpose = "location"
	// PurposePersonalization covers user-attribute driven rule actions.
	PurposePersonalization Purpose = "personalization"
)

// DefaultPurposes lists the purposes RevokeAll iterates when no explicit
// purpose set was recorded yet.
var DefaultPurposes = []Purpose{
	PurposeAnalytics,
	PurposeAdvertising,
	PurposeLocation,
	PurposePersonalization,
}

// ConsentStatus enumerates the per-purpose consent states.
type ConsentStatus string

const (
	// ConsentUnknown means no decision was recorded (or a grant expired).
	ConsentUnknown ConsentStatus = "unknown"
	// ConsentGranted means the user granted the purpose.
	ConsentGranted ConsentStatus = "granted"
	// ConsentDenied means the user denied the purpose.
	ConsentDenied ConsentStatus = "denied"
	// ConsentRestricted means a policy (parental controls, MDM) blocks the
	// purpose regardless of user choice.
	ConsentRestricted ConsentStatus = "restricted"
	// ConsentNotRequired means the purpose needs no consent in the current
	// jurisdiction and collection may proceed.
	ConsentNotRequired ConsentStatus = "not_required"
)

// Allows reports whether the status permits collection for the purpose.
func (s ConsentStatus) Allows() bool {
	return s == ConsentGranted || s == ConsentNotRequired
}

// ConsentRecord is the persisted per-purpose decision. GrantedAt is the
// moment the status was recorded, whatever the status; TTL expiry only
// applies to granted records.
type ConsentRecord struct {
	Purpose   Purpose       `json:"purpose"`
	Status    ConsentStatus `json:"status"`
	GrantedAt time.Time     `json:"granted_at"`
}

// Expired reports whether a granted record is older than ttl at now.
// Non-granted statuses never expire.
func (r ConsentRecord) Expired(ttl time.Duration, now time.Time) bool {
	if r.Status != ConsentGranted || ttl <= 0 {
		return false
	}
	return now.Sub(r.GrantedAt) >= ttl
}
