package core

import (
	"testing"
	"time"
)

func TestConsentStatus_Allows(t *testing.T) {
	allowed := map[ConsentStatus]bool{
		ConsentUnknown:     false,
		ConsentGranted:     true,
		ConsentDenied:      false,
		ConsentRestricted:  false,
		ConsentNotRequired: true,
	}
	for status, want := range allowed {
		if got := status.Allows(); got != want {
			t.Errorf("%s.Allows() = %v, want %v", status, got, want)
		}
	}
}

func TestConsentRecord_Expired(t *testing.T) {
	granted := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := ConsentRecord{Purpose: PurposeAnalytics, Status: ConsentGranted, GrantedAt: granted}
	ttl := 365 * 24 * time.Hour

	if rec.Expired(ttl, granted.Add(ttl-time.Second)) {
		t.Error("record should not expire before the TTL")
	}
	if !rec.Expired(ttl, granted.Add(ttl)) {
		t.Error("record should expire exactly at the TTL")
	}

	rec.Status = ConsentDenied
	if rec.Expired(ttl, granted.Add(10*ttl)) {
		t.Error("non-granted records never expire")
	}
}
