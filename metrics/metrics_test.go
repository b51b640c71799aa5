package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// These tests are lightweight sanity checks to ensure that
// metrics functions can be called without panicking.

func TestRecordEventMetrics(t *testing.T) {
	RecordEventTracked()
	RecordEventDropped("consent_denied")
	RecordEventDropped("queue_full")
}

func TestRecordDeliveryMetrics(t *testing.T) {
	RecordDeliveryAttempt()
	RecordBatchDelivery("delivered", 150*time.Millisecond)
	RecordBatchDelivery("transient_failure", 2*time.Second)
}

func TestQueueDepth(t *testing.T) {
	SetQueueDepth(42)
	SetQueueDepth(0)
}

func TestRuleMetrics(t *testing.T) {
	RecordRuleEvaluated()
	RecordRuleFired()
	RecordActionExecuted("trackEvent", true)
	RecordActionExecuted("showMessage", false)
}

func TestSessionMetrics(t *testing.T) {
	RecordSessionStarted("app_launch")
	RecordSessionStarted("foreground_timeout")
}

func TestMetricsHandlerServesExposition(t *testing.T) {
	RecordEventTracked()

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "telemetry_events_tracked_total") {
		t.Error("exposition missing the tracked-events counter")
	}
}
