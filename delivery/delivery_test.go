package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hupe1980/telemetrymesh/core"
	"github.com/hupe1980/telemetrymesh/crypto"
	"github.com/hupe1980/telemetrymesh/internal/clock"
	"github.com/hupe1980/telemetrymesh/transport"
)

// sleepRecorder satisfies clock.Clock but resolves retry sleeps instantly,
// recording each requested delay and advancing the manual clock past it.
type sleepRecorder struct {
	*clock.Manual
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.delays = append(s.delays, d)
	s.Manual.Advance(d)
	return nil
}

func newTestClient(mock *transport.Mock, optFns ...func(*Options)) (*Client, *sleepRecorder) {
	rec := &sleepRecorder{Manual: clock.NewManual(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))}
	client := NewClient(mock, crypto.Noop{}, append([]func(*Options){func(o *Options) {
		o.AppID = "app-1"
		o.DeviceID = "device-1"
		o.Clock = rec
	}}, optFns...)...)
	return client, rec
}

func testBatch(names ...string) []core.Event {
	events := make([]core.Event, 0, len(names))
	for _, name := range names {
		events = append(events, core.NewEvent(name, nil))
	}
	return events
}

func TestSendBatchBuildsSignedRequest(t *testing.T) {
	mock := transport.NewMock()
	client, _ := newTestClient(mock, func(o *Options) { o.AuthToken = "tok-123" })

	outcome, err := client.SendBatch(context.Background(), testBatch("screen_view", "purchase"))
	if err != nil || outcome != Delivered {
		t.Fatalf("SendBatch = %v, %v", outcome, err)
	}

	req := mock.LastRequest()
	if req == nil {
		t.Fatal("no request recorded")
	}
	if req.Method != "POST" || req.Path != EventsPath {
		t.Errorf("request line = %s %s", req.Method, req.Path)
	}
	if req.Headers[core.HeaderAppID] != "app-1" || req.Headers[core.HeaderDeviceID] != "device-1" {
		t.Errorf("identity headers = %v", req.Headers)
	}
	if req.Headers[core.HeaderAuthorization] != "Bearer tok-123" {
		t.Errorf("authorization = %q", req.Headers[core.HeaderAuthorization])
	}
	if want := (crypto.Noop{}).HMAC(req.Body); req.Headers[core.HeaderSignature] != want {
		t.Errorf("signature does not cover the request body")
	}

	// Noop cipher passes the serialized batch through untouched.
	var sent []core.Event
	if err := json.Unmarshal(req.Body, &sent); err != nil {
		t.Fatalf("body is not a JSON batch: %v", err)
	}
	if len(sent) != 2 || sent[0].Name != "screen_view" || sent[1].Name != "purchase" {
		t.Errorf("sent batch = %+v", sent)
	}
}

func TestSendBatchEncryptsPayload(t *testing.T) {
	cipher, err := crypto.NewAEAD([]byte("master-secret"))
	if err != nil {
		t.Fatal(err)
	}
	mock := transport.NewMock()
	client := NewClient(mock, cipher, func(o *Options) { o.AppID = "app-1" })

	events := testBatch("login")
	if outcome, err := client.SendBatch(context.Background(), events); err != nil || outcome != Delivered {
		t.Fatalf("SendBatch = %v, %v", outcome, err)
	}

	body := mock.LastRequest().Body
	plaintext, err := cipher.Decrypt(body)
	if err != nil {
		t.Fatalf("body does not decrypt: %v", err)
	}
	want, _ := json.Marshal(events)
	if string(plaintext) != string(want) {
		t.Error("decrypted body does not match the serialized batch")
	}
	if string(body) == string(want) {
		t.Error("body was sent in plaintext")
	}
}

func TestRetriesTransientWithDoublingDelays(t *testing.T) {
	mock := transport.NewMock()
	mock.AddResponse(500, nil)
	mock.AddResponse(503, nil)
	mock.AddResponse(200, []byte("{}"))
	client, rec := newTestClient(mock)

	outcome, err := client.SendBatch(context.Background(), testBatch("a"))
	if err != nil || outcome != Delivered {
		t.Fatalf("SendBatch = %v, %v", outcome, err)
	}
	if mock.CallCount() != 3 {
		t.Errorf("attempts = %d, want 3", mock.CallCount())
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(rec.delays) != len(want) || rec.delays[0] != want[0] || rec.delays[1] != want[1] {
		t.Errorf("delays = %v, want %v", rec.delays, want)
	}

	// Retries resend the request as built, byte for byte.
	reqs := mock.Requests()
	for i := 1; i < len(reqs); i++ {
		if string(reqs[i].Body) != string(reqs[0].Body) {
			t.Errorf("attempt %d re-sent a different payload", i+1)
		}
	}
}

func TestTransientFailureAfterExhaustedAttempts(t *testing.T) {
	mock := transport.NewMock()
	for i := 0; i < 3; i++ {
		mock.AddError(fmt.Errorf("%w: connection refused", core.ErrTransient))
	}
	client, rec := newTestClient(mock)

	outcome, err := client.SendBatch(context.Background(), testBatch("a"))
	if outcome != TransientFailure {
		t.Fatalf("outcome = %v, want TransientFailure", outcome)
	}
	if !errors.Is(err, core.ErrTransient) {
		t.Errorf("err = %v, want transient cause", err)
	}
	if mock.CallCount() != 3 {
		t.Errorf("attempts = %d, want 3", mock.CallCount())
	}
	if len(rec.delays) != 2 {
		t.Errorf("slept %d times, want 2", len(rec.delays))
	}
}

func TestPermanentFailureStopsAfterFirstAttempt(t *testing.T) {
	mock := transport.NewMock()
	mock.AddResponse(400, []byte(`{"error":"bad payload"}`))
	client, rec := newTestClient(mock)

	outcome, err := client.SendBatch(context.Background(), testBatch("a"))
	if outcome != PermanentFailure || err == nil {
		t.Fatalf("SendBatch = %v, %v", outcome, err)
	}
	if mock.CallCount() != 1 {
		t.Errorf("attempts = %d, want exactly 1", mock.CallCount())
	}
	if len(rec.delays) != 0 {
		t.Errorf("slept %d times, want 0", len(rec.delays))
	}
}

func TestUnauthorizedStopsAfterFirstAttempt(t *testing.T) {
	mock := transport.NewMock()
	mock.AddResponse(401, nil)
	client, _ := newTestClient(mock)

	outcome, err := client.SendBatch(context.Background(), testBatch("a"))
	if outcome != Unauthorized {
		t.Fatalf("outcome = %v, want Unauthorized", outcome)
	}
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if mock.CallCount() != 1 {
		t.Errorf("attempts = %d, want 1", mock.CallCount())
	}
}

func TestDelaysAreCappedAndIncreasing(t *testing.T) {
	mock := transport.NewMock()
	for i := 0; i < 6; i++ {
		mock.AddResponse(500, nil)
	}
	client, rec := newTestClient(mock, func(o *Options) {
		o.MaxAttempts = 6
		o.MaxDelay = 5 * time.Second
	})

	if outcome, _ := client.SendBatch(context.Background(), testBatch("a")); outcome != TransientFailure {
		t.Fatalf("outcome = %v", outcome)
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", rec.delays, want)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, rec.delays[i], want[i])
		}
	}
}

type cancelingTransport struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancelingTransport) Do(context.Context, core.Request) (*core.Response, error) {
	c.calls++
	c.cancel()
	return &core.Response{StatusCode: 500}, nil
}

func TestContextCancelAbortsRetryLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := &cancelingTransport{cancel: cancel}
	rec := &sleepRecorder{Manual: clock.NewManual(time.Now())}
	client := NewClient(tr, crypto.Noop{}, func(o *Options) { o.Clock = rec })

	outcome, err := client.SendBatch(ctx, testBatch("a"))
	if outcome != TransientFailure {
		t.Fatalf("outcome = %v", outcome)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if tr.calls != 1 {
		t.Errorf("attempts = %d, want 1", tr.calls)
	}
}

func TestEmptyBatchSkipsNetwork(t *testing.T) {
	mock := transport.NewMock()
	client, _ := newTestClient(mock)

	outcome, err := client.SendBatch(context.Background(), nil)
	if err != nil || outcome != Delivered {
		t.Fatalf("SendBatch = %v, %v", outcome, err)
	}
	if mock.CallCount() != 0 {
		t.Errorf("network touched for empty batch: %d calls", mock.CallCount())
	}
}
