// Package delivery turns drained event batches into signed, encrypted
// requests against the ingest endpoint and classifies the result so the
// orchestrator can decide between acknowledging, keeping and disposing.
//
// Within one SendBatch call only transient causes are retried: up to
// MaxAttempts requests with delays doubling from two seconds, capped at
// MaxDelay. Permanent rejections and credential failures stop after the
// first attempt.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/telemetrymesh/core"
	"github.com/hupe1980/telemetrymesh/internal/clock"
	"github.com/hupe1980/telemetrymesh/logging"
	"github.com/hupe1980/telemetrymesh/metrics"
)

const (
	// DefaultMaxAttempts bounds requests per SendBatch call.
	DefaultMaxAttempts = 3

	// DefaultMaxDelay caps the backoff delay between attempts.
	DefaultMaxDelay = 60 * time.Second

	initialDelay = 2 * time.Second

	// EventsPath is the ingest endpoint batches are posted to.
	EventsPath = "/events"
)

// Outcome classifies the result of delivering one batch.
type Outcome int

const (
	// Delivered means the backend accepted the batch. The caller must ack
	// exactly the ids that were in it.
	Delivered Outcome = iota

	// TransientFailure means every attempt failed with a retryable cause.
	// The batch stays queued for a later flush cycle.
	TransientFailure

	// PermanentFailure means the backend rejected the batch outright;
	// resending the same payload cannot succeed.
	PermanentFailure

	// Unauthorized means the credentials were rejected. The batch stays
	// queued since a fresh token may resolve it, but tokens are never
	// refreshed here.
	Unauthorized
)

// String returns the snake_case label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	case Unauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Options configures a Client.
type Options struct {
	// AppID is sent as the X-App-ID identity header.
	AppID string

	// DeviceID is sent as the X-Device-ID identity header.
	DeviceID string

	// AuthToken, when set, is sent as a bearer Authorization header.
	AuthToken string

	// MaxAttempts bounds requests per SendBatch call.
	MaxAttempts int

	// MaxDelay caps the backoff delay between attempts.
	MaxDelay time.Duration

	// Clock paces retry delays.
	Clock clock.Clock

	// Logger receives per-attempt diagnostics.
	Logger logging.Logger
}

// Client delivers event batches through the transport collaborator.
type Client struct {
	transport   core.Transport
	cipher      core.Cipher
	appID       string
	deviceID    string
	authToken   string
	maxAttempts int
	maxDelay    time.Duration
	clk         clock.Clock
	logger      logging.Logger
}

// NewClient creates a delivery client over the given transport and cipher.
func NewClient(transport core.Transport, cipher core.Cipher, optFns ...func(*Options)) *Client {
	opts := Options{
		MaxAttempts: DefaultMaxAttempts,
		MaxDelay:    DefaultMaxDelay,
		Clock:       clock.New(),
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	return &Client{
		transport:   transport,
		cipher:      cipher,
		appID:       opts.AppID,
		deviceID:    opts.DeviceID,
		authToken:   opts.AuthToken,
		maxAttempts: opts.MaxAttempts,
		maxDelay:    opts.MaxDelay,
		clk:         opts.Clock,
		logger:      opts.Logger,
	}
}

// SendBatch serializes, encrypts, signs and posts the batch, retrying
// transient causes with exponential backoff. The returned error carries the
// cause for any outcome other than Delivered.
func (c *Client) SendBatch(ctx context.Context, events []core.Event) (Outcome, error) {
	if len(events) == 0 {
		return Delivered, nil
	}

	req, err := c.buildRequest(events)
	if err != nil {
		return PermanentFailure, err
	}

	start := c.clk.Now()
	outcome, cause := c.attemptWithRetry(ctx, req, len(events))
	metrics.RecordBatchDelivery(outcome.String(), c.clk.Now().Sub(start))
	return outcome, cause
}

// buildRequest produces the wire request: encrypted JSON body signed with an
// HMAC over the ciphertext, plus the identity headers.
func (c *Client) buildRequest(events []core.Event) (core.Request, error) {
	plaintext, err := json.Marshal(events)
	if err != nil {
		return core.Request{}, fmt.Errorf("failed to serialize batch: %w", err)
	}
	ciphertext, err := c.cipher.Encrypt(plaintext)
	if err != nil {
		return core.Request{}, fmt.Errorf("failed to encrypt batch: %w", err)
	}

	headers := map[string]string{
		core.HeaderContentType: "application/octet-stream",
		core.HeaderSignature:   c.cipher.HMAC(ciphertext),
		core.HeaderAppID:       c.appID,
		core.HeaderDeviceID:    c.deviceID,
	}
	if c.authToken != "" {
		headers[core.HeaderAuthorization] = "Bearer " + c.authToken
	}

	return core.Request{
		Method:  "POST",
		Path:    EventsPath,
		Headers: headers,
		Body:    ciphertext,
	}, nil
}

func (c *Client) attemptWithRetry(ctx context.Context, req core.Request, batchSize int) (Outcome, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = c.maxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		metrics.RecordDeliveryAttempt()

		outcome, err := c.classify(c.transport.Do(ctx, req))
		if outcome != TransientFailure {
			c.logAttempt(attempt, batchSize, outcome, err)
			return outcome, err
		}

		lastErr = err
		c.logAttempt(attempt, batchSize, outcome, err)
		if attempt == c.maxAttempts {
			break
		}

		if err := c.clk.Sleep(ctx, bo.NextBackOff()); err != nil {
			return TransientFailure, fmt.Errorf("retry aborted: %w", err)
		}
	}
	return TransientFailure, lastErr
}

// classify maps a transport result onto an outcome. Network failures marked
// transient by the transport and 5xx/408/429 statuses are retryable; 401/403
// are Unauthorized; every other non-2xx status is permanent.
func (c *Client) classify(resp *core.Response, err error) (Outcome, error) {
	if err != nil {
		if errors.Is(err, core.ErrTransient) {
			return TransientFailure, err
		}
		return PermanentFailure, err
	}

	code := resp.StatusCode
	switch {
	case core.IsSuccessStatus(code):
		return Delivered, nil
	case core.IsUnauthorizedStatus(code):
		return Unauthorized, fmt.Errorf("%w: status %d", core.ErrUnauthorized, code)
	case core.IsTransientStatus(code):
		return TransientFailure, fmt.Errorf("server unavailable: status %d", code)
	default:
		return PermanentFailure, fmt.Errorf("server rejected batch: status %d", code)
	}
}

func (c *Client) logAttempt(attempt, batchSize int, outcome Outcome, err error) {
	if outcome == Delivered {
		c.logger.Debug("batch delivered",
			"attempt", attempt,
			"event_count", batchSize,
		)
		return
	}
	c.logger.Warn("batch delivery attempt failed",
		"attempt", attempt,
		"max_attempts", c.maxAttempts,
		"event_count", batchSize,
		"outcome", outcome.String(),
		"error", err,
	)
}
