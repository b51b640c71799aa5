// Package config holds the tunable settings for the telemetry core and their
// defaults. Values can be provided programmatically or loaded from the
// environment via FromEnv.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config carries every tunable of the telemetry core. The zero value is not
// usable; start from Default and override what you need.
type Config struct {
	// AppID identifies the application to the ingest service.
	AppID string `validate:"required"`
	// Endpoint is the base URL of the ingest service. Optional when a custom
	// transport is supplied.
	Endpoint string `validate:"omitempty,url"`
	// BearerToken is attached as an Authorization header when present.
	BearerToken string

	// SessionTimeout is the idle duration after which a session ends.
	SessionTimeout time.Duration `validate:"gt=0"`
	// FlushInterval is the period of the background flush ticker.
	FlushInterval time.Duration `validate:"gt=0"`
	// BatchSize is the maximum events per delivery and the queue depth that
	// triggers an immediate flush.
	BatchSize int `validate:"min=1"`
	// MaxQueueSize bounds the durable queue; the oldest events are evicted
	// once it is exceeded.
	MaxQueueSize int `validate:"min=1"`
	// ConsentTTL is how long a granted consent stays valid.
	ConsentTTL time.Duration `validate:"gt=0"`
	// MaxSendAttempts bounds attempts within a single delivery call.
	MaxSendAttempts int `validate:"min=1"`
	// MaxDeliveryAttempts bounds attempts across flush cycles before an
	// undeliverable event is dropped.
	MaxDeliveryAttempts int `validate:"min=1"`
	// MaxBackoffDelay caps the exponential backoff between attempts.
	MaxBackoffDelay time.Duration `validate:"gt=0"`
	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration `validate:"gt=0"`
	// MaxEventNameLength truncates longer event names.
	MaxEventNameLength int `validate:"min=1"`
	// MaxProperties caps the number of property keys per event.
	MaxProperties int `validate:"min=1"`
	// RuleSyncInterval is the period of the background rule sync; zero
	// disables it.
	RuleSyncInterval time.Duration `validate:"min=0"`
}

// Default returns the baseline configuration. AppID must still be set by the
// caller.
func Default() Config {
	return Config{
		SessionTimeout:      30 * time.Minute,
		FlushInterval:       60 * time.Second,
		BatchSize:           50,
		MaxQueueSize:        1000,
		ConsentTTL:          365 * 24 * time.Hour,
		MaxSendAttempts:     3,
		MaxDeliveryAttempts: 5,
		MaxBackoffDelay:     60 * time.Second,
		RequestTimeout:      30 * time.Second,
		MaxEventNameLength:  120,
		MaxProperties:       100,
		RuleSyncInterval:    0,
	}
}

// Validate checks the configuration and returns a descriptive error listing
// every violated constraint.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("invalid config: %w", err)
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		messages = append(messages, formatFieldError(fe))
	}

	return fmt.Errorf("invalid config: %s", strings.Join(messages, "; "))
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
