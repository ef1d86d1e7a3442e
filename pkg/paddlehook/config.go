package paddlehook

import (
	"fmt"
	"time"
)

// Environment selects which Paddle environment outbound calls target.
type Environment string

const (
	// EnvironmentSandbox targets Paddle's sandbox environment.
	EnvironmentSandbox Environment = "sandbox"

	// EnvironmentProduction targets Paddle's live environment.
	EnvironmentProduction Environment = "production"
)

// DefaultMaxBodyBytes caps webhook request bodies to prevent memory
// exhaustion from oversized payloads.
const DefaultMaxBodyBytes = 256 * 1024

// DefaultWebhookPath is the path the processor answers on when no
// override is configured.
const DefaultWebhookPath = "/webhook"

// Config holds webhook processor configuration.
type Config struct {
	// Ledger is the durable deduplication store (required).
	Ledger Ledger

	// Entities is the projection store event effects write to (required).
	Entities EntityStore

	// WebhookSecret verifies inbound signatures (required).
	WebhookSecret string

	// WebhookPath overrides the path the processor answers on.
	// Default: "/webhook". Requests for other paths return 404.
	WebhookPath string

	// Environment selects sandbox or production for outbound API calls.
	// Default: EnvironmentSandbox.
	Environment Environment

	// APIKey authenticates outbound Paddle API calls. Not used by the
	// webhook path itself.
	APIKey string

	// Handlers maps an event type to a hook that runs after the default
	// entity effects, only on first successful admission. A handler
	// error fails the event so Paddle redelivers it.
	Handlers map[EventType]Handler

	// OnAnyEvent, if set, runs after the per-type handler for every
	// admitted event.
	OnAnyEvent Handler

	// LockTTL is the processing-lock lifetime. Locks older than this
	// are considered abandoned and may be taken over by a retry.
	// Default: DefaultLockTTL (10 minutes).
	LockTTL time.Duration

	// MaxBodyBytes caps the webhook request body size.
	// Default: DefaultMaxBodyBytes (256 KiB).
	MaxBodyBytes int64

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks webhook processing (default: NoopMetrics).
	Metrics Metrics
}

// validate checks required fields and fills defaults in place.
func (c *Config) validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Entities == nil {
		return fmt.Errorf("entity store is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if c.WebhookPath == "" {
		c.WebhookPath = DefaultWebhookPath
	}
	if c.Environment == "" {
		c.Environment = EnvironmentSandbox
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	return nil
}
