package paddlehook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flyweightdev/paddlehook/pkg/paddlehook/internal"
)

// Processor is the webhook endpoint. It authenticates inbound
// notifications, admits each event through the ledger exactly once,
// applies entity effects and caller hooks, and records the permanent
// outcome. It implements http.Handler and is safe for concurrent use;
// correctness under concurrent duplicate deliveries rests entirely on
// the ledger's atomic admission, not on any in-process lock.
type Processor struct {
	config  Config
	logger  Logger
	metrics Metrics
}

// New creates a webhook processor. Config defaults are filled in;
// Ledger, Entities, and WebhookSecret are required.
func New(config Config) (*Processor, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Processor{
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// WebhookPath returns the configured webhook path.
func (p *Processor) WebhookPath() string {
	return p.config.WebhookPath
}

// Mount registers the processor on mux at the configured webhook path.
func (p *Processor) Mount(mux *http.ServeMux) {
	mux.Handle(p.config.WebhookPath, p)
}

// webhookResponse is the success body. Paddle stops redelivering on
// any 200, so duplicates are acknowledged as received.
type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// ServeHTTP implements http.Handler.
//
// Response contract: 200 once the event is durably recorded (first
// processing or duplicate), 400 for authentication or payload errors
// the sender cannot fix by retrying, 500 whenever retrying can help
// (ledger unavailable, effect or handler failure, finalization
// failure). Never 200 without a durable permanent record.
func (p *Processor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, p.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError("payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError("invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Paddle-Signature")
	if sig == "" {
		sig = r.Header.Get("paddle-signature")
	}
	if !VerifySignature(body, p.config.WebhookSecret, sig) {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError("auth_failed")
		return
	}

	event, err := parseEvent(body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookError("invalid_payload")
		return
	}

	eventType := string(event.EventType)
	status, code := p.process(r.Context(), event)
	switch status {
	case outcomeProcessed:
		_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true})
		p.metrics.RecordWebhookEvent(eventType, "success")
	case outcomeDuplicate:
		_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Duplicate: true})
		p.metrics.RecordWebhookEvent(eventType, "duplicate")
	default:
		http.Error(w, "failed to process webhook", code)
		p.metrics.RecordWebhookEvent(eventType, "error")
	}
	p.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeDuplicate
	outcomeFailed
)

// process runs admission, dispatch, and finalization for one verified
// event. The returned code is only meaningful for outcomeFailed.
func (p *Processor) process(ctx context.Context, event *Event) (outcome, int) {
	result, err := p.config.Ledger.AdmitEvent(ctx, &AdmitRequest{
		EventID:    event.EventID,
		EventType:  event.EventType,
		OccurredAt: event.OccurredAt,
		Now:        time.Now(),
		LockTTL:    p.config.LockTTL,
	})
	if err != nil {
		p.logger.Error("event admission failed",
			Field{"event_id", event.EventID}, Field{"error", err.Error()})
		p.metrics.RecordWebhookError("admission_error")
		return outcomeFailed, http.StatusInternalServerError
	}

	if !result.Acquired() {
		p.logger.Debug("duplicate event skipped",
			Field{"event_id", event.EventID}, Field{"event_type", string(event.EventType)})
		return outcomeDuplicate, 0
	}
	if result == AdmitAcquiredStale {
		p.logger.Warn("took over stale processing lock",
			Field{"event_id", event.EventID}, Field{"event_type", string(event.EventType)})
		p.metrics.RecordStaleLockTakeover(string(event.EventType))
	}

	if err := p.dispatch(ctx, event); err != nil {
		p.logger.Error("event dispatch failed",
			Field{"event_id", event.EventID}, Field{"event_type", string(event.EventType)},
			Field{"error", err.Error()})
		p.metrics.RecordWebhookError("dispatch_error")
		if relErr := p.config.Ledger.ReleaseEvent(ctx, event.EventID); relErr != nil {
			// The lock self-heals via TTL expiry; the retry will be
			// admitted once it goes stale.
			p.logger.Warn("failed to release processing lock",
				Field{"event_id", event.EventID}, Field{"error", relErr.Error()})
		}
		return outcomeFailed, http.StatusInternalServerError
	}

	if err := p.finalize(ctx, event.EventID); err != nil {
		p.metrics.RecordWebhookError("finalize_error")
		return outcomeFailed, http.StatusInternalServerError
	}

	return outcomeProcessed, 0
}

// finalize promotes the processing lock to a permanent status. The
// fallback status is written when the primary write fails; if both
// fail the caller reports 500 so the sender retries, rather than
// claiming success without a durable permanent record.
func (p *Processor) finalize(ctx context.Context, eventID string) error {
	err := p.config.Ledger.MarkEventProcessed(ctx, eventID, StatusProcessed)
	if err == nil {
		return nil
	}
	p.logger.Warn("failed to mark event processed, trying fallback status",
		Field{"event_id", eventID}, Field{"error", err.Error()})

	if err := p.config.Ledger.MarkEventProcessed(ctx, eventID, StatusProcessedPending); err != nil {
		p.logger.Error("failed to record permanent event outcome",
			Field{"event_id", eventID}, Field{"error", err.Error()})
		return fmt.Errorf("%w: %w", ErrFinalizeFailed, err)
	}
	return nil
}

// parseEvent decodes and validates the webhook envelope.
func parseEvent(body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if event.EventID == "" || event.EventType == "" || event.OccurredAt == "" {
		return nil, fmt.Errorf("%w: missing required field", ErrInvalidPayload)
	}
	if len(event.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	return &event, nil
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
