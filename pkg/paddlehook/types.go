package paddlehook

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the category of effect a webhook event applies.
// The vocabulary is closed; unrecognized values are ignored for
// forward compatibility with new Paddle event types.
type EventType string

const (
	EventCustomerCreated  EventType = "customer.created"
	EventCustomerImported EventType = "customer.imported"
	EventCustomerUpdated  EventType = "customer.updated"

	EventSubscriptionCreated   EventType = "subscription.created"
	EventSubscriptionImported  EventType = "subscription.imported"
	EventSubscriptionUpdated   EventType = "subscription.updated"
	EventSubscriptionActivated EventType = "subscription.activated"
	EventSubscriptionTrialing  EventType = "subscription.trialing"
	EventSubscriptionPastDue   EventType = "subscription.past_due"
	EventSubscriptionCanceled  EventType = "subscription.canceled"
	EventSubscriptionPaused    EventType = "subscription.paused"
	EventSubscriptionResumed   EventType = "subscription.resumed"

	EventTransactionCreated   EventType = "transaction.created"
	EventTransactionUpdated   EventType = "transaction.updated"
	EventTransactionCompleted EventType = "transaction.completed"

	EventAdjustmentCreated EventType = "adjustment.created"
	EventAdjustmentUpdated EventType = "adjustment.updated"
)

// Event is the webhook notification envelope as delivered by Paddle.
// Data is left opaque; the dispatcher decodes it per event type.
type Event struct {
	// EventID is globally unique per notification and is the
	// deduplication key.
	EventID string `json:"event_id"`

	// EventType selects the entity effect to apply.
	EventType EventType `json:"event_type"`

	// OccurredAt is the sender-reported event time. It is stored
	// verbatim for visibility and is never used for ordering decisions.
	OccurredAt string `json:"occurred_at"`

	// Data is the event payload; its shape depends on EventType.
	Data json.RawMessage `json:"data"`
}

// Handler is a caller-supplied hook invoked after the default entity
// effects, only on the first successful admission of an event.
// A returned error fails the whole event so Paddle redelivers it.
type Handler func(ctx context.Context, event *Event) error

// Customer is the local projection of a Paddle customer.
type Customer struct {
	ID         string
	Email      string
	Name       string
	Status     string
	UserID     string
	CustomData map[string]any
	UpdatedAt  time.Time
}

// ScheduledChange mirrors Paddle's scheduled_change object on a
// subscription (a pending cancel/pause/resume at a future date).
type ScheduledChange struct {
	Action      string `json:"action"`
	EffectiveAt string `json:"effective_at"`
	ResumeAt    string `json:"resume_at,omitempty"`
}

// Subscription is the local projection of a Paddle subscription.
// UserID and OrgID are linkage identifiers extracted from custom_data.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	UserID             string
	OrgID              string
	CurrentPeriodStart string
	CurrentPeriodEnd   string
	CanceledAt         string
	PausedAt           string
	ScheduledChange    *ScheduledChange
	CustomData         map[string]any
	UpdatedAt          time.Time
}

// SubscriptionPatch is a partial update applied to an existing
// subscription row. Nil fields are left untouched.
type SubscriptionPatch struct {
	Status             *string
	PriceID            *string
	CurrentPeriodStart *string
	CurrentPeriodEnd   *string
	CanceledAt         *string
	PausedAt           *string
	ScheduledChange    *ScheduledChange

	// ClearScheduledChange removes any pending scheduled change;
	// cancel events set this.
	ClearScheduledChange bool
}

// Transaction is the local projection of a Paddle transaction.
type Transaction struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	Status         string
	Total          string
	CurrencyCode   string
	BilledAt       string
	UserID         string
	OrgID          string
	CustomData     map[string]any
	UpdatedAt      time.Time
}

// Adjustment is the local projection of a Paddle adjustment
// (refund, credit, or chargeback against a transaction).
type Adjustment struct {
	ID             string
	TransactionID  string
	SubscriptionID string
	Action         string
	Status         string
	TotalAmount    string
	CurrencyCode   string
	UpdatedAt      time.Time
}
