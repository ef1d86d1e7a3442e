package paddlehook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// backfillPageSize bounds each backfill write batch so a subscription
// with many predating transactions never turns into one unbounded
// operation. The scan is restartable: patched rows drop out of the
// next page's filter.
const backfillPageSize = 100

// dispatch applies the default entity effects for the event, then the
// per-type handler, then the catch-all handler. Any error propagates
// so the lock is released and Paddle redelivers.
func (p *Processor) dispatch(ctx context.Context, event *Event) error {
	if err := p.applyEffects(ctx, event); err != nil {
		return err
	}
	if h, ok := p.config.Handlers[event.EventType]; ok && h != nil {
		if err := h(ctx, event); err != nil {
			return fmt.Errorf("handler for %s: %w", event.EventType, err)
		}
	}
	if p.config.OnAnyEvent != nil {
		if err := p.config.OnAnyEvent(ctx, event); err != nil {
			return fmt.Errorf("catch-all handler: %w", err)
		}
	}
	return nil
}

// applyEffects routes the event to its entity-effect transition. All
// effects are idempotent upserts or patches, so a redelivered event
// that slipped past the ledger (stale-lock takeover race) cannot
// corrupt entity state.
func (p *Processor) applyEffects(ctx context.Context, event *Event) error {
	switch event.EventType {
	case EventCustomerCreated, EventCustomerImported:
		return p.applyCustomerCreate(ctx, event)
	case EventCustomerUpdated:
		return p.applyCustomerUpdate(ctx, event)
	case EventSubscriptionCreated, EventSubscriptionImported:
		return p.applySubscriptionCreate(ctx, event)
	case EventSubscriptionUpdated, EventSubscriptionActivated,
		EventSubscriptionTrialing, EventSubscriptionPastDue:
		return p.applySubscriptionUpdate(ctx, event)
	case EventSubscriptionCanceled:
		return p.applySubscriptionCancel(ctx, event)
	case EventSubscriptionPaused:
		return p.applySubscriptionPause(ctx, event)
	case EventSubscriptionResumed:
		return p.applySubscriptionResume(ctx, event)
	case EventTransactionCreated, EventTransactionUpdated, EventTransactionCompleted:
		return p.applyTransaction(ctx, event)
	case EventAdjustmentCreated, EventAdjustmentUpdated:
		return p.applyAdjustment(ctx, event)
	default:
		// Forward compatibility: new Paddle event types are
		// acknowledged without effects.
		p.logger.Info("ignoring unrecognized event type",
			Field{"event_id", event.EventID}, Field{"event_type", string(event.EventType)})
		return nil
	}
}

// Wire payload shapes, decoded per event type.

type customerPayload struct {
	ID         string         `json:"id"`
	Email      string         `json:"email"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	CustomData map[string]any `json:"custom_data"`
}

type billingPeriod struct {
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at"`
}

type subscriptionItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
}

type subscriptionPayload struct {
	ID                   string             `json:"id"`
	CustomerID           string             `json:"customer_id"`
	Status               string             `json:"status"`
	Items                []subscriptionItem `json:"items"`
	CurrentBillingPeriod *billingPeriod     `json:"current_billing_period"`
	ScheduledChange      *ScheduledChange   `json:"scheduled_change"`
	CanceledAt           string             `json:"canceled_at"`
	PausedAt             string             `json:"paused_at"`
	CustomData           map[string]any     `json:"custom_data"`
}

func (sp *subscriptionPayload) priceID() string {
	if len(sp.Items) == 0 {
		return ""
	}
	return sp.Items[0].Price.ID
}

type transactionPayload struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscription_id"`
	CustomerID     string `json:"customer_id"`
	Status         string `json:"status"`
	BilledAt       string `json:"billed_at"`
	Details        struct {
		Totals struct {
			Total        string `json:"total"`
			CurrencyCode string `json:"currency_code"`
		} `json:"totals"`
	} `json:"details"`
	CustomData map[string]any `json:"custom_data"`
}

type adjustmentPayload struct {
	ID             string `json:"id"`
	TransactionID  string `json:"transaction_id"`
	SubscriptionID string `json:"subscription_id"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	TotalAmount    string `json:"total_amount"`
	CurrencyCode   string `json:"currency_code"`
}

func (p *Processor) applyCustomerCreate(ctx context.Context, event *Event) error {
	var payload customerPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal customer: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("%w: customer id missing", ErrInvalidPayload)
	}
	userID, _ := linkageFromCustomData(payload.CustomData)
	return p.config.Entities.InsertCustomer(ctx, &Customer{
		ID:         payload.ID,
		Email:      payload.Email,
		Name:       payload.Name,
		Status:     payload.Status,
		UserID:     userID,
		CustomData: payload.CustomData,
		UpdatedAt:  time.Now().UTC(),
	})
}

func (p *Processor) applyCustomerUpdate(ctx context.Context, event *Event) error {
	var payload customerPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal customer: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("%w: customer id missing", ErrInvalidPayload)
	}
	userID, _ := linkageFromCustomData(payload.CustomData)
	return p.config.Entities.UpsertCustomer(ctx, &Customer{
		ID:         payload.ID,
		Email:      payload.Email,
		Name:       payload.Name,
		Status:     payload.Status,
		UserID:     userID,
		CustomData: payload.CustomData,
		UpdatedAt:  time.Now().UTC(),
	})
}

func (p *Processor) applySubscriptionCreate(ctx context.Context, event *Event) error {
	var payload subscriptionPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
	}

	userID, orgID := linkageFromCustomData(payload.CustomData)
	sub := &Subscription{
		ID:              payload.ID,
		CustomerID:      payload.CustomerID,
		Status:          payload.Status,
		PriceID:         payload.priceID(),
		UserID:          userID,
		OrgID:           orgID,
		ScheduledChange: payload.ScheduledChange,
		CanceledAt:      payload.CanceledAt,
		PausedAt:        payload.PausedAt,
		CustomData:      payload.CustomData,
		UpdatedAt:       time.Now().UTC(),
	}
	if payload.CurrentBillingPeriod != nil {
		sub.CurrentPeriodStart = payload.CurrentBillingPeriod.StartsAt
		sub.CurrentPeriodEnd = payload.CurrentBillingPeriod.EndsAt
	}

	inserted, err := p.config.Entities.InsertSubscription(ctx, sub)
	if err != nil {
		return err
	}
	if !inserted || (userID == "" && orgID == "") {
		return nil
	}

	// Transactions can arrive before the subscription they belong to;
	// those rows have no linkage identifiers yet. Fill them in now.
	return p.backfillTransactionLinkage(ctx, sub.ID, userID, orgID)
}

func (p *Processor) applySubscriptionUpdate(ctx context.Context, event *Event) error {
	var payload subscriptionPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
	}

	patch := &SubscriptionPatch{ScheduledChange: payload.ScheduledChange}
	if payload.Status != "" {
		patch.Status = &payload.Status
	}
	if priceID := payload.priceID(); priceID != "" {
		patch.PriceID = &priceID
	}
	if payload.CurrentBillingPeriod != nil {
		patch.CurrentPeriodStart = &payload.CurrentBillingPeriod.StartsAt
		patch.CurrentPeriodEnd = &payload.CurrentBillingPeriod.EndsAt
	}
	return p.config.Entities.PatchSubscription(ctx, payload.ID, patch)
}

func (p *Processor) applySubscriptionCancel(ctx context.Context, event *Event) error {
	var payload subscriptionPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
	}

	status := payload.Status
	if status == "" {
		status = "canceled"
	}
	canceledAt := payload.CanceledAt
	if canceledAt == "" {
		canceledAt = event.OccurredAt
	}
	return p.config.Entities.PatchSubscription(ctx, payload.ID, &SubscriptionPatch{
		Status:               &status,
		CanceledAt:           &canceledAt,
		ClearScheduledChange: true,
	})
}

func (p *Processor) applySubscriptionPause(ctx context.Context, event *Event) error {
	var payload subscriptionPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
	}

	status := payload.Status
	if status == "" {
		status = "paused"
	}
	pausedAt := payload.PausedAt
	if pausedAt == "" {
		pausedAt = event.OccurredAt
	}
	return p.config.Entities.PatchSubscription(ctx, payload.ID, &SubscriptionPatch{
		Status:          &status,
		PausedAt:        &pausedAt,
		ScheduledChange: payload.ScheduledChange,
	})
}

func (p *Processor) applySubscriptionResume(ctx context.Context, event *Event) error {
	var payload subscriptionPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
	}

	status := payload.Status
	if status == "" {
		status = "active"
	}
	cleared := ""
	patch := &SubscriptionPatch{
		Status:   &status,
		PausedAt: &cleared,
	}
	if payload.CurrentBillingPeriod != nil {
		patch.CurrentPeriodStart = &payload.CurrentBillingPeriod.StartsAt
		patch.CurrentPeriodEnd = &payload.CurrentBillingPeriod.EndsAt
	}
	return p.config.Entities.PatchSubscription(ctx, payload.ID, patch)
}

func (p *Processor) applyTransaction(ctx context.Context, event *Event) error {
	var payload transactionPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("%w: transaction id missing", ErrInvalidPayload)
	}

	// Linkage identifiers come from the transaction's own custom_data
	// first; when unavailable, fall back to the linked subscription's.
	userID, orgID := linkageFromCustomData(payload.CustomData)
	if userID == "" && orgID == "" && payload.SubscriptionID != "" {
		sub, err := p.config.Entities.GetSubscription(ctx, payload.SubscriptionID)
		if err != nil {
			return err
		}
		if sub != nil {
			userID, orgID = sub.UserID, sub.OrgID
		}
	}

	return p.config.Entities.UpsertTransaction(ctx, &Transaction{
		ID:             payload.ID,
		SubscriptionID: payload.SubscriptionID,
		CustomerID:     payload.CustomerID,
		Status:         payload.Status,
		Total:          payload.Details.Totals.Total,
		CurrencyCode:   payload.Details.Totals.CurrencyCode,
		BilledAt:       payload.BilledAt,
		UserID:         userID,
		OrgID:          orgID,
		CustomData:     payload.CustomData,
		UpdatedAt:      time.Now().UTC(),
	})
}

func (p *Processor) applyAdjustment(ctx context.Context, event *Event) error {
	var payload adjustmentPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal adjustment: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("%w: adjustment id missing", ErrInvalidPayload)
	}

	return p.config.Entities.UpsertAdjustment(ctx, &Adjustment{
		ID:             payload.ID,
		TransactionID:  payload.TransactionID,
		SubscriptionID: payload.SubscriptionID,
		Action:         payload.Action,
		Status:         payload.Status,
		TotalAmount:    payload.TotalAmount,
		CurrencyCode:   payload.CurrencyCode,
		UpdatedAt:      time.Now().UTC(),
	})
}

// backfillTransactionLinkage patches linkage identifiers onto
// transactions that predate their subscription, one bounded page at a
// time. Interruptions are safe: the scan only returns rows still
// missing linkage, so re-running from the start converges.
func (p *Processor) backfillTransactionLinkage(ctx context.Context, subscriptionID, userID, orgID string) error {
	for {
		txns, err := p.config.Entities.ListTransactionsMissingLinkage(ctx, subscriptionID, backfillPageSize)
		if err != nil {
			return fmt.Errorf("failed to list transactions for backfill: %w", err)
		}
		for _, txn := range txns {
			if err := p.config.Entities.SetTransactionLinkage(ctx, txn.ID, userID, orgID); err != nil {
				return fmt.Errorf("failed to backfill transaction %s: %w", txn.ID, err)
			}
		}
		if len(txns) < backfillPageSize {
			return nil
		}
	}
}

// linkageFromCustomData extracts user/org linkage identifiers from a
// custom_data object. Snake case is canonical; camelCase is accepted
// because both occur in checkout integrations in the wild.
func linkageFromCustomData(customData map[string]any) (userID, orgID string) {
	return customDataString(customData, "user_id", "userId"),
		customDataString(customData, "org_id", "orgId")
}

func customDataString(customData map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := customData[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
