// Package firestore provides a Firestore implementation of the
// paddlehook ledger and entity store. Ledger admission runs inside a
// Firestore transaction so the check-and-reserve commits atomically;
// a concurrent admission of the same event aborts and retries against
// the winner's committed record.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/flyweightdev/paddlehook/pkg/paddlehook"
)

// Storage implements paddlehook.Ledger and paddlehook.EntityStore
// using Google Cloud Firestore.
type Storage struct {
	client                  *firestore.Client
	eventsCollection        string
	customersCollection     string
	subscriptionsCollection string
	transactionsCollection  string
	adjustmentsCollection   string
}

// Config holds Firestore storage configuration.
type Config struct {
	// EventsCollection is the Firestore collection for the event ledger
	// Default: "paddle_events"
	EventsCollection string

	// CustomersCollection is the Firestore collection for customers
	// Default: "paddle_customers"
	CustomersCollection string

	// SubscriptionsCollection is the Firestore collection for subscriptions
	// Default: "paddle_subscriptions"
	SubscriptionsCollection string

	// TransactionsCollection is the Firestore collection for transactions
	// Default: "paddle_transactions"
	TransactionsCollection string

	// AdjustmentsCollection is the Firestore collection for adjustments
	// Default: "paddle_adjustments"
	AdjustmentsCollection string
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.EventsCollection == "" {
		config.EventsCollection = "paddle_events"
	}
	if config.CustomersCollection == "" {
		config.CustomersCollection = "paddle_customers"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "paddle_subscriptions"
	}
	if config.TransactionsCollection == "" {
		config.TransactionsCollection = "paddle_transactions"
	}
	if config.AdjustmentsCollection == "" {
		config.AdjustmentsCollection = "paddle_adjustments"
	}

	return &Storage{
		client:                  client,
		eventsCollection:        config.EventsCollection,
		customersCollection:     config.CustomersCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		transactionsCollection:  config.TransactionsCollection,
		adjustmentsCollection:   config.AdjustmentsCollection,
	}, nil
}

// AdmitEvent implements paddlehook.Ledger.
func (s *Storage) AdmitEvent(ctx context.Context, req *paddlehook.AdmitRequest) (paddlehook.AdmitResult, error) {
	if req == nil || req.EventID == "" {
		return "", fmt.Errorf("invalid admit request")
	}

	doc := s.client.Collection(s.eventsCollection).Doc(req.EventID)
	nowMs := req.Now.UnixMilli()

	var result paddlehook.AdmitResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// Reset on retry so an aborted attempt cannot leak its result.
		result = ""

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		record := map[string]interface{}{
			"status":        string(paddlehook.StatusProcessing),
			"eventType":     string(req.EventType),
			"occurredAt":    req.OccurredAt,
			"lockTimestamp": nowMs,
		}

		if err != nil || !snap.Exists() {
			result = paddlehook.AdmitAcquired
			return tx.Set(doc, record)
		}

		data := snap.Data()
		if paddlehook.EventStatus(getString(data, "status")).Permanent() {
			result = paddlehook.AdmitAlreadyDone
			return nil
		}
		if nowMs-getInt64(data, "lockTimestamp") <= req.LockTTL.Milliseconds() {
			result = paddlehook.AdmitAlreadyDone
			return nil
		}

		// Stale lock: take it over.
		result = paddlehook.AdmitAcquiredStale
		return tx.Set(doc, record)
	})
	if err != nil {
		return "", fmt.Errorf("%w: admission transaction failed: %w", paddlehook.ErrLedgerUnavailable, err)
	}
	return result, nil
}

// MarkEventProcessed implements paddlehook.Ledger.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, newStatus paddlehook.EventStatus) error {
	if !newStatus.Permanent() {
		return fmt.Errorf("status %q is not permanent", newStatus)
	}

	doc := s.client.Collection(s.eventsCollection).Doc(eventID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if err == nil && snap.Exists() {
			if paddlehook.EventStatus(getString(snap.Data(), "status")).Permanent() {
				return nil
			}
		}

		return tx.Set(doc, map[string]interface{}{
			"status":        string(newStatus),
			"lockTimestamp": time.Now().UnixMilli(),
		}, firestore.MergeAll)
	})
	if err != nil {
		return fmt.Errorf("%w: failed to mark event processed: %w", paddlehook.ErrLedgerUnavailable, err)
	}
	return nil
}

// ReleaseEvent implements paddlehook.Ledger.
func (s *Storage) ReleaseEvent(ctx context.Context, eventID string) error {
	doc := s.client.Collection(s.eventsCollection).Doc(eventID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		if !snap.Exists() || paddlehook.EventStatus(getString(snap.Data(), "status")).Permanent() {
			return nil
		}
		return tx.Delete(doc)
	})
	if err != nil {
		return fmt.Errorf("%w: failed to release event: %w", paddlehook.ErrLedgerUnavailable, err)
	}
	return nil
}

// GetEventRecord implements paddlehook.Ledger.
func (s *Storage) GetEventRecord(ctx context.Context, eventID string) (*paddlehook.EventRecord, error) {
	snap, err := s.client.Collection(s.eventsCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, paddlehook.ErrEventNotFound
		}
		return nil, fmt.Errorf("%w: failed to get event record: %w", paddlehook.ErrLedgerUnavailable, err)
	}
	if !snap.Exists() {
		return nil, paddlehook.ErrEventNotFound
	}

	data := snap.Data()
	return &paddlehook.EventRecord{
		EventID:       eventID,
		EventType:     paddlehook.EventType(getString(data, "eventType")),
		OccurredAt:    getString(data, "occurredAt"),
		Status:        paddlehook.EventStatus(getString(data, "status")),
		LockTimestamp: getInt64(data, "lockTimestamp"),
	}, nil
}

// InsertCustomer implements paddlehook.EntityStore. Create fails on an
// existing document, which is the first-writer-wins contract.
func (s *Storage) InsertCustomer(ctx context.Context, c *paddlehook.Customer) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid customer")
	}

	doc := s.client.Collection(s.customersCollection).Doc(c.ID)
	_, err := doc.Create(ctx, customerData(c))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return fmt.Errorf("failed to insert customer: %w", err)
	}
	return nil
}

// UpsertCustomer implements paddlehook.EntityStore.
func (s *Storage) UpsertCustomer(ctx context.Context, c *paddlehook.Customer) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid customer")
	}

	doc := s.client.Collection(s.customersCollection).Doc(c.ID)
	if _, err := doc.Set(ctx, customerData(c), firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

// GetSubscription implements paddlehook.EntityStore.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*paddlehook.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	return subscriptionFromData(id, snap.Data()), nil
}

// InsertSubscription implements paddlehook.EntityStore.
func (s *Storage) InsertSubscription(ctx context.Context, sub *paddlehook.Subscription) (bool, error) {
	if sub == nil || sub.ID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	doc := s.client.Collection(s.subscriptionsCollection).Doc(sub.ID)
	_, err := doc.Create(ctx, subscriptionData(sub))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert subscription: %w", err)
	}
	return true, nil
}

// PatchSubscription implements paddlehook.EntityStore. Only fields set
// on the patch are written; a missing document is left missing.
func (s *Storage) PatchSubscription(ctx context.Context, id string, patch *paddlehook.SubscriptionPatch) error {
	if patch == nil {
		return fmt.Errorf("invalid patch")
	}

	var updates []firestore.Update
	if patch.Status != nil {
		updates = append(updates, firestore.Update{Path: "status", Value: *patch.Status})
	}
	if patch.PriceID != nil {
		updates = append(updates, firestore.Update{Path: "priceId", Value: *patch.PriceID})
	}
	if patch.CurrentPeriodStart != nil {
		updates = append(updates, firestore.Update{Path: "currentPeriodStart", Value: *patch.CurrentPeriodStart})
	}
	if patch.CurrentPeriodEnd != nil {
		updates = append(updates, firestore.Update{Path: "currentPeriodEnd", Value: *patch.CurrentPeriodEnd})
	}
	if patch.CanceledAt != nil {
		updates = append(updates, firestore.Update{Path: "canceledAt", Value: *patch.CanceledAt})
	}
	if patch.PausedAt != nil {
		updates = append(updates, firestore.Update{Path: "pausedAt", Value: *patch.PausedAt})
	}
	if patch.ClearScheduledChange {
		updates = append(updates, firestore.Update{Path: "scheduledChange", Value: firestore.Delete})
	} else if patch.ScheduledChange != nil {
		updates = append(updates, firestore.Update{Path: "scheduledChange", Value: scheduledChangeData(patch.ScheduledChange)})
	}
	if len(updates) == 0 {
		return nil
	}
	updates = append(updates, firestore.Update{Path: "updatedAt", Value: time.Now().UTC()})

	doc := s.client.Collection(s.subscriptionsCollection).Doc(id)
	_, err := doc.Update(ctx, updates)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil // tolerate "updated" before "created"
		}
		return fmt.Errorf("failed to patch subscription: %w", err)
	}
	return nil
}

// UpsertTransaction implements paddlehook.EntityStore. Runs in a
// transaction so linkage already on the document survives an update
// payload without custom_data.
func (s *Storage) UpsertTransaction(ctx context.Context, txn *paddlehook.Transaction) error {
	if txn == nil || txn.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	doc := s.client.Collection(s.transactionsCollection).Doc(txn.ID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		data := transactionData(txn)
		if err == nil && snap.Exists() {
			existing := snap.Data()
			if getString(data, "userId") == "" {
				data["userId"] = getString(existing, "userId")
			}
			if getString(data, "orgId") == "" {
				data["orgId"] = getString(existing, "orgId")
			}
		}
		return tx.Set(doc, data)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert transaction: %w", err)
	}
	return nil
}

// ListTransactionsMissingLinkage implements paddlehook.EntityStore.
// Requires a composite index on (subscriptionId, userId, orgId).
func (s *Storage) ListTransactionsMissingLinkage(ctx context.Context, subscriptionID string, limit int) ([]*paddlehook.Transaction, error) {
	query := s.client.Collection(s.transactionsCollection).
		Where("subscriptionId", "==", subscriptionID).
		Where("userId", "==", "").
		Where("orgId", "==", "").
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(limit)

	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	txns := make([]*paddlehook.Transaction, 0, len(snaps))
	for _, snap := range snaps {
		txns = append(txns, transactionFromData(snap.Ref.ID, snap.Data()))
	}
	return txns, nil
}

// SetTransactionLinkage implements paddlehook.EntityStore.
func (s *Storage) SetTransactionLinkage(ctx context.Context, transactionID, userID, orgID string) error {
	doc := s.client.Collection(s.transactionsCollection).Doc(transactionID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}

		data := snap.Data()
		updates := map[string]interface{}{"updatedAt": time.Now().UTC()}
		if getString(data, "userId") == "" {
			updates["userId"] = userID
		}
		if getString(data, "orgId") == "" {
			updates["orgId"] = orgID
		}
		return tx.Set(doc, updates, firestore.MergeAll)
	})
	if err != nil {
		return fmt.Errorf("failed to set transaction linkage: %w", err)
	}
	return nil
}

// UpsertAdjustment implements paddlehook.EntityStore.
func (s *Storage) UpsertAdjustment(ctx context.Context, adj *paddlehook.Adjustment) error {
	if adj == nil || adj.ID == "" {
		return fmt.Errorf("invalid adjustment")
	}

	doc := s.client.Collection(s.adjustmentsCollection).Doc(adj.ID)
	data := map[string]interface{}{
		"transactionId":  adj.TransactionID,
		"subscriptionId": adj.SubscriptionID,
		"action":         adj.Action,
		"status":         adj.Status,
		"totalAmount":    adj.TotalAmount,
		"currencyCode":   adj.CurrencyCode,
		"updatedAt":      time.Now().UTC(),
	}
	if _, err := doc.Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to upsert adjustment: %w", err)
	}
	return nil
}

// Now implements paddlehook.TimeSource.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func customerData(c *paddlehook.Customer) map[string]interface{} {
	data := map[string]interface{}{
		"email":     c.Email,
		"name":      c.Name,
		"status":    c.Status,
		"userId":    c.UserID,
		"updatedAt": time.Now().UTC(),
	}
	if c.CustomData != nil {
		data["customData"] = c.CustomData
	}
	return data
}

func subscriptionData(sub *paddlehook.Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"customerId":         sub.CustomerID,
		"status":             sub.Status,
		"priceId":            sub.PriceID,
		"userId":             sub.UserID,
		"orgId":              sub.OrgID,
		"currentPeriodStart": sub.CurrentPeriodStart,
		"currentPeriodEnd":   sub.CurrentPeriodEnd,
		"canceledAt":         sub.CanceledAt,
		"pausedAt":           sub.PausedAt,
		"updatedAt":          time.Now().UTC(),
	}
	if sub.ScheduledChange != nil {
		data["scheduledChange"] = scheduledChangeData(sub.ScheduledChange)
	}
	if sub.CustomData != nil {
		data["customData"] = sub.CustomData
	}
	return data
}

func scheduledChangeData(sc *paddlehook.ScheduledChange) map[string]interface{} {
	return map[string]interface{}{
		"action":      sc.Action,
		"effectiveAt": sc.EffectiveAt,
		"resumeAt":    sc.ResumeAt,
	}
}

func subscriptionFromData(id string, data map[string]interface{}) *paddlehook.Subscription {
	sub := &paddlehook.Subscription{
		ID:                 id,
		CustomerID:         getString(data, "customerId"),
		Status:             getString(data, "status"),
		PriceID:            getString(data, "priceId"),
		UserID:             getString(data, "userId"),
		OrgID:              getString(data, "orgId"),
		CurrentPeriodStart: getString(data, "currentPeriodStart"),
		CurrentPeriodEnd:   getString(data, "currentPeriodEnd"),
		CanceledAt:         getString(data, "canceledAt"),
		PausedAt:           getString(data, "pausedAt"),
		UpdatedAt:          getTime(data, "updatedAt"),
	}
	if sc, ok := data["scheduledChange"].(map[string]interface{}); ok {
		sub.ScheduledChange = &paddlehook.ScheduledChange{
			Action:      getString(sc, "action"),
			EffectiveAt: getString(sc, "effectiveAt"),
			ResumeAt:    getString(sc, "resumeAt"),
		}
	}
	if cd, ok := data["customData"].(map[string]interface{}); ok {
		sub.CustomData = cd
	}
	return sub
}

func transactionData(txn *paddlehook.Transaction) map[string]interface{} {
	data := map[string]interface{}{
		"subscriptionId": txn.SubscriptionID,
		"customerId":     txn.CustomerID,
		"status":         txn.Status,
		"total":          txn.Total,
		"currencyCode":   txn.CurrencyCode,
		"billedAt":       txn.BilledAt,
		"userId":         txn.UserID,
		"orgId":          txn.OrgID,
		"updatedAt":      time.Now().UTC(),
	}
	if txn.CustomData != nil {
		data["customData"] = txn.CustomData
	}
	return data
}

func transactionFromData(id string, data map[string]interface{}) *paddlehook.Transaction {
	return &paddlehook.Transaction{
		ID:             id,
		SubscriptionID: getString(data, "subscriptionId"),
		CustomerID:     getString(data, "customerId"),
		Status:         getString(data, "status"),
		Total:          getString(data, "total"),
		CurrencyCode:   getString(data, "currencyCode"),
		BilledAt:       getString(data, "billedAt"),
		UserID:         getString(data, "userId"),
		OrgID:          getString(data, "orgId"),
		UpdatedAt:      getTime(data, "updatedAt"),
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
