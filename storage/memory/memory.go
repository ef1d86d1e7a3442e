// Package memory provides an in-memory implementation of the
// paddlehook ledger and entity store. This implementation is
// primarily intended for testing and development; the ledger's
// atomicity comes from a process-local mutex, so it cannot coordinate
// admissions across multiple processes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flyweightdev/paddlehook/pkg/paddlehook"
)

// Storage implements paddlehook.Ledger and paddlehook.EntityStore
// using in-memory maps.
type Storage struct {
	mu            sync.Mutex
	events        map[string]*paddlehook.EventRecord
	customers     map[string]*paddlehook.Customer
	subscriptions map[string]*paddlehook.Subscription
	transactions  map[string]*paddlehook.Transaction
	adjustments   map[string]*paddlehook.Adjustment
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		events:        make(map[string]*paddlehook.EventRecord),
		customers:     make(map[string]*paddlehook.Customer),
		subscriptions: make(map[string]*paddlehook.Subscription),
		transactions:  make(map[string]*paddlehook.Transaction),
		adjustments:   make(map[string]*paddlehook.Adjustment),
	}
}

// AdmitEvent implements paddlehook.Ledger. The mutex makes the whole
// check-and-reserve a single atomic step, mirroring what the durable
// backends do with engine transactions.
func (s *Storage) AdmitEvent(ctx context.Context, req *paddlehook.AdmitRequest) (paddlehook.AdmitResult, error) {
	if req == nil || req.EventID == "" {
		return "", fmt.Errorf("invalid admit request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := req.Now.UnixMilli()
	rec, ok := s.events[req.EventID]
	if !ok {
		s.events[req.EventID] = &paddlehook.EventRecord{
			EventID:       req.EventID,
			EventType:     req.EventType,
			OccurredAt:    req.OccurredAt,
			Status:        paddlehook.StatusProcessing,
			LockTimestamp: nowMs,
		}
		return paddlehook.AdmitAcquired, nil
	}

	if rec.Status.Permanent() {
		return paddlehook.AdmitAlreadyDone, nil
	}

	if nowMs-rec.LockTimestamp <= req.LockTTL.Milliseconds() {
		// Another caller is working, or the sender retried early.
		return paddlehook.AdmitAlreadyDone, nil
	}

	// Stale lock: the previous holder crashed or stalled past the TTL.
	s.events[req.EventID] = &paddlehook.EventRecord{
		EventID:       req.EventID,
		EventType:     req.EventType,
		OccurredAt:    req.OccurredAt,
		Status:        paddlehook.StatusProcessing,
		LockTimestamp: nowMs,
	}
	return paddlehook.AdmitAcquiredStale, nil
}

// MarkEventProcessed implements paddlehook.Ledger.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, status paddlehook.EventStatus) error {
	if !status.Permanent() {
		return fmt.Errorf("status %q is not permanent", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventID]
	if !ok {
		s.events[eventID] = &paddlehook.EventRecord{
			EventID:       eventID,
			Status:        status,
			LockTimestamp: time.Now().UnixMilli(),
		}
		return nil
	}
	if rec.Status.Permanent() {
		return nil
	}
	rec.Status = status
	rec.LockTimestamp = time.Now().UnixMilli()
	return nil
}

// ReleaseEvent implements paddlehook.Ledger.
func (s *Storage) ReleaseEvent(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventID]
	if !ok || rec.Status.Permanent() {
		return nil
	}
	delete(s.events, eventID)
	return nil
}

// GetEventRecord implements paddlehook.Ledger.
func (s *Storage) GetEventRecord(ctx context.Context, eventID string) (*paddlehook.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventID]
	if !ok {
		return nil, paddlehook.ErrEventNotFound
	}
	recCopy := *rec
	return &recCopy, nil
}

// InsertCustomer implements paddlehook.EntityStore.
func (s *Storage) InsertCustomer(ctx context.Context, c *paddlehook.Customer) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid customer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[c.ID]; ok {
		return nil // first writer wins
	}
	cCopy := *c
	s.customers[c.ID] = &cCopy
	return nil
}

// UpsertCustomer implements paddlehook.EntityStore.
func (s *Storage) UpsertCustomer(ctx context.Context, c *paddlehook.Customer) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid customer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cCopy := *c
	s.customers[c.ID] = &cCopy
	return nil
}

// GetCustomer returns a customer or nil when absent.
func (s *Storage) GetCustomer(ctx context.Context, id string) (*paddlehook.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, nil
	}
	cCopy := *c
	return &cCopy, nil
}

// GetSubscription implements paddlehook.EntityStore.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*paddlehook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, nil
	}
	subCopy := *sub
	return &subCopy, nil
}

// InsertSubscription implements paddlehook.EntityStore.
func (s *Storage) InsertSubscription(ctx context.Context, sub *paddlehook.Subscription) (bool, error) {
	if sub == nil || sub.ID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.ID]; ok {
		return false, nil
	}
	subCopy := *sub
	s.subscriptions[sub.ID] = &subCopy
	return true, nil
}

// PatchSubscription implements paddlehook.EntityStore.
func (s *Storage) PatchSubscription(ctx context.Context, id string, patch *paddlehook.SubscriptionPatch) error {
	if patch == nil {
		return fmt.Errorf("invalid patch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil // tolerate "updated" before "created"
	}

	if patch.Status != nil {
		sub.Status = *patch.Status
	}
	if patch.PriceID != nil {
		sub.PriceID = *patch.PriceID
	}
	if patch.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = *patch.CurrentPeriodStart
	}
	if patch.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = *patch.CurrentPeriodEnd
	}
	if patch.CanceledAt != nil {
		sub.CanceledAt = *patch.CanceledAt
	}
	if patch.PausedAt != nil {
		sub.PausedAt = *patch.PausedAt
	}
	if patch.ClearScheduledChange {
		sub.ScheduledChange = nil
	} else if patch.ScheduledChange != nil {
		scCopy := *patch.ScheduledChange
		sub.ScheduledChange = &scCopy
	}
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

// UpsertTransaction implements paddlehook.EntityStore.
func (s *Storage) UpsertTransaction(ctx context.Context, txn *paddlehook.Transaction) error {
	if txn == nil || txn.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txnCopy := *txn
	if existing, ok := s.transactions[txn.ID]; ok {
		// Keep linkage already established on the existing row.
		if txnCopy.UserID == "" {
			txnCopy.UserID = existing.UserID
		}
		if txnCopy.OrgID == "" {
			txnCopy.OrgID = existing.OrgID
		}
	}
	s.transactions[txn.ID] = &txnCopy
	return nil
}

// GetTransaction returns a transaction or nil when absent.
func (s *Storage) GetTransaction(ctx context.Context, id string) (*paddlehook.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[id]
	if !ok {
		return nil, nil
	}
	txnCopy := *txn
	return &txnCopy, nil
}

// ListTransactionsMissingLinkage implements paddlehook.EntityStore.
func (s *Storage) ListTransactionsMissingLinkage(ctx context.Context, subscriptionID string, limit int) ([]*paddlehook.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []*paddlehook.Transaction
	for _, txn := range s.transactions {
		if txn.SubscriptionID == subscriptionID && txn.UserID == "" && txn.OrgID == "" {
			txnCopy := *txn
			matches = append(matches, &txnCopy)
		}
	}
	// Stable order so paging behaves deterministically.
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// SetTransactionLinkage implements paddlehook.EntityStore. Only
// missing fields are filled, so re-running a backfill page is safe.
func (s *Storage) SetTransactionLinkage(ctx context.Context, transactionID, userID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[transactionID]
	if !ok {
		return nil
	}
	if txn.UserID == "" {
		txn.UserID = userID
	}
	if txn.OrgID == "" {
		txn.OrgID = orgID
	}
	return nil
}

// UpsertAdjustment implements paddlehook.EntityStore.
func (s *Storage) UpsertAdjustment(ctx context.Context, adj *paddlehook.Adjustment) error {
	if adj == nil || adj.ID == "" {
		return fmt.Errorf("invalid adjustment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	adjCopy := *adj
	s.adjustments[adj.ID] = &adjCopy
	return nil
}

// GetAdjustment returns an adjustment or nil when absent.
func (s *Storage) GetAdjustment(ctx context.Context, id string) (*paddlehook.Adjustment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	adj, ok := s.adjustments[id]
	if !ok {
		return nil, nil
	}
	adjCopy := *adj
	return &adjCopy, nil
}

// Now implements paddlehook.TimeSource.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = make(map[string]*paddlehook.EventRecord)
	s.customers = make(map[string]*paddlehook.Customer)
	s.subscriptions = make(map[string]*paddlehook.Subscription)
	s.transactions = make(map[string]*paddlehook.Transaction)
	s.adjustments = make(map[string]*paddlehook.Adjustment)
}
