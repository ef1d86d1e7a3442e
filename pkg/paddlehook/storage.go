package paddlehook

import (
	"context"
	"time"
)

// EntityStore persists the entity projections mutated by event
// effects. Every operation is a single atomic idempotent upsert or
// patch, safe to apply more than once with the same input; the ledger
// exists so they are attempted once per logical event regardless.
type EntityStore interface {
	// InsertCustomer stores a customer if absent. An existing row is
	// left untouched (first writer wins for create/import events).
	InsertCustomer(ctx context.Context, c *Customer) error

	// UpsertCustomer patches an existing customer or inserts it when
	// absent (self-healing for out-of-order delivery).
	UpsertCustomer(ctx context.Context, c *Customer) error

	// GetSubscription returns the subscription or (nil, nil) when absent.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// InsertSubscription stores a subscription if absent and reports
	// whether it inserted; false means a row already existed.
	InsertSubscription(ctx context.Context, sub *Subscription) (bool, error)

	// PatchSubscription applies a partial update to an existing
	// subscription. A missing row is a no-op, tolerating "updated"
	// delivered before "created".
	PatchSubscription(ctx context.Context, id string, patch *SubscriptionPatch) error

	// UpsertTransaction inserts a transaction if absent or patches the
	// existing row.
	UpsertTransaction(ctx context.Context, txn *Transaction) error

	// ListTransactionsMissingLinkage returns up to limit transactions
	// for the subscription that have no linkage identifiers yet, for
	// the bounded backfill after a subscription insert.
	ListTransactionsMissingLinkage(ctx context.Context, subscriptionID string, limit int) ([]*Transaction, error)

	// SetTransactionLinkage fills the linkage identifiers on a
	// transaction. Only missing fields are filled, so re-running a
	// backfill page is safe.
	SetTransactionLinkage(ctx context.Context, transactionID, userID, orgID string) error

	// UpsertAdjustment inserts an adjustment if absent or patches the
	// existing row.
	UpsertAdjustment(ctx context.Context, adj *Adjustment) error
}

// TimeSource defines an interface for getting time from the storage
// engine. Using storage engine time for lock timestamps keeps
// staleness decisions consistent across application servers with
// skewed clocks. Backends implement it where the engine supports a
// time query.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}
