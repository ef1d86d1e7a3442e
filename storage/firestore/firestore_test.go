package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyweightdev/paddlehook/pkg/paddlehook"
)

// setupTestStorage connects to the Firestore emulator. Tests are
// skipped unless FIRESTORE_EMULATOR_HOST is set.
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if projectID == "" {
		projectID = "paddlehook-test"
	}

	ctx := context.Background()
	client, err := gfirestore.NewClient(ctx, projectID)
	if err != nil {
		t.Skipf("Firestore emulator not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// Unique collection set per test run keeps runs independent.
	suffix := fmt.Sprintf("_%d", time.Now().UnixNano())
	s, err := New(client, Config{
		EventsCollection:        "test_events" + suffix,
		CustomersCollection:     "test_customers" + suffix,
		SubscriptionsCollection: "test_subscriptions" + suffix,
		TransactionsCollection:  "test_transactions" + suffix,
		AdjustmentsCollection:   "test_adjustments" + suffix,
	})
	require.NoError(t, err)
	return s
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func admitReq(eventID string, now time.Time) *paddlehook.AdmitRequest {
	return &paddlehook.AdmitRequest{
		EventID:   eventID,
		EventType: paddlehook.EventAdjustmentCreated,
		Now:       now,
		LockTTL:   paddlehook.DefaultLockTTL,
	}
}

func TestAdmitEvent_Lifecycle(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	result, err := s.AdmitEvent(ctx, admitReq("evt_1", now))
	require.NoError(t, err)
	assert.Equal(t, paddlehook.AdmitAcquired, result)

	rec, err := s.GetEventRecord(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, paddlehook.StatusProcessing, rec.Status)
	assert.Equal(t, paddlehook.EventAdjustmentCreated, rec.EventType)

	result, err = s.AdmitEvent(ctx, admitReq("evt_1", now.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, paddlehook.AdmitAlreadyDone, result)

	result, err = s.AdmitEvent(ctx, admitReq("evt_1", now.Add(paddlehook.DefaultLockTTL+time.Second)))
	require.NoError(t, err)
	assert.Equal(t, paddlehook.AdmitAcquiredStale, result)
}

func TestMarkEventProcessed_Promotion(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	_, err := s.AdmitEvent(ctx, admitReq("evt_1", time.Now()))
	require.NoError(t, err)

	require.NoError(t, s.MarkEventProcessed(ctx, "evt_1", paddlehook.StatusProcessed))
	rec, err := s.GetEventRecord(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, paddlehook.StatusProcessed, rec.Status)

	require.NoError(t, s.MarkEventProcessed(ctx, "evt_1", paddlehook.StatusProcessedPending))
	rec, err = s.GetEventRecord(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, paddlehook.StatusProcessed, rec.Status)

	require.NoError(t, s.MarkEventProcessed(ctx, "evt_absent", paddlehook.StatusProcessedPending))
	rec, err = s.GetEventRecord(ctx, "evt_absent")
	require.NoError(t, err)
	assert.Equal(t, paddlehook.StatusProcessedPending, rec.Status)

	assert.Error(t, s.MarkEventProcessed(ctx, "evt_1", paddlehook.StatusProcessing))
}

func TestReleaseEvent_OnlyDeletesProcessing(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.ReleaseEvent(ctx, "evt_none"))

	_, err := s.AdmitEvent(ctx, admitReq("evt_rel", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.ReleaseEvent(ctx, "evt_rel"))
	_, err = s.GetEventRecord(ctx, "evt_rel")
	assert.ErrorIs(t, err, paddlehook.ErrEventNotFound)

	_, err = s.AdmitEvent(ctx, admitReq("evt_perm", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.MarkEventProcessed(ctx, "evt_perm", paddlehook.StatusProcessed))
	require.NoError(t, s.ReleaseEvent(ctx, "evt_perm"))
	rec, err := s.GetEventRecord(ctx, "evt_perm")
	require.NoError(t, err)
	assert.Equal(t, paddlehook.StatusProcessed, rec.Status)
}

func TestCustomerInsertAndUpsert(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCustomer(ctx, &paddlehook.Customer{ID: "ctm_1", Email: "a@b.c", UserID: "u1"}))
	require.NoError(t, s.InsertCustomer(ctx, &paddlehook.Customer{ID: "ctm_1", Email: "x@y.z"}))

	snap, err := s.client.Collection(s.customersCollection).Doc("ctm_1").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", getString(snap.Data(), "email"))

	require.NoError(t, s.UpsertCustomer(ctx, &paddlehook.Customer{ID: "ctm_1", Email: "x@y.z"}))
	snap, err = s.client.Collection(s.customersCollection).Doc("ctm_1").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x@y.z", getString(snap.Data(), "email"))
}

func TestSubscriptionInsertPatchAndGet(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	inserted, err := s.InsertSubscription(ctx, &paddlehook.Subscription{
		ID: "sub_1", Status: "active", PriceID: "pri_a", UserID: "u1",
		ScheduledChange: &paddlehook.ScheduledChange{Action: "pause", EffectiveAt: "2024-06-01T00:00:00Z"},
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertSubscription(ctx, &paddlehook.Subscription{ID: "sub_1", Status: "trialing"})
	require.NoError(t, err)
	assert.False(t, inserted)

	sub, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "active", sub.Status)
	require.NotNil(t, sub.ScheduledChange)

	status := "canceled"
	require.NoError(t, s.PatchSubscription(ctx, "sub_1", &paddlehook.SubscriptionPatch{
		Status:               &status,
		ClearScheduledChange: true,
	}))
	sub, err = s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "canceled", sub.Status)
	assert.Nil(t, sub.ScheduledChange)
	assert.Equal(t, "pri_a", sub.PriceID)

	// Missing subscription is a no-op.
	require.NoError(t, s.PatchSubscription(ctx, "sub_nope", &paddlehook.SubscriptionPatch{Status: &status}))
	sub, err = s.GetSubscription(ctx, "sub_nope")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestTransactionLinkageLifecycle(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertTransaction(ctx, &paddlehook.Transaction{
			ID: fmt.Sprintf("txn_%d", i), SubscriptionID: "sub_1", Status: "billed",
		}))
	}

	missing, err := s.ListTransactionsMissingLinkage(ctx, "sub_1", 10)
	require.NoError(t, err)
	assert.Len(t, missing, 3)

	for _, txn := range missing {
		require.NoError(t, s.SetTransactionLinkage(ctx, txn.ID, "u1", "o1"))
	}
	missing, err = s.ListTransactionsMissingLinkage(ctx, "sub_1", 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	// Linkage survives an update without custom_data.
	require.NoError(t, s.UpsertTransaction(ctx, &paddlehook.Transaction{
		ID: "txn_0", SubscriptionID: "sub_1", Status: "completed",
	}))
	snap, err := s.client.Collection(s.transactionsCollection).Doc("txn_0").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", getString(snap.Data(), "userId"))
	assert.Equal(t, "completed", getString(snap.Data(), "status"))
}
