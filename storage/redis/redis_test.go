package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyweightdev/paddlehook/pkg/paddlehook"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(setupTestRedis(t), DefaultConfig())
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil client")
	}

	client := setupTestRedis(t)
	s, err := New(client, Config{})
	require.NoError(t, err)
	assert.Equal(t, "paddlehook:", s.config.KeyPrefix)
}

func admitReq(eventID string, now time.Time) *paddlehook.AdmitRequest {
	return &paddlehook.AdmitRequest{
		EventID:   eventID,
		EventType: paddlehook.EventTransactionCompleted,
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
	assert.Equal(t, paddlehook.EventTransactionCompleted, rec.EventType)
	assert.Equal(t, now.UnixMilli(), rec.LockTimestamp)

	// Fresh lock blocks a second admission.
	result, err = s.AdmitEvent(ctx, admitReq("evt_1", now.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, paddlehook.AdmitAlreadyDone, result)

	// Stale lock is taken over.
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

	// Already-permanent records are not downgraded.
	require.NoError(t, s.MarkEventProcessed(ctx, "evt_1", paddlehook.StatusProcessedPending))
	rec, err = s.GetEventRecord(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, paddlehook.StatusProcessed, rec.Status)

	// Permanent records survive admission attempts far in the future.
	result, err := s.AdmitEvent(ctx, admitReq("evt_1", time.Now().Add(48*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, paddlehook.AdmitAlreadyDone, result)

	// Rejects non-permanent status.
	assert.Error(t, s.MarkEventProcessed(ctx, "evt_1", paddlehook.StatusProcessing))

	// Upserts when the record is absent.
	require.NoError(t, s.MarkEventProcessed(ctx, "evt_absent", paddlehook.StatusProcessedPending))
	rec, err = s.GetEventRecord(ctx, "evt_absent")
	require.NoError(t, err)
	assert.Equal(t, paddlehook.StatusProcessedPending, rec.Status)
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

func TestProcessedTTLApplied(t *testing.T) {
	client := setupTestRedis(t)
	s, err := New(client, Config{ProcessedTTL: time.Hour})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.AdmitEvent(ctx, admitReq("evt_ttl", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.MarkEventProcessed(ctx, "evt_ttl", paddlehook.StatusProcessed))

	ttl, err := client.TTL(ctx, s.eventKey("evt_ttl")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
}

func TestKeyPrefixIsolation(t *testing.T) {
	client := setupTestRedis(t)
	a, err := New(client, Config{KeyPrefix: "tenant_a:"})
	require.NoError(t, err)
	b, err := New(client, Config{KeyPrefix: "tenant_b:"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.AdmitEvent(ctx, admitReq("evt_1", time.Now()))
	require.NoError(t, err)

	// The same event ID under another prefix is unrelated.
	result, err := b.AdmitEvent(ctx, admitReq("evt_1", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, paddlehook.AdmitAcquired, result)
}

func TestNowUsesEngineTime(t *testing.T) {
	s := setupTestStorage(t)

	engineNow, err := s.Now(context.Background())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), engineNow, 5*time.Second)
}
