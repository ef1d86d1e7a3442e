// Package redis provides a Redis implementation of the paddlehook
// event ledger. Admission, promotion, and release each run as a Lua
// script, which Redis executes atomically, so concurrent deliveries
// of the same event are serialized by the engine itself.
//
// This backend implements the ledger only; pair it with another
// adapter (e.g. storage/postgres or storage/memory) for the entity
// projections.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flyweightdev/paddlehook/pkg/paddlehook"
)

// Storage implements paddlehook.Ledger using Redis.
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis ledger configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "paddlehook:")
	KeyPrefix string

	// ProcessedTTL is the TTL applied to permanent event records.
	// Zero means no expiration. Expiring a permanent record re-opens
	// the event to replay, so only set this above the sender's maximum
	// redelivery horizon.
	ProcessedTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "paddlehook:",
		ProcessedTTL: 0, // permanent records do not expire
	}
}

// New creates a new Redis ledger adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "paddlehook:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic ledger operations.
func (s *Storage) loadScripts() {
	// Check-and-reserve: the whole admission decision in one atomic step.
	s.scripts["admit"] = redis.NewScript(`
		local key = KEYS[1]
		local nowMs = tonumber(ARGV[1])
		local ttlMs = tonumber(ARGV[2])
		local eventType = ARGV[3]
		local occurredAt = ARGV[4]

		local status = redis.call('HGET', key, 'status')
		if not status then
			redis.call('HSET', key,
				'status', 'processing',
				'event_type', eventType,
				'occurred_at', occurredAt,
				'lock_timestamp', nowMs)
			return 'acquired'
		end

		if status == 'processed' or status == 'processed_pending' then
			return 'already_done'
		end

		local lockTs = tonumber(redis.call('HGET', key, 'lock_timestamp') or '0')
		if nowMs - lockTs <= ttlMs then
			return 'already_done'
		end

		-- Stale lock: replace it.
		redis.call('DEL', key)
		redis.call('HSET', key,
			'status', 'processing',
			'event_type', eventType,
			'occurred_at', occurredAt,
			'lock_timestamp', nowMs)
		return 'acquired_stale'
	`)

	// Promote to a permanent status. Already-permanent records are
	// left untouched; absent records are created permanent.
	s.scripts["promote"] = redis.NewScript(`
		local key = KEYS[1]
		local newStatus = ARGV[1]
		local nowMs = tonumber(ARGV[2])
		local ttlSec = tonumber(ARGV[3])

		local status = redis.call('HGET', key, 'status')
		if status == 'processed' or status == 'processed_pending' then
			return 'ok'
		end

		redis.call('HSET', key, 'status', newStatus, 'lock_timestamp', nowMs)
		if ttlSec > 0 then
			redis.call('EXPIRE', key, ttlSec)
		end
		return 'ok'
	`)

	// Release a processing lock. Permanent records are never deleted.
	s.scripts["release"] = redis.NewScript(`
		local key = KEYS[1]

		local status = redis.call('HGET', key, 'status')
		if status == 'processing' then
			redis.call('DEL', key)
		end
		return 'ok'
	`)
}

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

// AdmitEvent implements paddlehook.Ledger.
func (s *Storage) AdmitEvent(ctx context.Context, req *paddlehook.AdmitRequest) (paddlehook.AdmitResult, error) {
	if req == nil || req.EventID == "" {
		return "", fmt.Errorf("invalid admit request")
	}

	result, err := s.scripts["admit"].Run(ctx, s.client,
		[]string{s.eventKey(req.EventID)},
		req.Now.UnixMilli(),
		req.LockTTL.Milliseconds(),
		string(req.EventType),
		req.OccurredAt,
	).Text()
	if err != nil {
		return "", fmt.Errorf("%w: admit script failed: %w", paddlehook.ErrLedgerUnavailable, err)
	}

	switch result {
	case "acquired":
		return paddlehook.AdmitAcquired, nil
	case "acquired_stale":
		return paddlehook.AdmitAcquiredStale, nil
	case "already_done":
		return paddlehook.AdmitAlreadyDone, nil
	default:
		return "", fmt.Errorf("unexpected admit result %q", result)
	}
}

// MarkEventProcessed implements paddlehook.Ledger.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, status paddlehook.EventStatus) error {
	if !status.Permanent() {
		return fmt.Errorf("status %q is not permanent", status)
	}

	err := s.scripts["promote"].Run(ctx, s.client,
		[]string{s.eventKey(eventID)},
		string(status),
		time.Now().UnixMilli(),
		int64(s.config.ProcessedTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: promote script failed: %w", paddlehook.ErrLedgerUnavailable, err)
	}
	return nil
}

// ReleaseEvent implements paddlehook.Ledger.
func (s *Storage) ReleaseEvent(ctx context.Context, eventID string) error {
	err := s.scripts["release"].Run(ctx, s.client, []string{s.eventKey(eventID)}).Err()
	if err != nil {
		return fmt.Errorf("%w: release script failed: %w", paddlehook.ErrLedgerUnavailable, err)
	}
	return nil
}

// GetEventRecord implements paddlehook.Ledger.
func (s *Storage) GetEventRecord(ctx context.Context, eventID string) (*paddlehook.EventRecord, error) {
	values, err := s.client.HGetAll(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get event record: %w", paddlehook.ErrLedgerUnavailable, err)
	}
	if len(values) == 0 {
		return nil, paddlehook.ErrEventNotFound
	}

	rec := &paddlehook.EventRecord{
		EventID:    eventID,
		EventType:  paddlehook.EventType(values["event_type"]),
		OccurredAt: values["occurred_at"],
		Status:     paddlehook.EventStatus(values["status"]),
	}
	if ts, ok := values["lock_timestamp"]; ok {
		rec.LockTimestamp, _ = strconv.ParseInt(ts, 10, 64)
	}
	return rec, nil
}

// Now implements paddlehook.TimeSource using the Redis TIME command,
// so staleness decisions use engine time rather than skewed
// application-server clocks.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get redis time: %w", err)
	}
	return t.UTC(), nil
}
