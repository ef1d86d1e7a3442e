package paddlehook

import (
	"context"
	"time"
)

// EventStatus is the lifecycle state of an event ledger record.
type EventStatus string

const (
	// StatusProcessing marks a provisional lock held by an in-flight
	// admission. It may be released, promoted, or taken over once stale.
	StatusProcessing EventStatus = "processing"

	// StatusProcessed marks a permanently recorded event.
	StatusProcessed EventStatus = "processed"

	// StatusProcessedPending is functionally identical to
	// StatusProcessed; it is written when the primary promotion write
	// failed and exists only for operational visibility and repair
	// tooling.
	StatusProcessedPending EventStatus = "processed_pending"
)

// Permanent reports whether the status will never transition again.
func (s EventStatus) Permanent() bool {
	return s == StatusProcessed || s == StatusProcessedPending
}

// DefaultLockTTL bounds how long a crashed worker's processing lock
// blocks retries. It must exceed worst-case dispatch latency.
const DefaultLockTTL = 10 * time.Minute

// EventRecord is one row of the event ledger, keyed by EventID.
// Absence of a record is equivalent to "never seen".
type EventRecord struct {
	EventID   string
	EventType EventType

	// OccurredAt is the sender-reported event time, informational only.
	OccurredAt string

	Status EventStatus

	// LockTimestamp is the epoch-millisecond time of the most recent
	// write to this record; staleness is computed from it only while
	// Status is StatusProcessing.
	LockTimestamp int64
}

// AdmitResult is the outcome of an admission attempt.
type AdmitResult string

const (
	// AdmitAcquired means the caller holds the processing lock and must
	// apply effects exactly once, then finalize.
	AdmitAcquired AdmitResult = "acquired"

	// AdmitAcquiredStale means the lock was acquired by taking over a
	// stale processing record left by a crashed or slow worker. It is
	// AdmitAcquired for control-flow purposes, distinguished for
	// operational visibility.
	AdmitAcquiredStale AdmitResult = "acquired_stale"

	// AdmitAlreadyDone means the event is permanently recorded or
	// another caller holds a fresh lock; the caller must not apply
	// effects.
	AdmitAlreadyDone AdmitResult = "already_done"
)

// Acquired reports whether the caller holds the processing lock.
func (r AdmitResult) Acquired() bool {
	return r == AdmitAcquired || r == AdmitAcquiredStale
}

// AdmitRequest carries an admission attempt into the ledger.
type AdmitRequest struct {
	EventID    string
	EventType  EventType
	OccurredAt string

	// Now is the admission time; backends use it for LockTimestamp and
	// staleness checks so tests can control the clock.
	Now time.Time

	// LockTTL is the lock lifetime; locks older than this are stale
	// and may be taken over.
	LockTTL time.Duration
}

// Ledger is the durable deduplication store. Implementations must
// serialize concurrent admissions for the same EventID through the
// storage engine's own atomic conditional write (transaction, script,
// or mutex), never through an application-level read-then-write.
type Ledger interface {
	// AdmitEvent atomically decides whether EventID is new, done, or in
	// flight. Absent record: insert processing lock, return
	// AdmitAcquired. Permanent record: return AdmitAlreadyDone, no
	// mutation. Fresh processing lock: return AdmitAlreadyDone. Stale
	// processing lock: replace it and return AdmitAcquired.
	AdmitEvent(ctx context.Context, req *AdmitRequest) (AdmitResult, error)

	// MarkEventProcessed promotes EventID to the given permanent
	// status. Records that are already permanent are left untouched;
	// an absent record is created permanent, since recording
	// permanence is always safe while losing it risks replay.
	// status must be StatusProcessed or StatusProcessedPending.
	MarkEventProcessed(ctx context.Context, eventID string, status EventStatus) error

	// ReleaseEvent deletes the processing lock for EventID so a retry
	// can re-admit it. Permanent records are never deleted; releasing
	// an absent or permanent record is a no-op.
	ReleaseEvent(ctx context.Context, eventID string) error

	// GetEventRecord returns the ledger record for EventID, or
	// ErrEventNotFound when absent.
	GetEventRecord(ctx context.Context, eventID string) (*EventRecord, error)
}
