// Package eventlog defines the append-only event store every aggregate is
// persisted through. It is intentionally storage-agnostic: the concrete
// Postgres implementation lives in internal/storage/postgres.
package eventlog

import (
	"context"
	"encoding/json"
	"time"
)

// EventEnvelope is the self-describing, storage-agnostic wire shape of a
// single persisted domain event. EventType and EventVersion let consumers
// (replay tooling, other services) decode Payload without coupling to the
// Go type that produced it.
type EventEnvelope struct {
	AggregateType string          `db:"aggregate_type" json:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id" json:"aggregate_id"`
	Sequence      uint64          `db:"sequence" json:"sequence"`
	EventType     string          `db:"event_type" json:"event_type"`
	EventVersion  string          `db:"event_version" json:"event_version"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	OccurredAt    time.Time       `db:"occurred_at" json:"occurred_at"`
}

// Snapshot is an optional point-in-time serialization of an aggregate's
// folded state, keyed like EventEnvelope. Store implementations may use it
// to avoid replaying the full event history on every load; cqrs.Execute
// does not require it to be present.
type Snapshot struct {
	AggregateType string          `db:"aggregate_type" json:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id" json:"aggregate_id"`
	Sequence      uint64          `db:"sequence" json:"sequence"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
}

// Store is the append-only persistence contract every aggregate type is
// loaded from and appended to. Append must enforce optimistic concurrency:
// it fails if expectedSequence no longer matches the highest sequence
// already stored for (aggregateType, aggregateID).
type Store interface {
	// Load returns every event recorded for (aggregateType, aggregateID),
	// in ascending sequence order, starting strictly after afterSequence.
	// An unknown aggregate returns an empty slice, not an error.
	Load(ctx context.Context, aggregateType, aggregateID string, afterSequence uint64) ([]EventEnvelope, error)

	// Append persists events for (aggregateType, aggregateID), assigning
	// sequence numbers starting at expectedSequence+1. It must fail with
	// ErrConcurrencyConflict if another writer has already appended past
	// expectedSequence.
	Append(ctx context.Context, aggregateType, aggregateID string, expectedSequence uint64, events []EventEnvelope) error

	// SaveSnapshot stores (or replaces) the snapshot for an aggregate.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot returns the most recently saved snapshot, if any.
	// found is false if no snapshot has ever been saved.
	LoadSnapshot(ctx context.Context, aggregateType, aggregateID string) (snap Snapshot, found bool, err error)
}

// ErrConcurrencyConflict is returned by Store.Append when the caller's
// expectedSequence no longer reflects the true tail of the stream.
type ErrConcurrencyConflict struct {
	AggregateType string
	AggregateID   string
	Expected      uint64
}

func (e ErrConcurrencyConflict) Error() string {
	return "eventlog: concurrency conflict on " + e.AggregateType + "/" + e.AggregateID
}
