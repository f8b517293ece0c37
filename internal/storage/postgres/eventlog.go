// Package postgres provides the concrete Postgres-backed implementations
// of the storage-agnostic contracts internal/eventlog and
// internal/offsetstore define, following the same sqlx.Open/db.DB pattern
// teslacoil's db package uses for its own connection handling.
package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/payday/build/teslalog"
	"gitlab.com/arcanecrypto/payday/internal/eventlog"
)

var log = teslalog.New("PGST")

// UseLogger rebinds the package logger. Called once by build.init().
func UseLogger(logger *teslalog.Logger) {
	log = logger
}

// postgresUniqueViolation is the SQLSTATE Postgres reports for a unique
// index violation, e.g. on the events table's (aggregate_type,
// aggregate_id, sequence) primary key.
const postgresUniqueViolation = "23505"

// EventStore is the Postgres implementation of eventlog.Store. It persists
// events into the `events` table and snapshots into `snapshots`, per the
// logical schema the core event log requires.
type EventStore struct {
	db *sqlx.DB
}

// NewEventStore wraps an already-open connection pool.
func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{db: db}
}

var _ eventlog.Store = (*EventStore)(nil)

const selectEventsQuery = `
SELECT aggregate_type, aggregate_id, sequence, event_type, event_version, payload, occurred_at
FROM events
WHERE aggregate_type = $1 AND aggregate_id = $2 AND sequence > $3
ORDER BY sequence ASC`

// Load returns every event recorded for (aggregateType, aggregateID) with
// sequence strictly greater than afterSequence, in ascending order.
func (s *EventStore) Load(ctx context.Context, aggregateType, aggregateID string, afterSequence uint64) ([]eventlog.EventEnvelope, error) {
	rows, err := s.db.QueryxContext(ctx, selectEventsQuery, aggregateType, aggregateID, afterSequence)
	if err != nil {
		return nil, errors.Wrapf(err, "loading events for %s/%s", aggregateType, aggregateID)
	}
	defer rows.Close()

	var events []eventlog.EventEnvelope
	for rows.Next() {
		var env eventlog.EventEnvelope
		if err := rows.StructScan(&env); err != nil {
			return nil, errors.Wrap(err, "scanning event row")
		}
		events = append(events, env)
	}
	return events, rows.Err()
}

const insertEventQuery = `
INSERT INTO events (aggregate_type, aggregate_id, sequence, event_type, event_version, payload, occurred_at)
VALUES (:aggregate_type, :aggregate_id, :sequence, :event_type, :event_version, :payload, :occurred_at)`

// Append persists events for (aggregateType, aggregateID) inside a single
// transaction, assigning sequence numbers starting at expectedSequence+1.
// The transaction is what makes the optimistic-concurrency check atomic
// with the insert: a concurrent writer racing past expectedSequence will
// hit the unique index on (aggregate_type, aggregate_id, sequence) and the
// whole batch rolls back as eventlog.ErrConcurrencyConflict.
func (s *EventStore) Append(ctx context.Context, aggregateType, aggregateID string, expectedSequence uint64, events []eventlog.EventEnvelope) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning append transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq uint64
	err = tx.GetContext(ctx, &maxSeq,
		`SELECT sequence FROM events WHERE aggregate_type = $1 AND aggregate_id = $2 ORDER BY sequence DESC LIMIT 1 FOR UPDATE`,
		aggregateType, aggregateID,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "locking aggregate sequence")
	}
	if maxSeq != expectedSequence {
		return eventlog.ErrConcurrencyConflict{AggregateType: aggregateType, AggregateID: aggregateID, Expected: expectedSequence}
	}

	for i := range events {
		events[i].AggregateType = aggregateType
		events[i].AggregateID = aggregateID
		events[i].Sequence = expectedSequence + uint64(i) + 1
		if _, err := tx.NamedExecContext(ctx, insertEventQuery, events[i]); err != nil {
			if isUniqueViolation(err) {
				return eventlog.ErrConcurrencyConflict{AggregateType: aggregateType, AggregateID: aggregateID, Expected: expectedSequence}
			}
			return errors.Wrapf(err, "inserting event %d for %s/%s", events[i].Sequence, aggregateType, aggregateID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing append transaction")
	}

	log.WithField("aggregate_type", aggregateType).
		WithField("aggregate_id", aggregateID).
		WithField("count", len(events)).
		Debug("appended events")
	return nil
}

const upsertSnapshotQuery = `
INSERT INTO snapshots (aggregate_type, aggregate_id, sequence, payload, occurred_at)
VALUES (:aggregate_type, :aggregate_id, :sequence, :payload, now())
ON CONFLICT (aggregate_type, aggregate_id) DO UPDATE
SET sequence = excluded.sequence, payload = excluded.payload, occurred_at = excluded.occurred_at`

// SaveSnapshot stores or replaces the snapshot for an aggregate.
func (s *EventStore) SaveSnapshot(ctx context.Context, snap eventlog.Snapshot) error {
	if _, err := s.db.NamedExecContext(ctx, upsertSnapshotQuery, snap); err != nil {
		return errors.Wrapf(err, "saving snapshot for %s/%s", snap.AggregateType, snap.AggregateID)
	}
	return nil
}

const selectSnapshotQuery = `
SELECT aggregate_type, aggregate_id, sequence, payload
FROM snapshots
WHERE aggregate_type = $1 AND aggregate_id = $2`

// LoadSnapshot returns the most recently saved snapshot, if any.
func (s *EventStore) LoadSnapshot(ctx context.Context, aggregateType, aggregateID string) (eventlog.Snapshot, bool, error) {
	var snap eventlog.Snapshot
	err := s.db.GetContext(ctx, &snap, selectSnapshotQuery, aggregateType, aggregateID)
	if errors.Is(err, sql.ErrNoRows) {
		return eventlog.Snapshot{}, false, nil
	}
	if err != nil {
		return eventlog.Snapshot{}, false, errors.Wrapf(err, "loading snapshot for %s/%s", aggregateType, aggregateID)
	}
	return snap, true, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == postgresUniqueViolation
	}
	return false
}
