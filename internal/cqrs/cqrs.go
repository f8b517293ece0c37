// Package cqrs implements the generic command-execution protocol every
// aggregate in the reconciliation engine is driven through: load the event
// history, fold it into current state, hand the command to the aggregate,
// append whatever events it produces, and best-effort publish them to any
// registered query projections.
//
// No off-the-shelf Go event-sourcing library covers this contract, so it is
// designed from scratch here: an Aggregate with Handle/Apply, run through a
// small framework that owns persistence and retry.
package cqrs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/payday/build/teslalog"
	"gitlab.com/arcanecrypto/payday/internal/coreerr"
	"gitlab.com/arcanecrypto/payday/internal/eventlog"
)

var log = teslalog.New("CQRS")

// UseLogger rebinds the package logger. Called once by build.init().
func UseLogger(logger *teslalog.Logger) {
	log = logger
}

// Aggregate is implemented by every concrete aggregate root. C and E are
// the aggregate's own command and event types. Handle is pure: given the
// aggregate's current folded state and a command, it returns the events
// that command produces, or an error if the command is invalid against the
// current state. Apply folds a single event into state and must never
// fail or reject an event it's given.
type Aggregate[C, E any] interface {
	AggregateType() string
	Handle(ctx context.Context, cmd C) ([]E, error)
	Apply(event E)
}

// EventCodec converts an aggregate's concrete event type to and from the
// self-describing envelope shape eventlog.Store persists.
type EventCodec[E any] interface {
	Encode(e E) (eventType, eventVersion string, payload []byte, err error)
	Decode(eventType, eventVersion string, payload []byte) (E, error)
}

// Publisher receives the events produced by a successful Execute call for
// best-effort delivery to query-side projections. A Publisher failure never
// fails the command: the events are already durably appended.
type Publisher[E any] interface {
	Publish(ctx context.Context, aggregateType, aggregateID string, events []E)
}

// MultiPublisher fans a single Publish call out to every publisher in the
// slice, in order. Used when more than one query-side projection needs to
// react to the same aggregate's events (e.g. a read-model index and a
// notification dispatcher both subscribing to LightningInvoice events).
type MultiPublisher[E any] []Publisher[E]

// Publish implements Publisher by delegating to each wrapped publisher.
func (m MultiPublisher[E]) Publish(ctx context.Context, aggregateType, aggregateID string, events []E) {
	for _, p := range m {
		p.Publish(ctx, aggregateType, aggregateID, events)
	}
}

// maxConflictRetries bounds how many times Execute reloads and retries a
// command after losing an optimistic-concurrency race with another writer.
const maxConflictRetries = 3

// Execute loads the aggregate identified by aggregateID, replays its event
// history through newAggregate(), hands cmd to Handle, and appends the
// resulting events. On an eventlog.ErrConcurrencyConflict it reloads and
// retries up to maxConflictRetries times, since the conflict means another
// command beat this one to the append and the aggregate's state the new
// command should be evaluated against has changed. publisher may be nil.
//
// Execute always replays from sequence 0; use ExecuteSnapshotting for
// aggregates whose history is long enough that a snapshot-then-replay-tail
// strategy is worth the extra write.
func Execute[A Aggregate[C, E], C, E any](
	ctx context.Context,
	store eventlog.Store,
	codec EventCodec[E],
	newAggregate func() A,
	aggregateID string,
	cmd C,
	publisher Publisher[E],
) ([]E, error) {
	return execute(ctx, store, codec, nil, 0, newAggregate, aggregateID, cmd, publisher)
}

// SnapshotCodec serializes an aggregate's full folded state to and from the
// generic payload eventlog.Store's snapshot table holds, so
// ExecuteSnapshotting can resume from a materialized state instead of
// always replaying the complete event history.
type SnapshotCodec[A any] interface {
	Encode(a A) ([]byte, error)
	Decode(payload []byte) (A, error)
}

// JSONSnapshotCodec is a ready-made SnapshotCodec for any aggregate whose
// exported fields alone capture its full folded state, which is true of
// every aggregate this engine defines (OnChainInvoice, LightningInvoice,
// Invoice).
type JSONSnapshotCodec[A any] struct{}

func (JSONSnapshotCodec[A]) Encode(a A) ([]byte, error) { return json.Marshal(a) }

func (JSONSnapshotCodec[A]) Decode(payload []byte) (A, error) {
	var a A
	if err := json.Unmarshal(payload, &a); err != nil {
		var zero A
		return zero, err
	}
	return a, nil
}

// ExecuteSnapshotting behaves exactly like Execute but loads from the
// latest saved snapshot (if any) and replays only the events after it,
// and saves a fresh snapshot every snapshotInterval events once a command
// succeeds.
func ExecuteSnapshotting[A Aggregate[C, E], C, E any](
	ctx context.Context,
	store eventlog.Store,
	codec EventCodec[E],
	snapCodec SnapshotCodec[A],
	snapshotInterval uint64,
	newAggregate func() A,
	aggregateID string,
	cmd C,
	publisher Publisher[E],
) ([]E, error) {
	return execute(ctx, store, codec, snapCodec, snapshotInterval, newAggregate, aggregateID, cmd, publisher)
}

func execute[A Aggregate[C, E], C, E any](
	ctx context.Context,
	store eventlog.Store,
	codec EventCodec[E],
	snapCodec SnapshotCodec[A],
	snapshotInterval uint64,
	newAggregate func() A,
	aggregateID string,
	cmd C,
	publisher Publisher[E],
) ([]E, error) {
	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		events, err := executeOnce(ctx, store, codec, snapCodec, snapshotInterval, newAggregate, aggregateID, cmd, publisher)
		if err == nil {
			return events, nil
		}
		var conflict eventlog.ErrConcurrencyConflict
		if !errors.As(err, &conflict) {
			return nil, err
		}
		lastErr = err
		log.WithField("aggregate_id", aggregateID).
			WithField("attempt", attempt).
			Debug("retrying command after concurrency conflict")
	}
	return nil, coreerr.Wrapf(lastErr, coreerr.Event, "exhausted retries for aggregate %s", aggregateID)
}

// loadAggregate folds aggregateID's current state: from the latest
// snapshot plus its replayed tail when snapCodec is non-nil, or from the
// full history otherwise. It returns the sequence the fold stopped at, so
// the caller can append new events with the right expectedSequence.
func loadAggregate[A Aggregate[C, E], C, E any](
	ctx context.Context,
	store eventlog.Store,
	codec EventCodec[E],
	snapCodec SnapshotCodec[A],
	newAggregate func() A,
	aggregateID string,
) (A, uint64, error) {
	agg := newAggregate()
	aggregateType := agg.AggregateType()
	var afterSequence uint64

	if snapCodec != nil {
		snap, found, err := store.LoadSnapshot(ctx, aggregateType, aggregateID)
		if err != nil {
			var zero A
			return zero, 0, coreerr.Wrap(err, coreerr.Db)
		}
		if found {
			restored, err := snapCodec.Decode(snap.Payload)
			if err != nil {
				var zero A
				return zero, 0, coreerr.Wrapf(err, coreerr.Event, "decoding snapshot for %s/%s", aggregateType, aggregateID)
			}
			agg = restored
			afterSequence = snap.Sequence
		}
	}

	history, err := store.Load(ctx, aggregateType, aggregateID, afterSequence)
	if err != nil {
		var zero A
		return zero, 0, coreerr.Wrap(err, coreerr.Db)
	}

	sequence := afterSequence
	for _, env := range history {
		event, err := codec.Decode(env.EventType, env.EventVersion, env.Payload)
		if err != nil {
			var zero A
			return zero, 0, coreerr.Wrapf(err, coreerr.Event, "decoding event %s/%d", aggregateID, env.Sequence)
		}
		agg.Apply(event)
		sequence = env.Sequence
	}

	return agg, sequence, nil
}

func executeOnce[A Aggregate[C, E], C, E any](
	ctx context.Context,
	store eventlog.Store,
	codec EventCodec[E],
	snapCodec SnapshotCodec[A],
	snapshotInterval uint64,
	newAggregate func() A,
	aggregateID string,
	cmd C,
	publisher Publisher[E],
) ([]E, error) {
	agg, sequence, err := loadAggregate(ctx, store, codec, snapCodec, newAggregate, aggregateID)
	if err != nil {
		return nil, err
	}
	aggregateType := agg.AggregateType()

	newEvents, err := agg.Handle(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if len(newEvents) == 0 {
		return nil, nil
	}

	envelopes := make([]eventlog.EventEnvelope, len(newEvents))
	now := time.Now().UTC()
	for i, event := range newEvents {
		eventType, eventVersion, payload, err := codec.Encode(event)
		if err != nil {
			return nil, coreerr.Wrapf(err, coreerr.Event, "encoding event for %s", aggregateID)
		}
		envelopes[i] = eventlog.EventEnvelope{
			AggregateType: aggregateType,
			AggregateID:   aggregateID,
			EventType:     eventType,
			EventVersion:  eventVersion,
			Payload:       payload,
			OccurredAt:    now,
		}
	}

	if err := store.Append(ctx, aggregateType, aggregateID, sequence, envelopes); err != nil {
		var conflict eventlog.ErrConcurrencyConflict
		if errors.As(err, &conflict) {
			return nil, err
		}
		return nil, coreerr.Wrap(err, coreerr.Db)
	}

	newSequence := sequence + uint64(len(newEvents))
	log.WithField("aggregate_id", aggregateID).
		WithField("aggregate_type", aggregateType).
		WithField("event_count", len(newEvents)).
		Debug("appended events")

	if snapCodec != nil && snapshotInterval > 0 {
		for _, event := range newEvents {
			agg.Apply(event)
		}
		if newSequence/snapshotInterval != sequence/snapshotInterval {
			saveSnapshot(ctx, store, snapCodec, aggregateType, aggregateID, agg, newSequence)
		}
	}

	if publisher != nil {
		publisher.Publish(ctx, aggregateType, aggregateID, newEvents)
	}

	return newEvents, nil
}

// saveSnapshot best-effort persists a fresh snapshot: a failure here never
// fails the command, since the event that already appended is the durable
// source of truth and the next load simply replays from the last good
// snapshot (or from scratch if none ever saved).
func saveSnapshot[A any](ctx context.Context, store eventlog.Store, snapCodec SnapshotCodec[A], aggregateType, aggregateID string, agg A, sequence uint64) {
	payload, err := snapCodec.Encode(agg)
	if err != nil {
		log.WithField("aggregate_id", aggregateID).WithError(err).Error("encoding snapshot")
		return
	}
	err = store.SaveSnapshot(ctx, eventlog.Snapshot{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Sequence:      sequence,
		Payload:       payload,
	})
	if err != nil {
		log.WithField("aggregate_id", aggregateID).WithError(err).Error("saving snapshot")
	}
}
