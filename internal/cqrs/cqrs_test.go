package cqrs_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/payday/internal/cqrs"
	"gitlab.com/arcanecrypto/payday/internal/eventlog"
)

// counterAggregate is a minimal Aggregate used only to exercise the
// generic Execute protocol: Increment adds 1 to Value unless already
// flagged stopped, mirroring the absorbing-state idempotence real
// aggregates in this engine rely on.
type counterAggregate struct {
	Value   int
	Stopped bool
}

type counterEvent struct {
	Incremented bool
	Stopped     bool
}

func (c *counterAggregate) AggregateType() string { return "Counter" }

func (c *counterAggregate) Handle(_ context.Context, cmd string) ([]counterEvent, error) {
	switch cmd {
	case "increment":
		if c.Stopped {
			return nil, nil
		}
		return []counterEvent{{Incremented: true}}, nil
	case "stop":
		if c.Stopped {
			return nil, nil
		}
		return []counterEvent{{Stopped: true}}, nil
	default:
		return nil, assert.AnError
	}
}

func (c *counterAggregate) Apply(event counterEvent) {
	if event.Incremented {
		c.Value++
	}
	if event.Stopped {
		c.Stopped = true
	}
}

type counterCodec struct{}

func (counterCodec) Encode(e counterEvent) (string, string, []byte, error) {
	payload, err := json.Marshal(e)
	return "CounterEvent", "1.0.0", payload, err
}

func (counterCodec) Decode(_, _ string, payload []byte) (counterEvent, error) {
	var e counterEvent
	err := json.Unmarshal(payload, &e)
	return e, err
}

// memStore is a minimal in-memory eventlog.Store fake, used only to drive
// cqrs.Execute in tests without a real Postgres instance. tails records the
// highest sequence ever appended per aggregate, independently of the events
// slice, so a test can drop stored events without rewinding the log.
type memStore struct {
	mu        sync.Mutex
	events    map[string][]eventlog.EventEnvelope
	tails     map[string]uint64
	snapshots map[string]eventlog.Snapshot
}

func newMemStore() *memStore {
	return &memStore{
		events:    map[string][]eventlog.EventEnvelope{},
		tails:     map[string]uint64{},
		snapshots: map[string]eventlog.Snapshot{},
	}
}

func (s *memStore) Load(_ context.Context, aggregateType, aggregateID string, afterSequence uint64) ([]eventlog.EventEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventlog.EventEnvelope
	for _, e := range s.events[aggregateType+"/"+aggregateID] {
		if e.Sequence > afterSequence {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) Append(_ context.Context, aggregateType, aggregateID string, expectedSequence uint64, events []eventlog.EventEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := aggregateType + "/" + aggregateID
	existing := s.events[key]
	if s.tails[key] != expectedSequence {
		return eventlog.ErrConcurrencyConflict{AggregateType: aggregateType, AggregateID: aggregateID, Expected: expectedSequence}
	}
	for i := range events {
		events[i].Sequence = expectedSequence + uint64(i) + 1
		existing = append(existing, events[i])
	}
	s.events[key] = existing
	s.tails[key] = expectedSequence + uint64(len(events))
	return nil
}

func (s *memStore) SaveSnapshot(_ context.Context, snap eventlog.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.AggregateType+"/"+snap.AggregateID] = snap
	return nil
}

func (s *memStore) LoadSnapshot(_ context.Context, aggregateType, aggregateID string) (eventlog.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[aggregateType+"/"+aggregateID]
	return snap, ok, nil
}

func newCounter() *counterAggregate { return &counterAggregate{} }

func TestExecute_AppendsEventsAndFoldsState(t *testing.T) {
	store := newMemStore()
	events, err := cqrs.Execute[*counterAggregate, string, counterEvent](context.Background(), store, counterCodec{}, newCounter, "c1", "increment", nil)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	history, err := store.Load(context.Background(), "Counter", "c1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, uint64(1), history[0].Sequence)
}

func TestExecute_NoEventsProducesNoAppend(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	_, err := cqrs.Execute[*counterAggregate, string, counterEvent](ctx, store, counterCodec{}, newCounter, "c1", "stop", nil)
	require.NoError(t, err)

	events, err := cqrs.Execute[*counterAggregate, string, counterEvent](ctx, store, counterCodec{}, newCounter, "c1", "stop", nil)
	require.NoError(t, err)
	assert.Empty(t, events, "stop is a no-op once already stopped")

	history, err := store.Load(ctx, "Counter", "c1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1, "the no-op retry must not append anything")
}

func TestExecute_AbsorbingStateBlocksFurtherIncrements(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	_, err := cqrs.Execute[*counterAggregate, string, counterEvent](ctx, store, counterCodec{}, newCounter, "c1", "increment", nil)
	require.NoError(t, err)
	_, err = cqrs.Execute[*counterAggregate, string, counterEvent](ctx, store, counterCodec{}, newCounter, "c1", "stop", nil)
	require.NoError(t, err)

	events, err := cqrs.Execute[*counterAggregate, string, counterEvent](ctx, store, counterCodec{}, newCounter, "c1", "increment", nil)
	require.NoError(t, err)
	assert.Empty(t, events, "increment after stop must be absorbed")
}

func TestExecute_HandleErrorPropagates(t *testing.T) {
	store := newMemStore()
	_, err := cqrs.Execute[*counterAggregate, string, counterEvent](context.Background(), store, counterCodec{}, newCounter, "c1", "unknown-command", nil)
	require.Error(t, err)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []counterEvent
}

func (p *recordingPublisher) Publish(_ context.Context, _, _ string, events []counterEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func TestExecute_PublishesOnSuccess(t *testing.T) {
	store := newMemStore()
	publisher := &recordingPublisher{}

	_, err := cqrs.Execute[*counterAggregate, string, counterEvent](context.Background(), store, counterCodec{}, newCounter, "c1", "increment", publisher)
	require.NoError(t, err)

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	assert.Len(t, publisher.events, 1)
}

func TestExecuteSnapshotting_SavesSnapshotOnceIntervalReached(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	codec := cqrs.JSONSnapshotCodec[*counterAggregate]{}

	for i := 0; i < 3; i++ {
		_, err := cqrs.ExecuteSnapshotting[*counterAggregate, string, counterEvent](
			ctx, store, counterCodec{}, codec, 3, newCounter, "c1", "increment", nil,
		)
		require.NoError(t, err)
	}

	snap, found, err := store.LoadSnapshot(ctx, "Counter", "c1")
	require.NoError(t, err)
	require.True(t, found, "snapshot must be saved once the interval boundary is crossed")
	assert.Equal(t, uint64(3), snap.Sequence)

	var restored counterAggregate
	require.NoError(t, json.Unmarshal(snap.Payload, &restored))
	assert.Equal(t, 3, restored.Value)
}

func TestExecuteSnapshotting_ResumesFromSnapshotWithoutReplayingEarlierEvents(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	codec := cqrs.JSONSnapshotCodec[*counterAggregate]{}

	for i := 0; i < 3; i++ {
		_, err := cqrs.ExecuteSnapshotting[*counterAggregate, string, counterEvent](
			ctx, store, counterCodec{}, codec, 3, newCounter, "c1", "increment", nil,
		)
		require.NoError(t, err)
	}

	_, found, err := store.LoadSnapshot(ctx, "Counter", "c1")
	require.NoError(t, err)
	require.True(t, found)

	// Drop every stored event up to and including the snapshot point to
	// prove a later load resumes from the snapshot rather than refolding it.
	store.mu.Lock()
	store.events["Counter/c1"] = store.events["Counter/c1"][:0]
	store.mu.Unlock()

	events, err := cqrs.ExecuteSnapshotting[*counterAggregate, string, counterEvent](
		ctx, store, counterCodec{}, codec, 3, newCounter, "c1", "increment", nil,
	)
	require.NoError(t, err)
	require.Len(t, events, 1)

	store.mu.Lock()
	history := store.events["Counter/c1"]
	store.mu.Unlock()
	require.Len(t, history, 1)
	assert.Equal(t, uint64(4), history[0].Sequence,
		"the new event's sequence must continue from the snapshot's sequence 3, proving the snapshot (not an empty replay) was used")
}

func TestExecuteSnapshotting_FallsBackToFullReplayWithoutSnapshot(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	codec := cqrs.JSONSnapshotCodec[*counterAggregate]{}

	_, err := cqrs.Execute[*counterAggregate, string, counterEvent](ctx, store, counterCodec{}, newCounter, "c1", "increment", nil)
	require.NoError(t, err)

	events, err := cqrs.ExecuteSnapshotting[*counterAggregate, string, counterEvent](
		ctx, store, counterCodec{}, codec, 100, newCounter, "c1", "increment", nil,
	)
	require.NoError(t, err)
	assert.Len(t, events, 1, "no snapshot yet saved, so history must still replay from scratch")
}
