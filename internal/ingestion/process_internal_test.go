package ingestion

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/payday/internal/aggregate/onchaininvoice"
	"gitlab.com/arcanecrypto/payday/internal/eventlog"
	"gitlab.com/arcanecrypto/payday/internal/nodestream"
	"gitlab.com/arcanecrypto/payday/internal/offsetstore"
)

type memStore struct {
	mu     sync.Mutex
	events map[string][]eventlog.EventEnvelope
}

func newMemStore() *memStore {
	return &memStore{events: map[string][]eventlog.EventEnvelope{}}
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
	if uint64(len(existing)) != expectedSequence {
		return eventlog.ErrConcurrencyConflict{AggregateType: aggregateType, AggregateID: aggregateID, Expected: expectedSequence}
	}
	for i := range events {
		events[i].Sequence = expectedSequence + uint64(i) + 1
		existing = append(existing, events[i])
	}
	s.events[key] = existing
	return nil
}

func (s *memStore) SaveSnapshot(context.Context, eventlog.Snapshot) error { return nil }
func (s *memStore) LoadSnapshot(context.Context, string, string) (eventlog.Snapshot, bool, error) {
	return eventlog.Snapshot{}, false, nil
}

type memOffsetBackend struct {
	mu     sync.Mutex
	values map[string]uint64
}

func newMemOffsetBackend() *memOffsetBackend {
	return &memOffsetBackend{values: map[string]uint64{}}
}

func (b *memOffsetBackend) Get(_ context.Context, id string) (uint64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[id]
	return v, ok, nil
}

func (b *memOffsetBackend) Set(_ context.Context, id string, offset uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[id] = offset
	return nil
}

type noopResolver struct{}

func (noopResolver) ResolveInvoiceID(context.Context, string) (string, error) { return "", nil }

// TestProcessOnChain_OrderIndependentIdempotence is the coordinator-level
// analogue of the second Open Question: a catch-up SetConfirmed for an
// address can arrive before a tail SetPending for the same address. Nothing
// in the coordinator may assume ordering between the two phases, so
// correctness rests entirely on the aggregate's absorbing-state guards.
func TestProcessOnChain_OrderIndependentIdempotence(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	offsets := offsetstore.NewCache(newMemOffsetBackend())
	coordinator := New(store, offsets, noopResolver{}, nil)

	confirmed := nodestream.OnChainTransactionEvent{
		Kind:          nodestream.ReceivedConfirmed,
		NodeID:        "node1",
		Address:       "addr1",
		TxID:          "tx-1",
		AmountSat:     50_000,
		BlockHeight:   700,
		Confirmations: 1,
	}
	pending := nodestream.OnChainTransactionEvent{
		Kind:        nodestream.ReceivedUnconfirmed,
		NodeID:      "node1",
		Address:     "addr1",
		AmountSat:   50_000,
		BlockHeight: 0,
	}

	// catch-up delivers the confirmation first, then the tail redelivers
	// the pending notification the node emitted before the reconnect.
	coordinator.processOnChain(ctx, confirmed)
	coordinator.processOnChain(ctx, pending)

	history, err := store.Load(ctx, onchaininvoice.AggregateType, "addr1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1, "the redelivered pending notification must be absorbed, not appended")
	assert.Equal(t, "OnChainPaymentConfirmed", history[0].EventType)

	offset, err := offsets.Get(ctx, offsetstore.OnChainNamespace("node1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(700), offset, "the confirmed event's height must still advance the offset")
}

// TestProcessOnChain_ReverseOrderIsAlsoIdempotent proves the same
// invariant in the opposite arrival order: pending then confirmed, the
// order a non-reordering tail phase would naturally deliver them in.
func TestProcessOnChain_ReverseOrderIsAlsoIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	offsets := offsetstore.NewCache(newMemOffsetBackend())
	coordinator := New(store, offsets, noopResolver{}, nil)

	pending := nodestream.OnChainTransactionEvent{
		Kind:      nodestream.ReceivedUnconfirmed,
		NodeID:    "node1",
		Address:   "addr1",
		AmountSat: 50_000,
	}
	confirmed := nodestream.OnChainTransactionEvent{
		Kind:          nodestream.ReceivedConfirmed,
		NodeID:        "node1",
		Address:       "addr1",
		TxID:          "tx-1",
		AmountSat:     50_000,
		BlockHeight:   700,
		Confirmations: 1,
	}

	coordinator.processOnChain(ctx, pending)
	coordinator.processOnChain(ctx, confirmed)

	history, err := store.Load(ctx, onchaininvoice.AggregateType, "addr1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "OnChainPaymentPending", history[0].EventType)
	assert.Equal(t, "OnChainPaymentConfirmed", history[1].EventType)
}

// TestProcessOnChain_RedeliveredConfirmationIsAbsorbed covers plain
// at-least-once redelivery of the exact same confirmed event.
func TestProcessOnChain_RedeliveredConfirmationIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	offsets := offsetstore.NewCache(newMemOffsetBackend())
	coordinator := New(store, offsets, noopResolver{}, nil)

	confirmed := nodestream.OnChainTransactionEvent{
		Kind:          nodestream.ReceivedConfirmed,
		NodeID:        "node1",
		Address:       "addr1",
		TxID:          "tx-1",
		AmountSat:     50_000,
		BlockHeight:   700,
		Confirmations: 1,
	}

	coordinator.processOnChain(ctx, confirmed)
	coordinator.processOnChain(ctx, confirmed)

	history, err := store.Load(ctx, onchaininvoice.AggregateType, "addr1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
