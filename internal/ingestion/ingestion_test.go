package ingestion_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/payday/internal/aggregate/onchaininvoice"
	"gitlab.com/arcanecrypto/payday/internal/eventlog"
	"gitlab.com/arcanecrypto/payday/internal/ingestion"
	"gitlab.com/arcanecrypto/payday/internal/nodestream"
	"gitlab.com/arcanecrypto/payday/internal/offsetstore"
)

type fakeAdapter struct {
	nodeID           string
	onChainEvents    []nodestream.OnChainTransactionEvent
	lightningUnsup   bool
	subscribeOnChain func(ctx context.Context, out chan<- nodestream.OnChainTransactionEvent) error
}

func (a *fakeAdapter) NodeID() string { return a.nodeID }

func (a *fakeAdapter) SubscribeOnChainTransactions(ctx context.Context, out chan<- nodestream.OnChainTransactionEvent, _ *uint64) error {
	if a.subscribeOnChain != nil {
		return a.subscribeOnChain(ctx, out)
	}
	go func() {
		for _, e := range a.onChainEvents {
			select {
			case <-ctx.Done():
				return
			case out <- e:
			}
		}
	}()
	return nil
}

func (a *fakeAdapter) SubscribeLightningTransactions(ctx context.Context, out chan<- nodestream.LightningTransactionEvent, _ *uint64) error {
	if a.lightningUnsup {
		return assert.AnError
	}
	return nil
}

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

func (s *memStore) count(aggregateType, aggregateID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[aggregateType+"/"+aggregateID])
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

func TestCoordinator_ConsumesOnChainEventsEndToEnd(t *testing.T) {
	store := newMemStore()
	offsets := offsetstore.NewCache(newMemOffsetBackend())
	adapter := &fakeAdapter{
		nodeID: "node1",
		onChainEvents: []nodestream.OnChainTransactionEvent{
			{Kind: nodestream.ReceivedUnconfirmed, NodeID: "node1", Address: "addr1", AmountSat: 1000},
			{Kind: nodestream.ReceivedConfirmed, NodeID: "node1", Address: "addr1", AmountSat: 1000, BlockHeight: 42, Confirmations: 1, TxID: "tx-1"},
		},
	}

	coordinator := ingestion.New(store, offsets, noopResolver{}, []nodestream.Adapter{adapter})
	tasks := coordinator.Start(context.Background())
	defer func() {
		tasks.Cancel()
		tasks.Wait()
	}()

	require.Eventually(t, func() bool {
		return store.count(onchaininvoice.AggregateType, "addr1") == 2
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		offset, err := offsets.Get(context.Background(), offsetstore.OnChainNamespace("node1"))
		return err == nil && offset == 42
	}, time.Second, 5*time.Millisecond)
}

// TestCoordinator_SkipsAdapterThatFailsToSubscribe proves one node's
// subscribe failure does not prevent another node's events from flowing.
func TestCoordinator_SkipsAdapterThatFailsToSubscribe(t *testing.T) {
	store := newMemStore()
	offsets := offsetstore.NewCache(newMemOffsetBackend())

	broken := &fakeAdapter{
		nodeID: "broken",
		subscribeOnChain: func(context.Context, chan<- nodestream.OnChainTransactionEvent) error {
			return assert.AnError
		},
	}
	healthy := &fakeAdapter{
		nodeID: "healthy",
		onChainEvents: []nodestream.OnChainTransactionEvent{
			{Kind: nodestream.ReceivedConfirmed, NodeID: "healthy", Address: "addr2", AmountSat: 500, BlockHeight: 1, Confirmations: 1, TxID: "tx-2"},
		},
	}

	coordinator := ingestion.New(store, offsets, noopResolver{}, []nodestream.Adapter{broken, healthy})
	tasks := coordinator.Start(context.Background())
	defer func() {
		tasks.Cancel()
		tasks.Wait()
	}()

	require.Eventually(t, func() bool {
		return store.count(onchaininvoice.AggregateType, "addr2") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_CancelStopsAllTasks(t *testing.T) {
	store := newMemStore()
	offsets := offsetstore.NewCache(newMemOffsetBackend())
	adapter := &fakeAdapter{nodeID: "node1"}

	coordinator := ingestion.New(store, offsets, noopResolver{}, []nodestream.Adapter{adapter})
	tasks := coordinator.Start(context.Background())

	done := make(chan struct{})
	go func() {
		tasks.Wait()
		close(done)
	}()

	tasks.Cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not exit after Cancel")
	}
}

func TestWithChannelCapacity(t *testing.T) {
	store := newMemStore()
	offsets := offsetstore.NewCache(newMemOffsetBackend())
	coordinator := ingestion.New(store, offsets, noopResolver{}, nil, ingestion.WithChannelCapacity(1))
	assert.NotNil(t, coordinator)
}
