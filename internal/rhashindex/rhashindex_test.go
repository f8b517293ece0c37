package rhashindex_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/payday/internal/aggregate/lightninginvoice"
	"gitlab.com/arcanecrypto/payday/internal/rhashindex"
)

type memBackend struct {
	mu     sync.Mutex
	values map[string]string
	putErr error
}

func newMemBackend() *memBackend {
	return &memBackend{values: map[string]string{}}
}

func (b *memBackend) Put(_ context.Context, rHash, invoiceID string) error {
	if b.putErr != nil {
		return b.putErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[rHash] = invoiceID
	return nil
}

func (b *memBackend) Get(_ context.Context, rHash string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[rHash]
	return v, ok, nil
}

func TestResolveInvoiceID_UnknownRHashErrors(t *testing.T) {
	idx := rhashindex.New(newMemBackend())
	_, err := idx.ResolveInvoiceID(context.Background(), "deadbeef")
	require.Error(t, err)
}

func TestPublish_IndexesInvoiceCreated(t *testing.T) {
	ctx := context.Background()
	idx := rhashindex.New(newMemBackend())

	idx.Publish(ctx, lightninginvoice.AggregateType, "invoice-1", []lightninginvoice.Event{
		{InvoiceCreated: &lightninginvoice.InvoiceCreated{
			InvoiceID: "invoice-1",
			RHash:     "abc123",
		}},
	})

	invoiceID, err := idx.ResolveInvoiceID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "invoice-1", invoiceID)
}

func TestPublish_IgnoresEventsWithoutInvoiceCreated(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	idx := rhashindex.New(backend)

	idx.Publish(ctx, lightninginvoice.AggregateType, "invoice-1", []lightninginvoice.Event{
		{InvoiceSettled: &lightninginvoice.InvoiceSettled{}},
	})

	assert.Empty(t, backend.values)
}

func TestResolveInvoiceID_CachesAfterBackendLookup(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	require.NoError(t, backend.Put(ctx, "abc123", "invoice-1"))

	idx := rhashindex.New(backend)
	invoiceID, err := idx.ResolveInvoiceID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "invoice-1", invoiceID)

	// a subsequent backend failure must not affect a cache hit.
	backend.putErr = assert.AnError
	invoiceID, err = idx.ResolveInvoiceID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "invoice-1", invoiceID)
}

func TestPublish_BackendFailureDoesNotPanicOrBlock(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	backend.putErr = assert.AnError
	idx := rhashindex.New(backend)

	idx.Publish(ctx, lightninginvoice.AggregateType, "invoice-1", []lightninginvoice.Event{
		{InvoiceCreated: &lightninginvoice.InvoiceCreated{InvoiceID: "invoice-1", RHash: "abc123"}},
	})

	_, err := idx.ResolveInvoiceID(ctx, "abc123")
	require.Error(t, err, "publish failures are logged, not surfaced, so the index never learned this r_hash")
}
