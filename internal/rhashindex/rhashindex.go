// Package rhashindex is the read model the ingestion coordinator's
// mapper.InvoiceIDResolver is backed by: a projection, kept current by
// subscribing to LightningInvoice events as a cqrs.Publisher, that maps a
// settled invoice's r_hash back to the invoice_id its aggregate was
// created under. The node stream only ever reports r_hash; this is the
// sole place that indirection is resolved.
package rhashindex

import (
	"context"
	"sync"

	"gitlab.com/arcanecrypto/payday/build/teslalog"
	"gitlab.com/arcanecrypto/payday/internal/aggregate/lightninginvoice"
	"gitlab.com/arcanecrypto/payday/internal/coreerr"
	"gitlab.com/arcanecrypto/payday/internal/mapper"
)

var log = teslalog.New("RHSH")

// UseLogger rebinds the package logger. Called once by build.init().
func UseLogger(logger *teslalog.Logger) {
	log = logger
}

// Backend is the durable persistence contract; internal/storage/postgres
// provides the concrete one. Index below layers an in-memory cache in
// front of it, mirroring offsetstore.Cache's write-through shape.
type Backend interface {
	Put(ctx context.Context, rHash, invoiceID string) error
	Get(ctx context.Context, rHash string) (invoiceID string, found bool, err error)
}

// Index is both a cqrs.Publisher[lightninginvoice.Event] (so cqrs.Execute
// can keep it current as a best-effort side effect of every successful
// LightningInvoice command) and a mapper.InvoiceIDResolver.
type Index struct {
	backend Backend

	mu    sync.RWMutex
	cache map[string]string
}

// New wraps backend with a read-through cache.
func New(backend Backend) *Index {
	return &Index{backend: backend, cache: map[string]string{}}
}

var (
	_ mapper.InvoiceIDResolver           = (*Index)(nil)
	_ publisher[lightninginvoice.Event] = (*Index)(nil)
)

// publisher mirrors cqrs.Publisher's shape locally so this package doesn't
// need to import cqrs just to name the constraint it satisfies.
type publisher[E any] interface {
	Publish(ctx context.Context, aggregateType, aggregateID string, events []E)
}

// Publish indexes every InvoiceCreated event it observes. Other event
// types carry no r_hash and are ignored. Failures are logged, never
// propagated: cqrs.Execute treats publishers as best-effort. A missed
// index entry stays missing, since nothing replays events into an Index;
// ResolveInvoiceID then reports InvalidInvoiceState for that r_hash.
func (idx *Index) Publish(ctx context.Context, aggregateType, aggregateID string, events []lightninginvoice.Event) {
	for _, event := range events {
		if event.InvoiceCreated == nil {
			continue
		}
		if err := idx.index(ctx, event.InvoiceCreated.RHash, aggregateID); err != nil {
			log.WithField("aggregate_id", aggregateID).
				WithField("r_hash", event.InvoiceCreated.RHash).
				WithError(err).Error("indexing r_hash")
		}
	}
}

func (idx *Index) index(ctx context.Context, rHash, invoiceID string) error {
	if err := idx.backend.Put(ctx, rHash, invoiceID); err != nil {
		return coreerr.Wrap(err, coreerr.Db)
	}
	idx.mu.Lock()
	idx.cache[rHash] = invoiceID
	idx.mu.Unlock()
	return nil
}

// ResolveInvoiceID implements mapper.InvoiceIDResolver.
func (idx *Index) ResolveInvoiceID(ctx context.Context, rHash string) (string, error) {
	idx.mu.RLock()
	invoiceID, ok := idx.cache[rHash]
	idx.mu.RUnlock()
	if ok {
		return invoiceID, nil
	}

	invoiceID, found, err := idx.backend.Get(ctx, rHash)
	if err != nil {
		return "", coreerr.Wrap(err, coreerr.Db)
	}
	if !found {
		return "", coreerr.New(coreerr.InvalidInvoiceState, "no invoice_id indexed for r_hash "+rHash)
	}

	idx.mu.Lock()
	idx.cache[rHash] = invoiceID
	idx.mu.Unlock()
	return invoiceID, nil
}
