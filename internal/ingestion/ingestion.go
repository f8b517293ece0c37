// Package ingestion implements the Ingestion Coordinator: it fans every
// configured node adapter's on-chain and Lightning streams into one bounded
// channel, and runs a single consumer that maps each event to a command,
// executes it against the matching aggregate, and advances the
// corresponding offset — but only when advancing is actually safe.
package ingestion

import (
	"context"

	"gitlab.com/arcanecrypto/payday/build/teslalog"
	"gitlab.com/arcanecrypto/payday/internal/aggregate/lightninginvoice"
	"gitlab.com/arcanecrypto/payday/internal/aggregate/onchaininvoice"
	"gitlab.com/arcanecrypto/payday/internal/coreerr"
	"gitlab.com/arcanecrypto/payday/internal/cqrs"
	"gitlab.com/arcanecrypto/payday/internal/eventlog"
	"gitlab.com/arcanecrypto/payday/internal/mapper"
	"gitlab.com/arcanecrypto/payday/internal/nodestream"
	"gitlab.com/arcanecrypto/payday/internal/offsetstore"
)

var log = teslalog.New("INGS")

// UseLogger rebinds the package logger. Called once by build.init().
func UseLogger(logger *teslalog.Logger) {
	log = logger
}

// defaultChannelCapacity is the shared fan-in channel's buffer size: enough
// to absorb a burst from one adapter's catch-up phase while the consumer is
// busy executing another adapter's command.
const defaultChannelCapacity = 100

// snapshotInterval controls how often cqrs.ExecuteSnapshotting saves a
// fresh snapshot: every 20th appended event. Invoices rarely accumulate
// more than a handful of events, so this mostly matters for the rare
// invoice that sees many redelivered or repeatedly-underpaid attempts.
const snapshotInterval = 20

// streamEvent is the union every producer goroutine sends on the shared
// channel. Exactly one of the two fields is non-nil.
type streamEvent struct {
	onChain   *nodestream.OnChainTransactionEvent
	lightning *nodestream.LightningTransactionEvent
}

// Coordinator owns the full fan-in/consume pipeline described in the
// package doc.
type Coordinator struct {
	store    eventlog.Store
	offsets  *offsetstore.Cache
	resolver mapper.InvoiceIDResolver
	adapters []nodestream.Adapter

	onChainPublisher   cqrs.Publisher[onchaininvoice.Event]
	lightningPublisher cqrs.Publisher[lightninginvoice.Event]

	channelCapacity int
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithChannelCapacity overrides the shared channel's buffer size.
func WithChannelCapacity(n int) Option {
	return func(c *Coordinator) { c.channelCapacity = n }
}

// WithOnChainPublisher registers a best-effort publisher for OnChainInvoice
// events. Optional.
func WithOnChainPublisher(p cqrs.Publisher[onchaininvoice.Event]) Option {
	return func(c *Coordinator) { c.onChainPublisher = p }
}

// WithLightningPublisher registers a best-effort publisher for
// LightningInvoice events. Optional.
func WithLightningPublisher(p cqrs.Publisher[lightninginvoice.Event]) Option {
	return func(c *Coordinator) { c.lightningPublisher = p }
}

// New constructs a Coordinator over the given adapters. resolver is used to
// translate a settled Lightning event's r_hash into the invoice_id its
// aggregate was created under.
func New(store eventlog.Store, offsets *offsetstore.Cache, resolver mapper.InvoiceIDResolver, adapters []nodestream.Adapter, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:           store,
		offsets:         offsets,
		resolver:        resolver,
		adapters:        adapters,
		channelCapacity: defaultChannelCapacity,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes every adapter and launches the consumer, returning a
// TaskSet whose Cancel stops everything and whose Wait blocks until every
// producer and the consumer have exited. An adapter that fails to subscribe
// is logged and skipped; the coordinator continues with the adapters that
// did subscribe successfully, since a single node outage must not take
// down ingestion for every other node.
func (c *Coordinator) Start(ctx context.Context) *TaskSet {
	runCtx, tasks := newTaskSet(ctx)
	shared := make(chan streamEvent, c.channelCapacity)

	for _, adapter := range c.adapters {
		adapter := adapter
		c.startOnChainProducer(runCtx, tasks, adapter, shared)
		c.startLightningProducer(runCtx, tasks, adapter, shared)
	}

	tasks.Go(func() {
		c.consume(runCtx, shared)
	})

	return tasks
}

func (c *Coordinator) startOnChainProducer(ctx context.Context, tasks *TaskSet, adapter nodestream.Adapter, shared chan<- streamEvent) {
	tasks.Go(func() {
		offset, err := c.offsets.Get(ctx, offsetstore.OnChainNamespace(adapter.NodeID()))
		if err != nil {
			log.WithField("node_id", adapter.NodeID()).WithError(err).Error("loading on-chain offset")
			return
		}
		var startHeight *uint64
		if offset > 0 {
			startHeight = &offset
		}

		local := make(chan nodestream.OnChainTransactionEvent)
		go forwardOnChain(ctx, local, shared)

		if err := adapter.SubscribeOnChainTransactions(ctx, local, startHeight); err != nil {
			log.WithField("node_id", adapter.NodeID()).WithError(err).
				Warn("adapter does not support on-chain subscriptions, skipping")
		}
	})
}

func (c *Coordinator) startLightningProducer(ctx context.Context, tasks *TaskSet, adapter nodestream.Adapter, shared chan<- streamEvent) {
	tasks.Go(func() {
		offset, err := c.offsets.Get(ctx, offsetstore.LightningNamespace(adapter.NodeID()))
		if err != nil {
			log.WithField("node_id", adapter.NodeID()).WithError(err).Error("loading lightning offset")
			return
		}
		var startIndex *uint64
		if offset > 0 {
			startIndex = &offset
		}

		local := make(chan nodestream.LightningTransactionEvent)
		go forwardLightning(ctx, local, shared)

		if err := adapter.SubscribeLightningTransactions(ctx, local, startIndex); err != nil {
			log.WithField("node_id", adapter.NodeID()).WithError(err).
				Warn("adapter does not support lightning subscriptions, skipping")
		}
	})
}

func forwardOnChain(ctx context.Context, local <-chan nodestream.OnChainTransactionEvent, shared chan<- streamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-local:
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case shared <- streamEvent{onChain: &event}:
			}
		}
	}
}

func forwardLightning(ctx context.Context, local <-chan nodestream.LightningTransactionEvent, shared chan<- streamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-local:
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case shared <- streamEvent{lightning: &event}:
			}
		}
	}
}

func (c *Coordinator) consume(ctx context.Context, shared <-chan streamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-shared:
			if !ok {
				return
			}
			switch {
			case event.onChain != nil:
				c.processOnChain(ctx, *event.onChain)
			case event.lightning != nil:
				c.processLightning(ctx, *event.lightning)
			}
		}
	}
}

// processOnChain maps, executes, and conditionally advances the offset for
// a single on-chain event. The offset-advancement split is the coordinator's
// central contract: a transient (Db) failure must not advance the offset,
// since the event needs to be redelivered and retried; a permanent domain
// failure advances it anyway, since redelivering a malformed or
// already-rejected event can never succeed.
func (c *Coordinator) processOnChain(ctx context.Context, event nodestream.OnChainTransactionEvent) {
	cmd := mapper.ToOnChainCommand(event)

	_, err := cqrs.ExecuteSnapshotting[*onchaininvoice.OnChainInvoice, onchaininvoice.Command, onchaininvoice.Event](
		ctx, c.store, onchaininvoice.Codec{}, cqrs.JSONSnapshotCodec[*onchaininvoice.OnChainInvoice]{}, snapshotInterval,
		onchaininvoice.New, cmd.AggregateID, cmd.Command, c.onChainPublisher,
	)
	if err != nil {
		c.handleCommandError(ctx, err, "on-chain", event.NodeID, cmd.AggregateID, offsetstore.OnChainNamespace(event.NodeID), event.BlockHeight)
		return
	}

	if err := c.offsets.Set(ctx, offsetstore.OnChainNamespace(event.NodeID), event.BlockHeight); err != nil {
		log.WithField("node_id", event.NodeID).WithError(err).Error("advancing on-chain offset")
	}
}

// processLightning is processOnChain's Lightning counterpart. A resolver
// failure (r_hash not yet known to the read model) is treated the same as
// a transient store error: skip without advancing, since a later retry —
// once the corresponding InvoiceCreated event has been indexed — may
// succeed where this attempt could not.
func (c *Coordinator) processLightning(ctx context.Context, event nodestream.LightningTransactionEvent) {
	cmd, err := mapper.ToLightningCommand(ctx, c.resolver, event)
	if err != nil {
		log.WithField("node_id", event.NodeID).WithField("r_hash", event.RHash).WithError(err).
			Warn("skipping lightning event, offset not advanced")
		return
	}

	_, err = cqrs.ExecuteSnapshotting[*lightninginvoice.LightningInvoice, lightninginvoice.Command, lightninginvoice.Event](
		ctx, c.store, lightninginvoice.Codec{}, cqrs.JSONSnapshotCodec[*lightninginvoice.LightningInvoice]{}, snapshotInterval,
		lightninginvoice.New, cmd.AggregateID, cmd.Command, c.lightningPublisher,
	)
	if err != nil {
		c.handleCommandError(ctx, err, "lightning", event.NodeID, cmd.AggregateID, offsetstore.LightningNamespace(event.NodeID), event.SettleIndex)
		return
	}

	if err := c.offsets.Set(ctx, offsetstore.LightningNamespace(event.NodeID), event.SettleIndex); err != nil {
		log.WithField("node_id", event.NodeID).WithError(err).Error("advancing lightning offset")
	}
}

func (c *Coordinator) handleCommandError(ctx context.Context, err error, stream, nodeID, aggregateID, namespace string, offset uint64) {
	fields := log.WithField("stream", stream).
		WithField("node_id", nodeID).
		WithField("aggregate_id", aggregateID).
		WithError(err)

	if coreerr.IsTransient(err) {
		fields.Warn("transient failure executing command, offset not advanced")
		return
	}

	fields.Error("permanent failure executing command, advancing offset anyway")
	if setErr := c.offsets.Set(ctx, namespace, offset); setErr != nil {
		log.WithField("node_id", nodeID).WithError(setErr).Error("advancing offset past permanently-failed event")
	}
}
