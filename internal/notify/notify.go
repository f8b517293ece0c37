// Package notify bridges paid-invoice events onto the task/retry substrate
// (internal/tasks): it is the Publisher the ingestion coordinator drives on
// every successful aggregate command, and it turns the two "invoice just
// got paid" events (OnChainInvoice.PaymentConfirmed,
// LightningInvoice.InvoiceSettled) into durable, at-least-once tasks a
// Worker dispatches to whatever side effect notifies the merchant.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"gitlab.com/arcanecrypto/payday/build/teslalog"
	"gitlab.com/arcanecrypto/payday/internal/aggregate/lightninginvoice"
	"gitlab.com/arcanecrypto/payday/internal/aggregate/onchaininvoice"
	"gitlab.com/arcanecrypto/payday/internal/tasks"
)

var log = teslalog.New("NOTF")

// UseLogger rebinds the package logger. Called once by build.init().
func UseLogger(logger *teslalog.Logger) {
	log = logger
}

// TaskTypeInvoicePaid is the tasks.Task.TaskType every payload below is
// enqueued under. A single handler (Handler) processes both payment types,
// discriminated by PaidPayload.PaymentType.
const TaskTypeInvoicePaid = "invoice.paid"

// defaultRetryPolicy retries a failed notification delivery five times,
// doubling the delay starting at one second, before giving up and leaving
// the task StatusFailed for operator inspection.
var defaultRetryPolicy = tasks.RetryPolicy{
	Kind:      tasks.Exponential,
	Max:       5,
	BaseDelay: time.Second,
}

// PaidPayload is the JSON body of every TaskTypeInvoicePaid task.
type PaidPayload struct {
	AggregateType  string `json:"aggregate_type"`
	AggregateID    string `json:"aggregate_id"`
	PaymentType    string `json:"payment_type"`
	ReceivedAmount uint64 `json:"received_amount_minor_units"`
	Currency       string `json:"currency"`
	TransactionID  string `json:"transaction_id,omitempty"`
}

// Publisher enqueues a TaskTypeInvoicePaid task for every PaymentConfirmed
// or InvoiceSettled event it observes. It implements cqrs.Publisher for
// both aggregates' concrete event types; Publish never returns an error
// (the cqrs.Publisher contract is best-effort), so enqueue failures are
// logged, not propagated, and a notification whose enqueue failed is not
// enqueued again.
type Publisher struct {
	queue tasks.Queue
}

// New wraps queue as a cqrs.Publisher for both invoice aggregates.
func New(queue tasks.Queue) *Publisher {
	return &Publisher{queue: queue}
}

// PublishOnChain implements cqrs.Publisher[onchaininvoice.Event].
func (p *Publisher) PublishOnChain(ctx context.Context, aggregateType, aggregateID string, events []onchaininvoice.Event) {
	for _, event := range events {
		if event.PaymentConfirmed == nil {
			continue
		}
		e := event.PaymentConfirmed
		p.enqueue(ctx, PaidPayload{
			AggregateType:  aggregateType,
			AggregateID:    aggregateID,
			PaymentType:    "on_chain",
			ReceivedAmount: e.ReceivedAmount.MinorUnits,
			Currency:       string(e.ReceivedAmount.Currency),
			TransactionID:  e.TransactionID,
		})
	}
}

// PublishLightning implements cqrs.Publisher[lightninginvoice.Event].
func (p *Publisher) PublishLightning(ctx context.Context, aggregateType, aggregateID string, events []lightninginvoice.Event) {
	for _, event := range events {
		if event.InvoiceSettled == nil || !event.InvoiceSettled.Paid {
			continue
		}
		e := event.InvoiceSettled
		p.enqueue(ctx, PaidPayload{
			AggregateType:  aggregateType,
			AggregateID:    aggregateID,
			PaymentType:    "lightning",
			ReceivedAmount: e.ReceivedAmount.MinorUnits,
			Currency:       string(e.ReceivedAmount.Currency),
		})
	}
}

func (p *Publisher) enqueue(ctx context.Context, payload PaidPayload) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.WithField("aggregate_id", payload.AggregateID).WithError(err).Error("marshaling paid-invoice payload")
		return
	}
	if _, err := p.queue.Enqueue(ctx, TaskTypeInvoicePaid, raw, defaultRetryPolicy); err != nil {
		log.WithField("aggregate_id", payload.AggregateID).WithError(err).Error("enqueuing paid-invoice notification")
	}
}

// OnChainPublisher adapts Publisher.PublishOnChain to the single-method
// cqrs.Publisher[onchaininvoice.Event] shape the coordinator expects; Go
// has no way to overload Publish by type parameter on one receiver.
type OnChainPublisher struct{ p *Publisher }

func (o OnChainPublisher) Publish(ctx context.Context, aggregateType, aggregateID string, events []onchaininvoice.Event) {
	o.p.PublishOnChain(ctx, aggregateType, aggregateID, events)
}

// LightningPublisher is OnChainPublisher's Lightning counterpart.
type LightningPublisher struct{ p *Publisher }

func (l LightningPublisher) Publish(ctx context.Context, aggregateType, aggregateID string, events []lightninginvoice.Event) {
	l.p.PublishLightning(ctx, aggregateType, aggregateID, events)
}

// AsOnChainPublisher returns the cqrs.Publisher[onchaininvoice.Event] view of p.
func (p *Publisher) AsOnChainPublisher() OnChainPublisher { return OnChainPublisher{p} }

// AsLightningPublisher returns the cqrs.Publisher[lightninginvoice.Event] view of p.
func (p *Publisher) AsLightningPublisher() LightningPublisher { return LightningPublisher{p} }

// Handler processes one TaskTypeInvoicePaid task. It logs the merchant
// notification it would send; an actual outbound webhook call sits outside
// this engine's reconciliation core, so this is the seam a deployment
// wires a real delivery mechanism into.
func Handler(_ context.Context, task tasks.Task) tasks.Outcome {
	var payload PaidPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		log.WithField("task_id", task.ID).WithError(err).Error("decoding paid-invoice payload, failing task")
		return tasks.Failed
	}

	log.WithField("aggregate_id", payload.AggregateID).
		WithField("payment_type", payload.PaymentType).
		WithField("received_amount", payload.ReceivedAmount).
		WithField("currency", payload.Currency).
		Info("invoice paid, notifying merchant")

	return tasks.Success
}
