// Package onchaininvoice implements the OnChainInvoice aggregate: an
// invoice settled by watching a bitcoin address for incoming transactions,
// first unconfirmed then confirmed.
package onchaininvoice

import (
	"context"
	"encoding/json"

	"gitlab.com/arcanecrypto/payday/build/teslalog"
	"gitlab.com/arcanecrypto/payday/internal/coreerr"
	"gitlab.com/arcanecrypto/payday/internal/payment"
)

var log = teslalog.New("ONCH")

// UseLogger rebinds the package logger. Called once by build.init().
func UseLogger(logger *teslalog.Logger) {
	log = logger
}

const AggregateType = "OnChainInvoice"

// OnChainInvoice is the folded state of a single on-chain-settled invoice.
// The zero value is a valid "not yet created" aggregate.
type OnChainInvoice struct {
	InvoiceID      string
	NodeID         string
	Address        string
	Amount         payment.Amount
	ReceivedAmount payment.Amount
	Confirmations  uint64
	TransactionID  string
	Underpayment   bool
	Overpayment    bool
	Paid           bool
}

// New returns a fresh, uncreated OnChainInvoice ready to be folded or have
// CreateInvoice handled against it.
func New() *OnChainInvoice {
	return &OnChainInvoice{
		Amount:         payment.Zero(payment.BTC),
		ReceivedAmount: payment.Zero(payment.BTC),
	}
}

func (i *OnChainInvoice) AggregateType() string { return AggregateType }

// Command is the closed set of operations an OnChainInvoice can handle.
// Exactly one of the pointer fields is non-nil.
type Command struct {
	CreateInvoice *CreateInvoiceCommand
	SetPending    *SetPendingCommand
	SetConfirmed  *SetConfirmedCommand
}

type CreateInvoiceCommand struct {
	InvoiceID string
	NodeID    string
	Amount    payment.Amount
	Address   string
}

type SetPendingCommand struct {
	Amount payment.Amount
}

type SetConfirmedCommand struct {
	Confirmations uint64
	Amount        payment.Amount
	TransactionID string
}

// Event is the closed set of facts an OnChainInvoice can emit and fold.
// Exactly one of the pointer fields is non-nil.
type Event struct {
	InvoiceCreated   *InvoiceCreated
	PaymentPending   *PaymentPending
	PaymentConfirmed *PaymentConfirmed
}

type InvoiceCreated struct {
	InvoiceID string
	NodeID    string
	Amount    payment.Amount
	Address   string
}

type PaymentPending struct {
	ReceivedAmount payment.Amount
	Underpayment   bool
	Overpayment    bool
}

type PaymentConfirmed struct {
	ReceivedAmount payment.Amount
	Underpayment   bool
	Overpayment    bool
	Confirmations  uint64
	TransactionID  string
}

// Handle implements cqrs.Aggregate. It is pure: no I/O, no clock reads, no
// randomness, so the same (state, command) pair always produces the same
// events or the same error.
func (i *OnChainInvoice) Handle(_ context.Context, cmd Command) ([]Event, error) {
	switch {
	case cmd.CreateInvoice != nil:
		return i.handleCreateInvoice(cmd.CreateInvoice)
	case cmd.SetPending != nil:
		return i.handleSetPending(cmd.SetPending)
	case cmd.SetConfirmed != nil:
		return i.handleSetConfirmed(cmd.SetConfirmed)
	default:
		return nil, coreerr.New(coreerr.InvalidInvoiceState, "empty command")
	}
}

func (i *OnChainInvoice) handleCreateInvoice(cmd *CreateInvoiceCommand) ([]Event, error) {
	if cmd.Amount.Currency != payment.BTC {
		return nil, coreerr.New(coreerr.InvalidCurrency,
			"on-chain invoice amount must be denominated in BTC, got "+string(cmd.Amount.Currency))
	}
	if i.InvoiceID != "" {
		return nil, coreerr.New(coreerr.InvoiceAlreadyExists, "invoice "+cmd.InvoiceID+" already exists")
	}

	return []Event{{InvoiceCreated: &InvoiceCreated{
		InvoiceID: cmd.InvoiceID,
		NodeID:    cmd.NodeID,
		Amount:    cmd.Amount,
		Address:   cmd.Address,
	}}}, nil
}

// handleSetPending absorbs the command once the invoice already has a
// nonzero received amount: a later iteration of this same invoice's
// on-chain watcher may redeliver ReceivedUnconfirmed after the invoice has
// already moved past pending, and redelivering the event must not emit a
// second PaymentPending.
func (i *OnChainInvoice) handleSetPending(cmd *SetPendingCommand) ([]Event, error) {
	if i.ReceivedAmount.MinorUnits > 0 {
		return nil, nil
	}

	cmp, err := cmd.Amount.Cmp(i.Amount)
	if err != nil {
		return nil, coreerr.Wrap(err, coreerr.InvalidAmount)
	}

	return []Event{{PaymentPending: &PaymentPending{
		ReceivedAmount: cmd.Amount,
		Underpayment:   cmp < 0,
		Overpayment:    cmp > 0,
	}}}, nil
}

// handleSetConfirmed absorbs the command once a confirmation has already
// been recorded, the same idempotence guard as handleSetPending.
func (i *OnChainInvoice) handleSetConfirmed(cmd *SetConfirmedCommand) ([]Event, error) {
	if i.Confirmations > 0 {
		return nil, nil
	}

	cmp, err := cmd.Amount.Cmp(i.Amount)
	if err != nil {
		return nil, coreerr.Wrap(err, coreerr.InvalidAmount)
	}

	return []Event{{PaymentConfirmed: &PaymentConfirmed{
		ReceivedAmount: cmd.Amount,
		Underpayment:   cmp < 0,
		Overpayment:    cmp > 0,
		Confirmations:  cmd.Confirmations,
		TransactionID:  cmd.TransactionID,
	}}}, nil
}

// Apply implements cqrs.Aggregate. It must never fail: by the time an
// event reaches Apply it has already been durably appended.
func (i *OnChainInvoice) Apply(event Event) {
	switch {
	case event.InvoiceCreated != nil:
		e := event.InvoiceCreated
		i.InvoiceID = e.InvoiceID
		i.NodeID = e.NodeID
		i.Amount = e.Amount
		i.Address = e.Address
	case event.PaymentPending != nil:
		e := event.PaymentPending
		i.ReceivedAmount = e.ReceivedAmount
		i.Underpayment = e.Underpayment
		i.Overpayment = e.Overpayment
	case event.PaymentConfirmed != nil:
		e := event.PaymentConfirmed
		i.ReceivedAmount = e.ReceivedAmount
		i.Underpayment = e.Underpayment
		i.Overpayment = e.Overpayment
		i.Confirmations = e.Confirmations
		i.TransactionID = e.TransactionID
		i.Paid = true
	}
}

// eventType/eventVersion tags used by Codec, namespaced per aggregate
// ("OnChainInvoiceCreated", etc.) so persisted payloads stay
// self-describing across replays.
const (
	eventTypeInvoiceCreated   = "OnChainInvoiceCreated"
	eventTypePaymentPending   = "OnChainPaymentPending"
	eventTypePaymentConfirmed = "OnChainPaymentConfirmed"
	eventVersion              = "1.0.0"
)

// Codec implements cqrs.EventCodec[Event] for the Postgres-backed event log.
type Codec struct{}

func (Codec) Encode(e Event) (string, string, []byte, error) {
	switch {
	case e.InvoiceCreated != nil:
		payload, err := json.Marshal(e.InvoiceCreated)
		return eventTypeInvoiceCreated, eventVersion, payload, err
	case e.PaymentPending != nil:
		payload, err := json.Marshal(e.PaymentPending)
		return eventTypePaymentPending, eventVersion, payload, err
	case e.PaymentConfirmed != nil:
		payload, err := json.Marshal(e.PaymentConfirmed)
		return eventTypePaymentConfirmed, eventVersion, payload, err
	default:
		return "", "", nil, coreerr.New(coreerr.Event, "empty OnChainInvoice event")
	}
}

func (Codec) Decode(eventType, _ string, payload []byte) (Event, error) {
	switch eventType {
	case eventTypeInvoiceCreated:
		var e InvoiceCreated
		if err := json.Unmarshal(payload, &e); err != nil {
			return Event{}, coreerr.Wrap(err, coreerr.Event)
		}
		return Event{InvoiceCreated: &e}, nil
	case eventTypePaymentPending:
		var e PaymentPending
		if err := json.Unmarshal(payload, &e); err != nil {
			return Event{}, coreerr.Wrap(err, coreerr.Event)
		}
		return Event{PaymentPending: &e}, nil
	case eventTypePaymentConfirmed:
		var e PaymentConfirmed
		if err := json.Unmarshal(payload, &e); err != nil {
			return Event{}, coreerr.Wrap(err, coreerr.Event)
		}
		return Event{PaymentConfirmed: &e}, nil
	default:
		return Event{}, coreerr.New(coreerr.Event, "unknown OnChainInvoice event type "+eventType)
	}
}
