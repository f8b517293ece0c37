// Package lightninginvoice implements the LightningInvoice aggregate: an
// invoice settled by paying a BOLT11 payment request, watched for by its
// payment hash (r_hash).
package lightninginvoice

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"

	"gitlab.com/arcanecrypto/payday/build/teslalog"
	"gitlab.com/arcanecrypto/payday/internal/coreerr"
	"gitlab.com/arcanecrypto/payday/internal/payment"
)

var log = teslalog.New("LTNG")

// UseLogger rebinds the package logger. Called once by build.init().
func UseLogger(logger *teslalog.Logger) {
	log = logger
}

const AggregateType = "LightningInvoice"

// LightningInvoice is the folded state of a single Lightning-settled
// invoice. The zero value is a valid "not yet created" aggregate.
type LightningInvoice struct {
	InvoiceID      string
	NodeID         string
	RHash          string
	Invoice        string
	Amount         payment.Amount
	ReceivedAmount payment.Amount
	Overpaid       bool
	Paid           bool
}

// New returns a fresh, uncreated LightningInvoice.
func New() *LightningInvoice {
	return &LightningInvoice{
		Amount:         payment.Zero(payment.BTC),
		ReceivedAmount: payment.Zero(payment.BTC),
	}
}

func (i *LightningInvoice) AggregateType() string { return AggregateType }

// Command is the closed set of operations a LightningInvoice can handle.
// Exactly one of the pointer fields is non-nil.
type Command struct {
	CreateInvoice *CreateInvoiceCommand
	SettleInvoice *SettleInvoiceCommand
}

// CreateInvoiceCommand carries the raw BOLT11 payment request string; the
// payment hash is derived from it during Handle, not supplied by the
// caller, so a malformed invoice is rejected at the aggregate boundary
// rather than trusted from upstream.
type CreateInvoiceCommand struct {
	InvoiceID string
	NodeID    string
	Amount    payment.Amount
	Invoice   string
	Network   *chaincfg.Params
}

type SettleInvoiceCommand struct {
	ReceivedAmount payment.Amount
}

// Event is the closed set of facts a LightningInvoice can emit and fold.
type Event struct {
	InvoiceCreated *InvoiceCreated
	InvoiceSettled *InvoiceSettled
}

type InvoiceCreated struct {
	InvoiceID string
	NodeID    string
	RHash     string
	Amount    payment.Amount
	Invoice   string
}

type InvoiceSettled struct {
	ReceivedAmount payment.Amount
	Overpaid       bool
	Paid           bool
}

// Handle implements cqrs.Aggregate.
func (i *LightningInvoice) Handle(_ context.Context, cmd Command) ([]Event, error) {
	switch {
	case cmd.CreateInvoice != nil:
		return i.handleCreateInvoice(cmd.CreateInvoice)
	case cmd.SettleInvoice != nil:
		return i.handleSettleInvoice(cmd.SettleInvoice)
	default:
		return nil, coreerr.New(coreerr.InvalidInvoiceState, "empty command")
	}
}

func (i *LightningInvoice) handleCreateInvoice(cmd *CreateInvoiceCommand) ([]Event, error) {
	if cmd.Amount.Currency != payment.BTC {
		return nil, coreerr.New(coreerr.InvalidCurrency,
			"lightning invoice amount must be denominated in BTC, got "+string(cmd.Amount.Currency))
	}
	if i.InvoiceID != "" {
		return nil, coreerr.New(coreerr.InvoiceAlreadyExists, "invoice "+cmd.InvoiceID+" already exists")
	}

	network := cmd.Network
	if network == nil {
		network = &chaincfg.MainNetParams
	}

	decoded, err := zpay32.Decode(cmd.Invoice, network)
	if err != nil {
		return nil, coreerr.Wrap(err, coreerr.InvalidLightningInvoice)
	}
	if decoded.PaymentHash == nil {
		return nil, coreerr.New(coreerr.InvalidLightningInvoice, "invoice has no payment hash")
	}
	rHash := hex.EncodeToString(decoded.PaymentHash[:])

	return []Event{{InvoiceCreated: &InvoiceCreated{
		InvoiceID: cmd.InvoiceID,
		NodeID:    cmd.NodeID,
		RHash:     rHash,
		Amount:    cmd.Amount,
		Invoice:   cmd.Invoice,
	}}}, nil
}

// handleSettleInvoice absorbs the command once paid==true: a settled
// invoice never un-settles, and the node stream may redeliver the same
// settlement notification after a reconnect.
func (i *LightningInvoice) handleSettleInvoice(cmd *SettleInvoiceCommand) ([]Event, error) {
	if i.Paid {
		return nil, nil
	}

	cmp, err := cmd.ReceivedAmount.Cmp(i.Amount)
	if err != nil {
		return nil, coreerr.Wrap(err, coreerr.InvalidAmount)
	}

	return []Event{{InvoiceSettled: &InvoiceSettled{
		ReceivedAmount: cmd.ReceivedAmount,
		Overpaid:       cmp > 0,
		Paid:           cmp >= 0,
	}}}, nil
}

// Apply implements cqrs.Aggregate.
func (i *LightningInvoice) Apply(event Event) {
	switch {
	case event.InvoiceCreated != nil:
		e := event.InvoiceCreated
		i.InvoiceID = e.InvoiceID
		i.NodeID = e.NodeID
		i.RHash = e.RHash
		i.Amount = e.Amount
		i.Invoice = e.Invoice
	case event.InvoiceSettled != nil:
		e := event.InvoiceSettled
		i.ReceivedAmount = e.ReceivedAmount
		i.Overpaid = e.Overpaid
		i.Paid = e.Paid
	}
}

const (
	eventTypeInvoiceCreated = "LightningInvoiceCreated"
	eventTypeInvoiceSettled = "LightningInvoiceSettled"
	eventVersion            = "1.0.0"
)

// Codec implements cqrs.EventCodec[Event] for the Postgres-backed event log.
type Codec struct{}

func (Codec) Encode(e Event) (string, string, []byte, error) {
	switch {
	case e.InvoiceCreated != nil:
		payload, err := json.Marshal(e.InvoiceCreated)
		return eventTypeInvoiceCreated, eventVersion, payload, err
	case e.InvoiceSettled != nil:
		payload, err := json.Marshal(e.InvoiceSettled)
		return eventTypeInvoiceSettled, eventVersion, payload, err
	default:
		return "", "", nil, coreerr.New(coreerr.Event, "empty LightningInvoice event")
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
	case eventTypeInvoiceSettled:
		var e InvoiceSettled
		if err := json.Unmarshal(payload, &e); err != nil {
			return Event{}, coreerr.Wrap(err, coreerr.Event)
		}
		return Event{InvoiceSettled: &e}, nil
	default:
		return Event{}, coreerr.New(coreerr.Event, "unknown LightningInvoice event type "+eventType)
	}
}
