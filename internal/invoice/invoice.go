// Package invoice implements the composite Invoice aggregate: a single
// customer-facing invoice that fans its creation out across one or more
// payment types (on-chain, Lightning) and is marked paid by the first
// settlement on any one of them; an underpaid settlement also marks it
// paid, with Underpayment set.
package invoice

import (
	"context"
	"encoding/json"

	"gitlab.com/arcanecrypto/payday/build/teslalog"
	"gitlab.com/arcanecrypto/payday/internal/coreerr"
	"gitlab.com/arcanecrypto/payday/internal/payment"
)

var log = teslalog.New("INVC")

// UseLogger rebinds the package logger. Called once by build.init().
func UseLogger(logger *teslalog.Logger) {
	log = logger
}

const AggregateType = "Invoice"

// PaymentType names one of the concrete payment rails an Invoice can be
// settled through.
type PaymentType string

const (
	OnChain   PaymentType = "on_chain"
	Lightning PaymentType = "lightning"
)

// Details is the per-payment-type artifact InvoiceServiceApi.CreateInvoice
// produces: enough for a client to actually pay (an address or BOLT11
// string) plus the sub-aggregate id the mapper will later route settlement
// commands to.
type Details struct {
	PaymentType PaymentType
	AggregateID string
	PaymentInfo string
}

// InvoiceServiceApi is implemented once per payment rail and reaches Handle
// through CreateInvoiceCommand.Services. It is the seam the
// aggregate uses to actually create a sub-invoice (an on-chain address
// reservation, a BOLT11 request) without depending on the node stream
// adapters directly.
type InvoiceServiceApi interface {
	CreateInvoice(ctx context.Context, invoiceID, nodeID string, paymentType PaymentType, amount payment.Amount, memo string) (Details, error)
}

// Invoice is the folded state of a composite invoice.
type Invoice struct {
	InvoiceID      string
	NodeID         string
	PaymentTypes   []PaymentType
	InvoiceAmount  payment.Amount
	ReceivedAmount payment.Amount
	Underpayment   bool
	Overpayment    bool
	Paid           bool
	Details        []Details
	UsedType       PaymentType
}

// New returns a fresh, uncreated Invoice.
func New() *Invoice {
	return &Invoice{
		InvoiceAmount:  payment.Zero(payment.BTC),
		ReceivedAmount: payment.Zero(payment.BTC),
	}
}

func (i *Invoice) AggregateType() string { return AggregateType }

// Command is the closed set of operations an Invoice can handle. Exactly
// one of the pointer fields is non-nil.
type Command struct {
	CreateInvoice *CreateInvoiceCommand
	MarkPaid      *MarkPaidCommand
}

type CreateInvoiceCommand struct {
	InvoiceID    string
	NodeID       string
	Amount       payment.Amount
	Memo         string
	PaymentTypes []PaymentType
	Services     InvoiceServiceApi
}

// MarkPaidCommand records a settlement on one of the Invoice's
// sub-aggregates against the parent invoice. Neither the mapper nor the
// ingestion coordinator issues it.
type MarkPaidCommand struct {
	PaymentType    PaymentType
	ReceivedAmount payment.Amount
	Details        *Details
}

// Event is the closed set of facts an Invoice can emit and fold.
type Event struct {
	Created *Created
	Paid    *Paid
}

type Created struct {
	InvoiceID     string
	NodeID        string
	Amount        payment.Amount
	PaymentTypes  []PaymentType
	InvoiceDetail []Details
}

type Paid struct {
	PaymentType    PaymentType
	ReceivedAmount payment.Amount
	Underpayment   bool
	Overpayment    bool
	Details        *Details
}

// Handle implements cqrs.Aggregate. Unlike the leaf aggregates, CreateInvoice
// performs I/O (through Services) because creating a composite invoice means
// asking every configured payment rail to actually reserve a sub-invoice;
// the aggregate can't know which rails will succeed without calling them.
func (i *Invoice) Handle(ctx context.Context, cmd Command) ([]Event, error) {
	switch {
	case cmd.CreateInvoice != nil:
		return i.handleCreateInvoice(ctx, cmd.CreateInvoice)
	case cmd.MarkPaid != nil:
		return i.handleMarkPaid(cmd.MarkPaid)
	default:
		return nil, coreerr.New(coreerr.InvalidInvoiceState, "empty command")
	}
}

func (i *Invoice) handleCreateInvoice(ctx context.Context, cmd *CreateInvoiceCommand) ([]Event, error) {
	if i.InvoiceID != "" {
		return nil, coreerr.New(coreerr.InvoiceAlreadyExists, "invoice "+cmd.InvoiceID+" already exists")
	}

	var details []Details
	for _, paymentType := range cmd.PaymentTypes {
		d, err := cmd.Services.CreateInvoice(ctx, cmd.InvoiceID, cmd.NodeID, paymentType, cmd.Amount, cmd.Memo)
		if err != nil {
			log.WithField("invoice_id", cmd.InvoiceID).
				WithField("payment_type", paymentType).
				WithError(err).
				Warn("payment type could not create a sub-invoice, skipping")
			continue
		}
		details = append(details, d)
	}

	// Here we could add failover if a node can not produce invoices.
	if len(details) == 0 {
		return nil, coreerr.New(coreerr.InvoiceDetailsCreation,
			"could not create any sub-invoices for invoice "+cmd.InvoiceID+" on node "+cmd.NodeID)
	}

	return []Event{{Created: &Created{
		InvoiceID:     cmd.InvoiceID,
		NodeID:        cmd.NodeID,
		Amount:        cmd.Amount,
		PaymentTypes:  cmd.PaymentTypes,
		InvoiceDetail: details,
	}}}, nil
}

// handleMarkPaid absorbs the command once the invoice is already paid: only
// the first sub-invoice to settle determines UsedType, and every later
// settlement on another rail for the same invoice is a no-op.
func (i *Invoice) handleMarkPaid(cmd *MarkPaidCommand) ([]Event, error) {
	if i.Paid {
		return nil, nil
	}

	cmp, err := cmd.ReceivedAmount.Cmp(i.InvoiceAmount)
	if err != nil {
		return nil, coreerr.Wrap(err, coreerr.InvalidAmount)
	}

	return []Event{{Paid: &Paid{
		PaymentType:    cmd.PaymentType,
		ReceivedAmount: cmd.ReceivedAmount,
		Underpayment:   cmp < 0,
		Overpayment:    cmp > 0,
		Details:        cmd.Details,
	}}}, nil
}

// Apply implements cqrs.Aggregate.
func (i *Invoice) Apply(event Event) {
	switch {
	case event.Created != nil:
		e := event.Created
		i.InvoiceID = e.InvoiceID
		i.NodeID = e.NodeID
		i.InvoiceAmount = e.Amount
		i.PaymentTypes = e.PaymentTypes
		i.Details = e.InvoiceDetail
	case event.Paid != nil:
		e := event.Paid
		i.ReceivedAmount = e.ReceivedAmount
		i.Underpayment = e.Underpayment
		i.Overpayment = e.Overpayment
		i.Paid = true
		i.UsedType = e.PaymentType
	}
}

const (
	eventTypeCreated = "InvoiceCreated"
	eventTypePaid    = "InvoicePaid"
	eventVersion     = "1.0.0"
)

// Codec implements cqrs.EventCodec[Event] for the Postgres-backed event log.
type Codec struct{}

func (Codec) Encode(e Event) (string, string, []byte, error) {
	switch {
	case e.Created != nil:
		payload, err := json.Marshal(e.Created)
		return eventTypeCreated, eventVersion, payload, err
	case e.Paid != nil:
		payload, err := json.Marshal(e.Paid)
		return eventTypePaid, eventVersion, payload, err
	default:
		return "", "", nil, coreerr.New(coreerr.Event, "empty Invoice event")
	}
}

func (Codec) Decode(eventType, _ string, payload []byte) (Event, error) {
	switch eventType {
	case eventTypeCreated:
		var e Created
		if err := json.Unmarshal(payload, &e); err != nil {
			return Event{}, coreerr.Wrap(err, coreerr.Event)
		}
		return Event{Created: &e}, nil
	case eventTypePaid:
		var e Paid
		if err := json.Unmarshal(payload, &e); err != nil {
			return Event{}, coreerr.Wrap(err, coreerr.Event)
		}
		return Event{Paid: &e}, nil
	default:
		return Event{}, coreerr.New(coreerr.Event, "unknown Invoice event type "+eventType)
	}
}
