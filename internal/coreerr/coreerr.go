// Package coreerr is the error taxonomy shared by every layer of the
// reconciliation engine: node adapters, the event log, the aggregates and
// the ingestion coordinator all classify failures into one of these kinds
// so callers can tell a transient node/database problem from a permanent
// domain rejection without string-matching error text.
package coreerr

import (
	"github.com/pkg/errors"
)

// Kind identifies the broad category a Error belongs to. Callers that need
// to decide between retrying and giving up switch on Kind rather than on
// the wrapped error's message.
type Kind string

const (
	// Connect means the engine failed to establish or maintain a
	// connection to a node (bitcoind RPC/ZMQ, LND gRPC). Transient.
	Connect Kind = "ERR_CONNECT"
	// NodeApi means a connected node returned an error response to an
	// RPC call. Transient unless the node itself is misconfigured.
	NodeApi Kind = "ERR_NODE_API"
	// InvalidBitcoinAddress means a node stream reported a transaction
	// output address that failed to parse. Permanent for that event.
	InvalidBitcoinAddress Kind = "ERR_INVALID_BITCOIN_ADDRESS"
	// InvalidBitcoinNetwork means a configured or reported network
	// identifier didn't match any known chaincfg.Params. Permanent.
	InvalidBitcoinNetwork Kind = "ERR_INVALID_BITCOIN_NETWORK"
	// InvalidBitcoinAmount means a reported amount could not be
	// represented as a non-negative satoshi count. Permanent.
	InvalidBitcoinAmount Kind = "ERR_INVALID_BITCOIN_AMOUNT"
	// InvalidLightningInvoice means a BOLT11 payment request failed to
	// decode, or was missing a payment hash. Permanent.
	InvalidLightningInvoice Kind = "ERR_INVALID_LIGHTNING_INVOICE"
	// Db means a storage operation (event log, offset store, task
	// queue) against Postgres failed. Transient.
	Db Kind = "ERR_DB"
	// Event means the event log rejected an append, typically due to an
	// optimistic concurrency conflict on (aggregate_id, sequence).
	Event Kind = "ERR_EVENT"
	// PaymentProcessing means an aggregate-framework or publication
	// failure occurred, distinct from any of the Payment domain kinds
	// below (e.g. a query projection failed to apply an event).
	PaymentProcessing Kind = "ERR_PAYMENT_PROCESSING"
	// InvoiceAlreadyExists means CreateInvoice was called against an
	// aggregate that already has an invoice_id.
	InvoiceAlreadyExists Kind = "ERR_INVOICE_ALREADY_EXISTS"
	// InvalidCurrency means a command's Amount was denominated in a
	// currency the aggregate doesn't accept (spec.md S5: CreateInvoice
	// with a non-BTC amount against an on-chain or Lightning invoice).
	InvalidCurrency Kind = "ERR_INVALID_CURRENCY"
	// InvalidAmount means an Amount comparison or arithmetic operation
	// was attempted across mismatched currencies, or otherwise violated
	// Amount's invariants.
	InvalidAmount Kind = "ERR_INVALID_AMOUNT"
	// ServiceError means an injected collaborator (InvoiceServiceApi)
	// returned a failure unrelated to currency or payment-type validation.
	ServiceError Kind = "ERR_SERVICE_ERROR"
	// InvoiceDetailsCreation means the composite Invoice aggregate's
	// fan-out to per-payment-type invoice creation failed for every
	// configured payment type, leaving no InvoiceDetails to record.
	InvoiceDetailsCreation Kind = "ERR_INVOICE_DETAILS_CREATION"
	// InvalidPaymentType means a command or lookup referenced a
	// PaymentType the composite Invoice aggregate has no details for.
	InvalidPaymentType Kind = "ERR_INVALID_PAYMENT_TYPE"
	// LightningPaymentFailed means settlement reporting surfaced a
	// failed (as opposed to settled) Lightning payment state.
	LightningPaymentFailed Kind = "ERR_LIGHTNING_PAYMENT_FAILED"
	// InvalidInvoiceState means a command could not be matched to a
	// meaningful invoice operation (e.g. a Command with none of its
	// fields set, or a settled r_hash that resolves to no known invoice).
	InvalidInvoiceState Kind = "ERR_INVALID_INVOICE_STATE"
)

// coreError pairs a Kind with the underlying error it wraps. It implements
// the errors.Is contract so callers can compare against the exported
// sentinel values below regardless of the wrapped message.
type coreError struct {
	err  error
	kind Kind
}

func (e coreError) Error() string {
	return errors.Wrap(e.err, string(e.kind)).Error()
}

func (e coreError) Unwrap() error {
	return e.err
}

func (e coreError) Is(target error) bool {
	other, ok := target.(coreError)
	if !ok {
		return false
	}
	return e.kind == other.kind
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// coreError, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var ce coreError
	if errors.As(err, &ce) {
		return ce.kind, true
	}
	return "", false
}

// New builds a coreError of the given kind wrapping msg.
func New(kind Kind, msg string) error {
	return coreError{err: errors.New(msg), kind: kind}
}

// Wrap attaches kind to err, preserving err as the wrapped cause. Wrap
// returns nil if err is nil, matching errors.Wrap's convention.
func Wrap(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return coreError{err: err, kind: kind}
}

// Wrapf is Wrap with a formatted message prefixed onto err.
func Wrapf(err error, kind Kind, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return coreError{err: errors.Wrapf(err, format, args...), kind: kind}
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}

// IsTransient reports whether a failure of this kind is worth retrying:
// connection and node-API failures and database errors are transient;
// everything else reflects a permanent rejection of the event or command
// that produced it.
func IsTransient(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case Connect, NodeApi, Db:
		return true
	default:
		return false
	}
}
