// Package nodestream defines the uniform shape every wallet-node adapter
// produces: a closed set of on-chain and Lightning transaction events, and
// the two-phase (catch-up then tail) subscription contract adapters
// implement. Concrete adapters live in the lndstream and bitcoindstream
// subpackages.
package nodestream

import "context"

// Adapter is implemented once per connected wallet node. An adapter that
// only speaks one protocol (e.g. bitcoind has no Lightning surface) may
// return a non-nil error immediately from the stream method it doesn't
// support; the coordinator logs and continues with its other adapters.
type Adapter interface {
	// NodeID identifies this node for offset-store namespacing and log
	// correlation. Stable for the lifetime of the configuration entry
	// that produced this adapter.
	NodeID() string

	// SubscribeOnChainTransactions starts the two-phase subscription
	// described in the package doc: catch-up from startHeight (if
	// non-nil) in ascending block-height order, then a live tail in
	// arrival order. Every produced event is sent on out. The method
	// returns once the catch-up phase has been handed off to a
	// background tail goroutine; ctx cancellation stops both phases.
	SubscribeOnChainTransactions(ctx context.Context, out chan<- OnChainTransactionEvent, startHeight *uint64) error

	// SubscribeLightningTransactions is SubscribeOnChainTransactions's
	// Lightning counterpart, resuming from startSettleIndex.
	SubscribeLightningTransactions(ctx context.Context, out chan<- LightningTransactionEvent, startSettleIndex *uint64) error
}

// OnChainTransactionEventKind is the closed set of on-chain observation
// variants a node stream can report.
type OnChainTransactionEventKind string

const (
	ReceivedUnconfirmed OnChainTransactionEventKind = "received_unconfirmed"
	ReceivedConfirmed   OnChainTransactionEventKind = "received_confirmed"
	SentUnconfirmed     OnChainTransactionEventKind = "sent_unconfirmed"
	SentConfirmed       OnChainTransactionEventKind = "sent_confirmed"
)

// OnChainTransactionEvent is the uniform shape every on-chain-capable
// adapter (lndstream, bitcoindstream) produces, regardless of the
// underlying node's own wire format.
type OnChainTransactionEvent struct {
	Kind          OnChainTransactionEventKind
	NodeID        string
	TxID          string
	Address       string
	AmountSat     uint64
	BlockHeight   uint64
	Confirmations uint32
}

// InvoiceState mirrors LND's lnrpc.Invoice_InvoiceState encoding exactly,
// since that is the only node type in this pack with Lightning invoice
// states to report. LNDSettled is the sole state the mapper ever acts on;
// every other state is filtered out at the adapter boundary.
type InvoiceState int32

const (
	LNDOpen     InvoiceState = 0
	LNDSettled  InvoiceState = 1
	LNDCanceled InvoiceState = 2
	LNDAccepted InvoiceState = 3
)

// LightningTransactionEvent is the uniform shape a Lightning-capable
// adapter produces. Only Settled invoices ever reach the mapper; adapters
// are responsible for filtering InvoiceState before constructing this.
type LightningTransactionEvent struct {
	NodeID      string
	RHash       string
	Invoice     string
	ValueSat    uint64
	AmountPaid  uint64
	SettleIndex uint64
	Memo        string
	CreatedAt   int64
	SettledAt   int64
}
