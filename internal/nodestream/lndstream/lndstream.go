// Package lndstream implements nodestream.Adapter against an LND node over
// its gRPC lnrpc.LightningClient, the same connection shape teslacoil's
// ln.NewLNDClient dials: catch-up replays lnd's own transaction/invoice
// history via GetTransactions/ListInvoices, and the tail follows lnd's
// SubscribeTransactions/SubscribeInvoices streams.
package lndstream

import (
	"context"
	"encoding/hex"
	"io"

	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc"

	"gitlab.com/arcanecrypto/payday/build/teslalog"
	"gitlab.com/arcanecrypto/payday/internal/coreerr"
	"gitlab.com/arcanecrypto/payday/internal/nodestream"
)

var log = teslalog.New("LNDS")

// UseLogger rebinds the package logger. Called once by build.init().
func UseLogger(logger *teslalog.Logger) {
	log = logger
}

// Client is the subset of lnrpc.LightningClient this adapter depends on.
// Narrowing the dependency to an interface (teslacoil's
// AddLookupInvoiceClient/DecodeSendClient pattern in ln/ln.go) keeps the
// adapter mockable without a live lnd node.
type Client interface {
	GetTransactions(ctx context.Context, in *lnrpc.GetTransactionsRequest, opts ...grpc.CallOption) (*lnrpc.TransactionDetails, error)
	SubscribeTransactions(ctx context.Context, in *lnrpc.GetTransactionsRequest, opts ...grpc.CallOption) (lnrpc.Lightning_SubscribeTransactionsClient, error)
	ListInvoices(ctx context.Context, in *lnrpc.ListInvoiceRequest, opts ...grpc.CallOption) (*lnrpc.ListInvoiceResponse, error)
	SubscribeInvoices(ctx context.Context, in *lnrpc.InvoiceSubscription, opts ...grpc.CallOption) (lnrpc.Lightning_SubscribeInvoicesClient, error)
}

// Adapter is the lnd-backed nodestream.Adapter.
type Adapter struct {
	nodeID string
	client Client
}

// New constructs an Adapter for the lnd node identified by nodeID, reached
// through client (normally lnrpc.NewLightningClient, dialed per
// ln.NewLNDClient).
func New(nodeID string, client Client) *Adapter {
	return &Adapter{nodeID: nodeID, client: client}
}

var _ nodestream.Adapter = (*Adapter)(nil)

// NodeID identifies this node for offset-store namespacing.
func (a *Adapter) NodeID() string { return a.nodeID }

// SubscribeOnChainTransactions implements the two-phase subscription: a
// catch-up replay of lnd's wallet transaction history from startHeight (if
// given) in ascending block-height order, then a live tail following
// SubscribeTransactions in arrival order.
func (a *Adapter) SubscribeOnChainTransactions(ctx context.Context, out chan<- nodestream.OnChainTransactionEvent, startHeight *uint64) error {
	var startHeightInt32 int32
	if startHeight != nil {
		startHeightInt32 = int32(*startHeight)
	}

	details, err := a.client.GetTransactions(ctx, &lnrpc.GetTransactionsRequest{StartHeight: startHeightInt32})
	if err != nil {
		return coreerr.Wrapf(err, coreerr.NodeApi, "GetTransactions from height %d", startHeightInt32)
	}

	for _, tx := range details.Transactions {
		event, ok := a.translateOnChain(tx)
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case out <- event:
		}
	}

	stream, err := a.client.SubscribeTransactions(ctx, &lnrpc.GetTransactionsRequest{})
	if err != nil {
		return coreerr.Wrap(err, coreerr.NodeApi)
	}

	go a.tailOnChain(ctx, stream, out)
	return nil
}

func (a *Adapter) tailOnChain(ctx context.Context, stream lnrpc.Lightning_SubscribeTransactionsClient, out chan<- nodestream.OnChainTransactionEvent) {
	for {
		tx, err := stream.Recv()
		if err != nil {
			if err != io.EOF {
				log.WithField("node_id", a.nodeID).WithError(err).Warn("on-chain transaction stream ended")
			}
			return
		}

		event, ok := a.translateOnChain(tx)
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- event:
		}
	}
}

// translateOnChain converts a single lnrpc.Transaction into our uniform
// OnChainTransactionEvent, reported under the first of its DestAddresses.
// ok is false only for a transaction with no destination address; the
// address is not checked against the wallet. A translation failure drops
// the single item rather than aborting the whole stream.
func (a *Adapter) translateOnChain(tx *lnrpc.Transaction) (nodestream.OnChainTransactionEvent, bool) {
	if len(tx.DestAddresses) == 0 {
		return nodestream.OnChainTransactionEvent{}, false
	}

	kind := nodestream.ReceivedUnconfirmed
	switch {
	case tx.Amount < 0 && tx.NumConfirmations > 0:
		kind = nodestream.SentConfirmed
	case tx.Amount < 0:
		kind = nodestream.SentUnconfirmed
	case tx.NumConfirmations > 0:
		kind = nodestream.ReceivedConfirmed
	}

	amount := tx.Amount
	if amount < 0 {
		amount = -amount
	}

	return nodestream.OnChainTransactionEvent{
		Kind:          kind,
		NodeID:        a.nodeID,
		TxID:          tx.TxHash,
		Address:       tx.DestAddresses[0],
		AmountSat:     uint64(amount),
		BlockHeight:   uint64(tx.BlockHeight),
		Confirmations: uint32(tx.NumConfirmations),
	}, true
}

// SubscribeLightningTransactions catches up on settled invoices from
// startSettleIndex via ListInvoices, then tails SubscribeInvoices,
// filtering to settled invoices only (nodestream.LNDSettled).
func (a *Adapter) SubscribeLightningTransactions(ctx context.Context, out chan<- nodestream.LightningTransactionEvent, startSettleIndex *uint64) error {
	var index uint64
	if startSettleIndex != nil {
		index = *startSettleIndex
	}

	resp, err := a.client.ListInvoices(ctx, &lnrpc.ListInvoiceRequest{
		PendingOnly:    false,
		IndexOffset:    index,
		NumMaxInvoices: 0,
	})
	if err != nil {
		return coreerr.Wrapf(err, coreerr.NodeApi, "ListInvoices from settle index %d", index)
	}

	for _, inv := range resp.Invoices {
		event, ok := a.translateInvoice(inv)
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case out <- event:
		}
	}

	stream, err := a.client.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{SettleIndex: index})
	if err != nil {
		return coreerr.Wrap(err, coreerr.NodeApi)
	}

	go a.tailLightning(ctx, stream, out)
	return nil
}

func (a *Adapter) tailLightning(ctx context.Context, stream lnrpc.Lightning_SubscribeInvoicesClient, out chan<- nodestream.LightningTransactionEvent) {
	for {
		inv, err := stream.Recv()
		if err != nil {
			if err != io.EOF {
				log.WithField("node_id", a.nodeID).WithError(err).Warn("invoice stream ended")
			}
			return
		}

		event, ok := a.translateInvoice(inv)
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- event:
		}
	}
}

// translateInvoice filters to settled invoices (nodestream.LNDSettled) and
// converts the rest into our uniform LightningTransactionEvent.
func (a *Adapter) translateInvoice(inv *lnrpc.Invoice) (nodestream.LightningTransactionEvent, bool) {
	if nodestream.InvoiceState(inv.State) != nodestream.LNDSettled {
		return nodestream.LightningTransactionEvent{}, false
	}

	return nodestream.LightningTransactionEvent{
		NodeID:      a.nodeID,
		RHash:       hex.EncodeToString(inv.RHash),
		Invoice:     inv.PaymentRequest,
		ValueSat:    uint64(inv.Value),
		AmountPaid:  uint64(inv.AmtPaidSat),
		SettleIndex: inv.SettleIndex,
		Memo:        inv.Memo,
		CreatedAt:   inv.CreationDate,
		SettledAt:   inv.SettleDate,
	}, true
}
