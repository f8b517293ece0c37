// Package mapper implements the total, deterministic translation from raw
// node-stream events into the aggregate commands the CQRS substrate
// executes. This is the sole join point between the outside world (wallet
// node observations) and the durable event log: aggregate identity is
// decided here (address for on-chain, invoice_id for Lightning) and never
// again.
package mapper

import (
	"context"

	"gitlab.com/arcanecrypto/payday/build/teslalog"
	"gitlab.com/arcanecrypto/payday/internal/aggregate/lightninginvoice"
	"gitlab.com/arcanecrypto/payday/internal/aggregate/onchaininvoice"
	"gitlab.com/arcanecrypto/payday/internal/coreerr"
	"gitlab.com/arcanecrypto/payday/internal/nodestream"
	"gitlab.com/arcanecrypto/payday/internal/payment"
)

var log = teslalog.New("MAPR")

// UseLogger rebinds the package logger. Called once by build.init().
func UseLogger(logger *teslalog.Logger) {
	log = logger
}

// OnChainCommand pairs the aggregate identity (the bitcoin address) with
// the command to execute against it.
type OnChainCommand struct {
	AggregateID string
	Command     onchaininvoice.Command
}

// ToOnChainCommand translates a raw OnChainTransactionEvent into the
// command that must be executed against the OnChainInvoice aggregate
// identified by the transaction's address. The mapping is total: every
// OnChainTransactionEventKind the nodestream package defines has a case
// here, so this function never falls through to an error for a
// well-formed event.
func ToOnChainCommand(event nodestream.OnChainTransactionEvent) OnChainCommand {
	amount := payment.Sats(event.AmountSat)

	switch event.Kind {
	case nodestream.ReceivedConfirmed, nodestream.SentConfirmed:
		return OnChainCommand{
			AggregateID: event.Address,
			Command: onchaininvoice.Command{
				SetConfirmed: &onchaininvoice.SetConfirmedCommand{
					Confirmations: uint64(event.Confirmations),
					Amount:        amount,
					TransactionID: event.TxID,
				},
			},
		}
	default: // ReceivedUnconfirmed, SentUnconfirmed
		return OnChainCommand{
			AggregateID: event.Address,
			Command: onchaininvoice.Command{
				SetPending: &onchaininvoice.SetPendingCommand{Amount: amount},
			},
		}
	}
}

// LightningCommand pairs the resolved invoice_id aggregate identity with
// the command to execute against the LightningInvoice aggregate.
type LightningCommand struct {
	AggregateID string
	Command     lightninginvoice.Command
}

// InvoiceIDResolver resolves a Lightning payment hash (r_hash) to the
// invoice_id of the LightningInvoice aggregate it was created against.
// This indirection exists because the node stream only ever reports
// r_hash, never the caller-assigned invoice_id, so the mapper needs a
// lookup — backed by a read model kept current by InvoiceCreated events —
// to recover aggregate identity.
type InvoiceIDResolver interface {
	ResolveInvoiceID(ctx context.Context, rHash string) (invoiceID string, err error)
}

// ToLightningCommand translates a settled LightningTransactionEvent into a
// SettleInvoice command against the aggregate its r_hash resolves to.
// Only settled events ever reach this function; InvoiceState filtering
// happens at the adapter boundary (nodestream.LNDSettled), consistent with
// the mapper being total over the uniform event shape it's handed.
func ToLightningCommand(ctx context.Context, resolver InvoiceIDResolver, event nodestream.LightningTransactionEvent) (LightningCommand, error) {
	invoiceID, err := resolver.ResolveInvoiceID(ctx, event.RHash)
	if err != nil {
		return LightningCommand{}, coreerr.Wrapf(err, coreerr.InvalidInvoiceState,
			"resolving r_hash %s to invoice_id", event.RHash)
	}

	return LightningCommand{
		AggregateID: invoiceID,
		Command: lightninginvoice.Command{
			SettleInvoice: &lightninginvoice.SettleInvoiceCommand{
				ReceivedAmount: payment.Sats(event.AmountPaid),
			},
		},
	}, nil
}
