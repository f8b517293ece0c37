package lightninginvoice_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/payday/internal/aggregate/lightninginvoice"
	"gitlab.com/arcanecrypto/payday/internal/coreerr"
	"gitlab.com/arcanecrypto/payday/internal/payment"
)

// createdInvoice returns a LightningInvoice already past CreateInvoice,
// folded directly from a synthetic InvoiceCreated event. Handle's
// CreateInvoice path is exercised separately in TestCreateInvoice_*; tests
// that only care about post-creation behavior skip decoding a real BOLT11
// string by applying the event state directly.
func createdInvoice(amountSats uint64) *lightninginvoice.LightningInvoice {
	inv := lightninginvoice.New()
	inv.Apply(lightninginvoice.Event{InvoiceCreated: &lightninginvoice.InvoiceCreated{
		InvoiceID: "inv-1",
		NodeID:    "node1",
		RHash:     "deadbeef",
		Amount:    payment.Sats(amountSats),
		Invoice:   "lnbc...",
	}})
	return inv
}

func TestCreateInvoice_RejectsNonBtcCurrency(t *testing.T) {
	inv := lightninginvoice.New()
	_, err := inv.Handle(context.Background(), lightninginvoice.Command{
		CreateInvoice: &lightninginvoice.CreateInvoiceCommand{
			InvoiceID: "inv-1",
			Amount:    payment.Zero(payment.USD),
			Invoice:   "lnbc1...",
		},
	})
	require.Error(t, err)
	assert.True(t, coreerr.IsKind(err, coreerr.InvalidCurrency))
}

func TestCreateInvoice_AlreadyExists(t *testing.T) {
	inv := createdInvoice(100_000)
	_, err := inv.Handle(context.Background(), lightninginvoice.Command{
		CreateInvoice: &lightninginvoice.CreateInvoiceCommand{
			InvoiceID: "inv-2",
			Amount:    payment.Sats(100_000),
			Invoice:   "lnbc1...",
		},
	})
	require.Error(t, err)
	assert.True(t, coreerr.IsKind(err, coreerr.InvoiceAlreadyExists))
}

func TestCreateInvoice_RejectsUndecodableInvoice(t *testing.T) {
	inv := lightninginvoice.New()
	_, err := inv.Handle(context.Background(), lightninginvoice.Command{
		CreateInvoice: &lightninginvoice.CreateInvoiceCommand{
			InvoiceID: "inv-1",
			Amount:    payment.Sats(100_000),
			Invoice:   "not a bolt11 invoice",
		},
	})
	require.Error(t, err)
	assert.True(t, coreerr.IsKind(err, coreerr.InvalidLightningInvoice))
}

func TestSettleInvoice(t *testing.T) {
	tests := []struct {
		name           string
		invoiceAmount  uint64
		receivedAmount uint64
		wantOverpaid   bool
		wantPaid       bool
	}{
		{name: "exact amount", invoiceAmount: 100_000, receivedAmount: 100_000, wantPaid: true},
		{name: "overpayment", invoiceAmount: 100_000, receivedAmount: 100_001, wantOverpaid: true, wantPaid: true},
		{name: "underpayment not yet paid", invoiceAmount: 100_000, receivedAmount: 99_999, wantPaid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := createdInvoice(tt.invoiceAmount)
			events, err := inv.Handle(context.Background(), lightninginvoice.Command{
				SettleInvoice: &lightninginvoice.SettleInvoiceCommand{ReceivedAmount: payment.Sats(tt.receivedAmount)},
			})
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.NotNil(t, events[0].InvoiceSettled)
			assert.Equal(t, tt.wantOverpaid, events[0].InvoiceSettled.Overpaid)
			assert.Equal(t, tt.wantPaid, events[0].InvoiceSettled.Paid)
		})
	}
}

// TestSettleInvoice_NoopOncePaid pins the absorbing-state invariant: once
// paid==true, SettleInvoice must be absorbed rather than emit a second
// InvoiceSettled.
func TestSettleInvoice_NoopOncePaid(t *testing.T) {
	inv := createdInvoice(100_000)

	events, err := inv.Handle(context.Background(), lightninginvoice.Command{
		SettleInvoice: &lightninginvoice.SettleInvoiceCommand{ReceivedAmount: payment.Sats(100_000)},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	inv.Apply(events[0])
	require.True(t, inv.Paid)

	events, err = inv.Handle(context.Background(), lightninginvoice.Command{
		SettleInvoice: &lightninginvoice.SettleInvoiceCommand{ReceivedAmount: payment.Sats(100_000)},
	})
	require.NoError(t, err)
	assert.Empty(t, events, "SettleInvoice must be absorbed once paid")
}

func TestCodec_RoundTrips(t *testing.T) {
	codec := lightninginvoice.Codec{}

	events := []lightninginvoice.Event{
		{InvoiceCreated: &lightninginvoice.InvoiceCreated{InvoiceID: "inv-1", NodeID: "node1", RHash: "deadbeef", Amount: payment.Sats(1), Invoice: "lnbc..."}},
		{InvoiceSettled: &lightninginvoice.InvoiceSettled{ReceivedAmount: payment.Sats(1), Paid: true}},
	}

	for _, event := range events {
		eventType, version, payload, err := codec.Encode(event)
		require.NoError(t, err)
		assert.NotEmpty(t, eventType)
		assert.NotEmpty(t, version)

		decoded, err := codec.Decode(eventType, version, payload)
		require.NoError(t, err)
		assert.Equal(t, event, decoded)
	}
}
