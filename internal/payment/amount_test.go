package payment_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/payday/internal/payment"
)

func TestNewAmount_RejectsUnknownCurrency(t *testing.T) {
	_, err := payment.NewAmount(payment.Currency("XBT"), 100)
	require.Error(t, err)
	assert.IsType(t, payment.ErrInvalidCurrency{}, err)
}

func TestAmount_Add(t *testing.T) {
	tests := []struct {
		name    string
		a       payment.Amount
		b       payment.Amount
		want    payment.Amount
		wantErr bool
	}{
		{
			name: "same currency sums minor units",
			a:    payment.Sats(100_000),
			b:    payment.Sats(50_000),
			want: payment.Sats(150_000),
		},
		{
			name:    "currency mismatch errors",
			a:       payment.Sats(1),
			b:       payment.Zero(payment.USD),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.a.Add(tt.b)
			if tt.wantErr {
				require.Error(t, err)
				assert.IsType(t, payment.ErrCurrencyMismatch{}, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmount_Sub_InsufficientAmount(t *testing.T) {
	_, err := payment.Sats(10).Sub(payment.Sats(20))
	require.Error(t, err)
	assert.IsType(t, payment.ErrInsufficientAmount{}, err)
}

func TestAmount_GreaterThanOrEqual(t *testing.T) {
	assert.True(t, payment.Sats(100).GreaterThanOrEqual(payment.Sats(100)))
	assert.True(t, payment.Sats(101).GreaterThanOrEqual(payment.Sats(100)))
	assert.False(t, payment.Sats(99).GreaterThanOrEqual(payment.Sats(100)))
	assert.False(t, payment.Sats(100).GreaterThanOrEqual(payment.Zero(payment.USD)))
}

func TestCurrency_MinorUnitsPerMajor(t *testing.T) {
	assert.Equal(t, uint64(100_000_000), payment.BTC.MinorUnitsPerMajor())
	assert.Equal(t, uint64(100), payment.USD.MinorUnitsPerMajor())
}
