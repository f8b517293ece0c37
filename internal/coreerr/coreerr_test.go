package coreerr_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/payday/internal/coreerr"
)

func TestWrap_PreservesKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := coreerr.Wrap(cause, coreerr.Connect)

	kind, ok := coreerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coreerr.Connect, kind)
	assert.ErrorIs(t, err, cause)
}

func TestWrap_Nil(t *testing.T) {
	assert.Nil(t, coreerr.Wrap(nil, coreerr.Db))
}

func TestIs_MatchesByKindNotMessage(t *testing.T) {
	a := coreerr.New(coreerr.Db, "connection pool exhausted")
	b := coreerr.New(coreerr.Db, "statement timeout")

	assert.True(t, coreerr.IsKind(a, coreerr.Db))
	assert.True(t, coreerr.IsKind(b, coreerr.Db))
	assert.False(t, coreerr.IsKind(a, coreerr.NodeApi))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		kind coreerr.Kind
		want bool
	}{
		{coreerr.Connect, true},
		{coreerr.NodeApi, true},
		{coreerr.Db, true},
		{coreerr.InvalidBitcoinAddress, false},
		{coreerr.InvoiceAlreadyExists, false},
		{coreerr.InvalidCurrency, false},
		{coreerr.InvalidAmount, false},
		{coreerr.ServiceError, false},
		{coreerr.InvoiceDetailsCreation, false},
		{coreerr.InvalidPaymentType, false},
		{coreerr.InvalidInvoiceState, false},
	}

	for _, tt := range tests {
		err := coreerr.New(tt.kind, "boom")
		assert.Equal(t, tt.want, coreerr.IsTransient(err), "kind=%s", tt.kind)
	}
}

func TestKindOf_NonCoreError(t *testing.T) {
	_, ok := coreerr.KindOf(errors.New("plain error"))
	assert.False(t, ok)
}
