package payment

import "fmt"

// Amount is an integer count of a currency's minor unit: satoshis for BTC,
// cents for every fiat currency in the enum. Using an integer minor-unit
// count instead of a floating-point major-unit value keeps every arithmetic
// operation exact.
type Amount struct {
	Currency   Currency
	MinorUnits uint64
}

// NewAmount constructs an Amount, rejecting any currency outside the closed
// enum in currency.go.
func NewAmount(currency Currency, minorUnits uint64) (Amount, error) {
	if !currency.Valid() {
		return Amount{}, ErrInvalidCurrency{Currency: currency}
	}
	return Amount{Currency: currency, MinorUnits: minorUnits}, nil
}

// Zero returns a zero-valued Amount in the given currency.
func Zero(currency Currency) Amount {
	return Amount{Currency: currency, MinorUnits: 0}
}

// Sats constructs a BTC Amount directly from a satoshi count. This is the
// constructor the mapper uses for the amounts node stream adapters report:
// on-chain and Lightning balances are reported in satoshis.
func Sats(sats uint64) Amount {
	return Amount{Currency: BTC, MinorUnits: sats}
}

func (a Amount) String() string {
	return fmt.Sprintf("%d %s", a.MinorUnits, a.Currency)
}

// IsZero reports whether the amount is exactly zero, regardless of currency.
func (a Amount) IsZero() bool {
	return a.MinorUnits == 0
}

// Add returns a + b. Both operands must share a currency.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, ErrCurrencyMismatch{Left: a.Currency, Right: b.Currency}
	}
	return Amount{Currency: a.Currency, MinorUnits: a.MinorUnits + b.MinorUnits}, nil
}

// Sub returns a - b. Both operands must share a currency, and the result
// must not underflow; ErrInsufficientAmount is returned if b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, ErrCurrencyMismatch{Left: a.Currency, Right: b.Currency}
	}
	if b.MinorUnits > a.MinorUnits {
		return Amount{}, ErrInsufficientAmount{Have: a, Want: b}
	}
	return Amount{Currency: a.Currency, MinorUnits: a.MinorUnits - b.MinorUnits}, nil
}

// Cmp compares a to b, both of which must share a currency. It returns -1,
// 0, or 1 the way bytes.Compare does.
func (a Amount) Cmp(b Amount) (int, error) {
	if a.Currency != b.Currency {
		return 0, ErrCurrencyMismatch{Left: a.Currency, Right: b.Currency}
	}
	switch {
	case a.MinorUnits < b.MinorUnits:
		return -1, nil
	case a.MinorUnits > b.MinorUnits:
		return 1, nil
	default:
		return 0, nil
	}
}

// GreaterThanOrEqual reports whether a >= b. Both operands must share a
// currency; a currency mismatch is treated as false.
func (a Amount) GreaterThanOrEqual(b Amount) bool {
	cmp, err := a.Cmp(b)
	return err == nil && cmp >= 0
}

// ErrInsufficientAmount is returned by Sub when the subtrahend exceeds the
// minuend.
type ErrInsufficientAmount struct {
	Have Amount
	Want Amount
}

func (e ErrInsufficientAmount) Error() string {
	return fmt.Sprintf("insufficient amount: have %s, want to subtract %s", e.Have, e.Want)
}
