package payment

import (
	"fmt"
	"math"
)

// Money is a monetary value in minor units (centavos, cents). Authorization
// arithmetic never touches floating point: decimal amounts are converted once
// at the boundary and summed as integers.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
}

// minorScale is the ISO 4217 exponent. Everything the protocol handles today
// is a 2-decimal fiat currency.
const minorScale = 100

// FromDecimal converts a decimal major-unit amount to Money. Amounts with
// more precision than the currency carries are rejected rather than rounded.
func FromDecimal(amount float64, currency string) (Money, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Money{}, fmt.Errorf("amount %v is not a finite number", amount)
	}
	scaled := amount * minorScale
	minor := math.Round(scaled)
	if math.Abs(scaled-minor) > 1e-6 {
		return Money{}, fmt.Errorf("amount %v has sub-minor-unit precision", amount)
	}
	if math.Abs(minor) > math.MaxInt64 {
		return Money{}, fmt.Errorf("amount %v overflows minor units", amount)
	}
	return Money{AmountMinor: int64(minor), Currency: currency}, nil
}

// Decimal converts back to major units for reporting.
func (m Money) Decimal() float64 {
	return float64(m.AmountMinor) / minorScale
}

// Add returns m + other. Currencies must match.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool { return m.AmountMinor > 0 }

func (m Money) String() string {
	return fmt.Sprintf("%s %d.%02d", m.Currency, m.AmountMinor/minorScale, m.AmountMinor%minorScale)
}
