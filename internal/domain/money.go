package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every price, amount and balance is kept at.
const Scale = 8

var (
	// MinTick is the smallest representable price or amount (1e-8).
	MinTick = decimal.New(1, -Scale)

	maxTicks = decimal.NewFromInt(math.MaxInt64)
)

// Truncate drops digits beyond Scale. Monetary results are truncated, never rounded up.
func Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Scale)
}

// IsExact reports whether d carries no digits beyond Scale.
func IsExact(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(Scale))
}

// Notional returns price*amount truncated to Scale.
func Notional(price, amount decimal.Decimal) decimal.Decimal {
	return Truncate(price.Mul(amount))
}

// PriceTicks converts a price into its integer tick count (price * 10^Scale).
// The tick count is the sortable representation persisted alongside the exact text price.
func PriceTicks(price decimal.Decimal) (int64, error) {
	if !IsExact(price) {
		return 0, ErrInvalidPrice
	}
	ticks := price.Shift(Scale)
	if ticks.IsNegative() || ticks.GreaterThan(maxTicks) {
		return 0, ErrInvalidPrice
	}
	return ticks.IntPart(), nil
}

// FeeSchedule is the venue's commission policy. Commission is charged to the buyer only.
type FeeSchedule struct {
	Rate decimal.Decimal
	// ReserveCommission makes buy orders reserve the commission at their limit price on top of
	// the notional, so settlement never has to find the commission in the buyer's free cash.
	ReserveCommission bool
}

// Commission returns the fee charged on a trade of the given total.
func (f FeeSchedule) Commission(total decimal.Decimal) decimal.Decimal {
	return Truncate(total.Mul(f.Rate))
}

// BuyReservation returns the cash a buy order of amount at price keeps reserved.
func (f FeeSchedule) BuyReservation(price, amount decimal.Decimal) decimal.Decimal {
	n := Notional(price, amount)
	if f.ReserveCommission {
		n = n.Add(f.Commission(n))
	}
	return n
}
