package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side an order of side s matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order. Filled and Cancelled are terminal.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is a limit order owned by the order book store.
//
// Amount is the quantity still open; Filled accumulates executed quantity. Reserved is what the
// order currently holds back from its owner: cash for a buy, locked asset for a sell. A cancel or a
// final fill returns exactly Reserved, so the ledger never depends on recomputing a product.
type Order struct {
	ID         int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64           `gorm:"not null;index" json:"user_id"`
	Symbol     string          `gorm:"size:10;not null;index:idx_orders_match,priority:1" json:"symbol"`
	Status     OrderStatus     `gorm:"size:16;not null;index:idx_orders_match,priority:2" json:"status"`
	Side       Side            `gorm:"size:4;not null;index:idx_orders_match,priority:3" json:"side"`
	PriceTicks int64           `gorm:"not null;index:idx_orders_match,priority:4" json:"-"`
	CreatedAt  time.Time       `gorm:"index:idx_orders_match,priority:5" json:"created_at"`
	Price      decimal.Decimal `gorm:"type:text;not null" json:"price"`
	Amount     decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Filled     decimal.Decimal `gorm:"type:text;not null" json:"filled"`
	Reserved   decimal.Decimal `gorm:"type:text;not null" json:"reserved"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewOrder builds an Open order after validating price and amount.
// Reservation is set by the caller once it knows the fee schedule.
func NewOrder(userID int64, symbol string, side Side, price, amount decimal.Decimal, now time.Time) (*Order, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if price.LessThan(MinTick) || !IsExact(price) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	if amount.LessThan(MinTick) || !IsExact(amount) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	ticks, err := PriceTicks(price)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, price)
	}
	return &Order{
		UserID:     userID,
		Symbol:     symbol,
		Side:       side,
		Status:     OrderStatusOpen,
		Price:      price,
		PriceTicks: ticks,
		Amount:     amount,
		Filled:     decimal.Zero,
		Reserved:   decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// IsOpen checks if the order can still be matched or cancelled.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusOpen
}

// RestsBefore reports whether o entered the book before other (time priority, then id).
func (o *Order) RestsBefore(other *Order) bool {
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.ID < other.ID
}

// Cancel moves an Open order to Cancelled and clears its reservation.
// The caller must release the previous Reserved value in the same transaction.
func (o *Order) Cancel(now time.Time) error {
	if !o.IsOpen() {
		return fmt.Errorf("order %d is %s: %w", o.ID, o.Status, ErrOrderAlreadyClosed)
	}
	o.Status = OrderStatusCancelled
	o.Reserved = decimal.Zero
	o.UpdatedAt = now
	return nil
}

// Fill executes qty against the order and sets what stays reserved for the remainder.
// The order becomes Filled once nothing is left open.
func (o *Order) Fill(qty, reservedLeft decimal.Decimal, now time.Time) error {
	if !o.IsOpen() {
		return fmt.Errorf("order %d is %s: %w", o.ID, o.Status, ErrOrderAlreadyClosed)
	}
	if qty.Sign() <= 0 || qty.GreaterThan(o.Amount) {
		return fmt.Errorf("fill %s exceeds open amount %s of order %d: %w", qty, o.Amount, o.ID, ErrInvalidAmount)
	}
	if reservedLeft.IsNegative() {
		return &LedgerInconsistencyError{UserID: o.UserID, Symbol: o.Symbol, Op: "order reservation", Want: qty, Have: o.Reserved}
	}
	o.Amount = o.Amount.Sub(qty)
	o.Filled = o.Filled.Add(qty)
	o.Reserved = reservedLeft
	o.UpdatedAt = now
	if o.Amount.IsZero() {
		o.Status = OrderStatusFilled
	}
	return nil
}

// Depth is a read-only snapshot of the open orders of a symbol.
// Buys are ordered by (price desc, created_at asc), sells by (price asc, created_at asc).
type Depth struct {
	Symbol string  `json:"symbol"`
	Buys   []Order `json:"buy_orders"`
	Sells  []Order `json:"sell_orders"`
}
