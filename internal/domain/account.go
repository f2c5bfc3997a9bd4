package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a user's free cash. Cash reserved by open buy orders lives on those orders,
// not here.
type Account struct {
	UserID    int64           `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Cash      decimal.Decimal `gorm:"type:text;not null" json:"cash"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Holding is a user's position in one asset symbol.
// Free is spendable; Locked is reserved by open sell orders.
type Holding struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID    int64           `gorm:"not null;uniqueIndex:idx_holdings_user_symbol,priority:1" json:"user_id"`
	Symbol    string          `gorm:"size:10;not null;uniqueIndex:idx_holdings_user_symbol,priority:2" json:"symbol"`
	Free      decimal.Decimal `gorm:"type:text;not null" json:"free"`
	Locked    decimal.Decimal `gorm:"type:text;not null" json:"locked"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Available returns what the user may place sell orders against.
func (h *Holding) Available() decimal.Decimal {
	return h.Free
}

// Total returns free plus locked holdings.
func (h *Holding) Total() decimal.Decimal {
	return h.Free.Add(h.Locked)
}

// HoldingView is the read model of a holding.
type HoldingView struct {
	Symbol    string          `json:"symbol"`
	Free      decimal.Decimal `json:"free"`
	Locked    decimal.Decimal `json:"locked_amount"`
	Available decimal.Decimal `json:"available"`
}

// Portfolio is a read-only snapshot of one user's balances.
type Portfolio struct {
	UserID   int64           `json:"user_id"`
	Cash     decimal.Decimal `json:"balance"`
	Holdings []HoldingView   `json:"assets"`
}
