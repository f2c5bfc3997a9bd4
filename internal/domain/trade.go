package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable record of one settled match.
type Trade struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	BuyOrderID  int64           `gorm:"not null;index" json:"buy_order_id"`
	SellOrderID int64           `gorm:"not null;index" json:"sell_order_id"`
	BuyerID     int64           `gorm:"not null;index:idx_trades_buyer,priority:1" json:"buyer_id"`
	SellerID    int64           `gorm:"not null;index:idx_trades_seller,priority:1" json:"seller_id"`
	Symbol      string          `gorm:"size:10;not null" json:"symbol"`
	Price       decimal.Decimal `gorm:"type:text;not null" json:"price"`
	Amount      decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Total       decimal.Decimal `gorm:"type:text;not null" json:"total"`
	Commission  decimal.Decimal `gorm:"type:text;not null" json:"commission"`
	CreatedAt   time.Time       `gorm:"index:idx_trades_buyer,priority:2;index:idx_trades_seller,priority:2" json:"created_at"`
}

// MatchPayload is what affected users are told about a settled trade.
// Order is the recipient's own leg.
type MatchPayload struct {
	Order Order `json:"order"`
	Trade Trade `json:"trade"`
}

// EventTradeMatched is the notification name for a settled trade.
const EventTradeMatched = "trade.matched"
