package trade

import (
	"context"
	"fmt"
	"time"

	"spot_venue/internal/domain"

	"github.com/shopspring/decimal"
)

// Fields are the values of one settled match.
type Fields struct {
	Buy        *domain.Order
	Sell       *domain.Order
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Total      decimal.Decimal
	Commission decimal.Decimal
	At         time.Time
}

// Recorder appends trades. Trades are never updated or deleted.
type Recorder struct{}

// NewRecorder creates a Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record inserts the trade inside the settlement transaction.
func (r *Recorder) Record(ctx context.Context, tx domain.Tx, f Fields) (*domain.Trade, error) {
	if f.Buy == nil || f.Sell == nil || f.Buy.Side != domain.SideBuy || f.Sell.Side != domain.SideSell {
		return nil, fmt.Errorf("record trade: need one buy and one sell leg")
	}
	if f.Buy.Symbol != f.Sell.Symbol {
		return nil, fmt.Errorf("record trade: symbol mismatch %s/%s", f.Buy.Symbol, f.Sell.Symbol)
	}
	if f.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("record trade: %w: %s", domain.ErrInvalidAmount, f.Amount)
	}
	if want := domain.Notional(f.Price, f.Amount); !f.Total.Equal(want) {
		return nil, fmt.Errorf("record trade: total %s, expected %s", f.Total, want)
	}

	t := &domain.Trade{
		BuyOrderID:  f.Buy.ID,
		SellOrderID: f.Sell.ID,
		BuyerID:     f.Buy.UserID,
		SellerID:    f.Sell.UserID,
		Symbol:      f.Buy.Symbol,
		Price:       f.Price,
		Amount:      f.Amount,
		Total:       f.Total,
		Commission:  f.Commission,
		CreatedAt:   f.At,
	}
	if err := tx.Trades().InsertTrade(ctx, t); err != nil {
		return nil, fmt.Errorf("record trade: %w", err)
	}
	return t, nil
}

// History returns a user's trades as buyer or seller, newest first. limit <= 0 means all.
func (r *Recorder) History(ctx context.Context, rd domain.Tx, userID int64, limit int) ([]domain.Trade, error) {
	return rd.Trades().ListTradesByUser(ctx, userID, limit)
}

// TotalCommission returns the commission collected by the venue across all trades.
func (r *Recorder) TotalCommission(ctx context.Context, rd domain.Tx) (decimal.Decimal, error) {
	return rd.Trades().SumCommission(ctx)
}
