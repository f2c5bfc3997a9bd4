package storage

import (
	"context"
	"fmt"

	"spot_venue/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type tradeRepo struct {
	db *gorm.DB
}

func (r tradeRepo) InsertTrade(ctx context.Context, t *domain.Trade) error {
	if t.ID != 0 {
		return fmt.Errorf("trade %d already recorded", t.ID)
	}
	return r.db.WithContext(ctx).Create(t).Error
}

// ListTradesByUser returns trades where the user was buyer or seller, newest first.
func (r tradeRepo) ListTradesByUser(ctx context.Context, userID int64, limit int) ([]domain.Trade, error) {
	q := r.db.WithContext(ctx).
		Where("buyer_id = ? OR seller_id = ?", userID, userID).
		Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var trades []domain.Trade
	err := q.Find(&trades).Error
	return trades, err
}

// SumCommission adds commissions in exact decimal; the column is text so SQL SUM would go
// through floating point.
func (r tradeRepo) SumCommission(ctx context.Context) (decimal.Decimal, error) {
	var commissions []string
	if err := r.db.WithContext(ctx).Model(&domain.Trade{}).Pluck("commission", &commissions).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, raw := range commissions {
		c, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("commission %q: %w", raw, err)
		}
		total = total.Add(c)
	}
	return total, nil
}
