package storage

import (
	"context"
	"errors"
	"fmt"

	"spot_venue/internal/domain"

	"gorm.io/gorm"
)

type orderRepo struct {
	db *gorm.DB
}

func (r orderRepo) InsertOrder(ctx context.Context, o *domain.Order) error {
	return r.db.WithContext(ctx).Create(o).Error
}

func (r orderRepo) LockOrder(ctx context.Context, id int64) (*domain.Order, error) {
	var o domain.Order
	err := forUpdate(r.db.WithContext(ctx)).Where("id = ?", id).Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("order %d: %w", id, domain.ErrOrderNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// counterRequeries bounds how often LockBestCounter looks again after losing its pick to a
// concurrent match.
const counterRequeries = 3

// LockBestCounter selects by (price, created_at, id) on the matching index and locks the winner.
func (r orderRepo) LockBestCounter(ctx context.Context, o *domain.Order, skip []int64) (*domain.Order, error) {
	eligible := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&domain.Order{}).
			Where("symbol = ? AND status = ? AND side = ? AND user_id <> ?",
				o.Symbol, domain.OrderStatusOpen, o.Side.Opposite(), o.UserID)
		if len(skip) > 0 {
			q = q.Where("id NOT IN ?", skip)
		}
		if o.Side == domain.SideBuy {
			return q.Where("price_ticks <= ?", o.PriceTicks)
		}
		return q.Where("price_ticks >= ?", o.PriceTicks)
	}

	lock := func() (*domain.Order, error) {
		q := forUpdate(eligible())
		if o.Side == domain.SideBuy {
			q = q.Order("price_ticks ASC")
		} else {
			q = q.Order("price_ticks DESC")
		}
		var found []domain.Order
		res := q.Order("created_at ASC").Order("id ASC").Limit(1).Find(&found)
		if res.Error != nil || res.RowsAffected == 0 {
			return nil, res.Error
		}
		return &found[0], nil
	}
	pending := func() (bool, error) {
		var ids []int64
		err := eligible().Limit(1).Pluck("id", &ids).Error
		return len(ids) > 0, err
	}
	return pickCounter(counterRequeries, lock, pending)
}

// pickCounter runs lock until it yields an Open order. A locked read that comes back empty or
// closed while pending still sees candidates lost a race with another match: Postgres drops a
// row from FOR UPDATE results once its new version no longer qualifies.
func pickCounter(attempts int, lock func() (*domain.Order, error), pending func() (bool, error)) (*domain.Order, error) {
	for i := 0; i < attempts; i++ {
		c, err := lock()
		if err != nil {
			return nil, err
		}
		if c != nil && c.IsOpen() {
			return c, nil
		}
		more, err := pending()
		if err != nil {
			return nil, err
		}
		if !more {
			return nil, nil
		}
	}
	return nil, nil
}

func (r orderRepo) SaveOrder(ctx context.Context, o *domain.Order) error {
	return r.db.WithContext(ctx).Save(o).Error
}

// GetOrder retrieves an order without locking it
func (r orderRepo) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	var o domain.Order
	err := r.db.WithContext(ctx).First(&o, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("order %d: %w", id, domain.ErrOrderNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r orderRepo) ListOpen(ctx context.Context, symbol string, side domain.Side) ([]domain.Order, error) {
	q := r.db.WithContext(ctx).Where("status = ? AND side = ?", domain.OrderStatusOpen, side)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if side == domain.SideBuy {
		q = q.Order("price_ticks DESC")
	} else {
		q = q.Order("price_ticks ASC")
	}

	var orders []domain.Order
	err := q.Order("created_at ASC").Order("id ASC").Find(&orders).Error
	return orders, err
}
