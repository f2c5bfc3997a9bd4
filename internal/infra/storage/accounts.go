package storage

import (
	"context"
	"errors"
	"fmt"

	"spot_venue/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type accountRepo struct {
	db *gorm.DB
}

func (r accountRepo) OpenAccount(ctx context.Context, userID int64) error {
	acct := domain.Account{UserID: userID, Cash: decimal.Zero}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&acct).Error
}

func (r accountRepo) LockAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	var acct domain.Account
	err := forUpdate(r.db.WithContext(ctx)).Where("user_id = ?", userID).Take(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %d: %w", userID, domain.ErrAccountNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r accountRepo) LockHolding(ctx context.Context, userID int64, symbol string) (*domain.Holding, error) {
	db := r.db.WithContext(ctx)
	seed := domain.Holding{UserID: userID, Symbol: symbol, Free: decimal.Zero, Locked: decimal.Zero}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "symbol"}},
		DoNothing: true,
	}).Create(&seed).Error
	if err != nil {
		return nil, fmt.Errorf("create holding %d/%s: %w", userID, symbol, err)
	}

	var h domain.Holding
	if err := forUpdate(db).Where("user_id = ? AND symbol = ?", userID, symbol).Take(&h).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

func (r accountRepo) SaveAccount(ctx context.Context, a *domain.Account) error {
	return r.db.WithContext(ctx).Save(a).Error
}

func (r accountRepo) SaveHolding(ctx context.Context, h *domain.Holding) error {
	return r.db.WithContext(ctx).Save(h).Error
}

// GetAccount retrieves an account without locking it
func (r accountRepo) GetAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	var acct domain.Account
	err := r.db.WithContext(ctx).First(&acct, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %d: %w", userID, domain.ErrAccountNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// ListAccounts retrieves all accounts
func (r accountRepo) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	var accts []domain.Account
	err := r.db.WithContext(ctx).Order("user_id").Find(&accts).Error
	return accts, err
}

// ListHoldings retrieves a user's holdings ordered by symbol
func (r accountRepo) ListHoldings(ctx context.Context, userID int64) ([]domain.Holding, error) {
	var hs []domain.Holding
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("symbol").Find(&hs).Error
	return hs, err
}
