package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"spot_venue/internal/domain"

	"github.com/shopspring/decimal"
)

// Ledger moves cash and assets between free and reserved state.
// Every method runs inside the caller's transaction and takes the row lock it mutates;
// transaction boundaries belong to the caller.
type Ledger struct {
	logger *slog.Logger
}

// New creates a Ledger. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{logger: logger}
}

// LockAccounts locks the accounts of the given users in ascending id order.
// Settlement calls it before touching any balance so two matches over the same pair of users
// always queue on the same row first.
func (l *Ledger) LockAccounts(ctx context.Context, tx domain.Tx, userIDs ...int64) error {
	for _, id := range sortedUnique(userIDs) {
		if _, err := tx.Accounts().LockAccount(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// LockHoldings locks (user, symbol) holdings in ascending user order, creating empty rows.
func (l *Ledger) LockHoldings(ctx context.Context, tx domain.Tx, symbol string, userIDs ...int64) error {
	for _, id := range sortedUnique(userIDs) {
		if _, err := tx.Accounts().LockHolding(ctx, id, symbol); err != nil {
			return err
		}
	}
	return nil
}

// FreeCash returns the user's spendable cash under the account row lock.
func (l *Ledger) FreeCash(ctx context.Context, tx domain.Tx, userID int64) (decimal.Decimal, error) {
	acct, err := tx.Accounts().LockAccount(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Cash, nil
}

// ReserveCash takes amount out of the user's free cash. The reservation itself is carried by
// the order that asked for it.
func (l *Ledger) ReserveCash(ctx context.Context, tx domain.Tx, userID int64, amount decimal.Decimal) error {
	return l.updateCash(ctx, tx, userID, func(a *domain.Account) error {
		if a.Cash.LessThan(amount) {
			return fmt.Errorf("reserve %s for user %d, free %s: %w", amount, userID, a.Cash, domain.ErrInsufficientFunds)
		}
		a.Cash = a.Cash.Sub(amount)
		return nil
	}, amount)
}

// ReleaseCash returns previously reserved cash to the user's free balance.
func (l *Ledger) ReleaseCash(ctx context.Context, tx domain.Tx, userID int64, amount decimal.Decimal) error {
	return l.CreditCash(ctx, tx, userID, amount)
}

// DebitCash removes amount from free cash for good (commission).
func (l *Ledger) DebitCash(ctx context.Context, tx domain.Tx, userID int64, amount decimal.Decimal) error {
	return l.updateCash(ctx, tx, userID, func(a *domain.Account) error {
		if a.Cash.LessThan(amount) {
			return fmt.Errorf("debit %s from user %d, free %s: %w", amount, userID, a.Cash, domain.ErrInsufficientFunds)
		}
		a.Cash = a.Cash.Sub(amount)
		return nil
	}, amount)
}

// CreditCash adds amount to free cash.
func (l *Ledger) CreditCash(ctx context.Context, tx domain.Tx, userID int64, amount decimal.Decimal) error {
	return l.updateCash(ctx, tx, userID, func(a *domain.Account) error {
		a.Cash = a.Cash.Add(amount)
		return nil
	}, amount)
}

// ReserveAsset moves amount from free to locked holdings.
func (l *Ledger) ReserveAsset(ctx context.Context, tx domain.Tx, userID int64, symbol string, amount decimal.Decimal) error {
	return l.updateHolding(ctx, tx, userID, symbol, func(h *domain.Holding) error {
		if h.Available().LessThan(amount) {
			return fmt.Errorf("reserve %s %s for user %d, free %s: %w", amount, symbol, userID, h.Free, domain.ErrInsufficientAsset)
		}
		h.Free = h.Free.Sub(amount)
		h.Locked = h.Locked.Add(amount)
		return nil
	}, amount)
}

// ReleaseAsset moves amount from locked back to free holdings.
func (l *Ledger) ReleaseAsset(ctx context.Context, tx domain.Tx, userID int64, symbol string, amount decimal.Decimal) error {
	return l.updateHolding(ctx, tx, userID, symbol, func(h *domain.Holding) error {
		if h.Locked.LessThan(amount) {
			return l.inconsistent(userID, symbol, "release asset", amount, h.Locked)
		}
		h.Locked = h.Locked.Sub(amount)
		h.Free = h.Free.Add(amount)
		return nil
	}, amount)
}

// DebitAsset removes amount from locked holdings; the asset leaves the user.
// A locked balance that cannot cover the debit means an earlier reservation was lost.
func (l *Ledger) DebitAsset(ctx context.Context, tx domain.Tx, userID int64, symbol string, amount decimal.Decimal) error {
	return l.updateHolding(ctx, tx, userID, symbol, func(h *domain.Holding) error {
		if h.Locked.LessThan(amount) {
			return l.inconsistent(userID, symbol, "debit asset", amount, h.Locked)
		}
		h.Locked = h.Locked.Sub(amount)
		return nil
	}, amount)
}

// CreditAsset adds amount to free holdings.
func (l *Ledger) CreditAsset(ctx context.Context, tx domain.Tx, userID int64, symbol string, amount decimal.Decimal) error {
	return l.updateHolding(ctx, tx, userID, symbol, func(h *domain.Holding) error {
		h.Free = h.Free.Add(amount)
		return nil
	}, amount)
}

// OpenAccount creates an empty account for the user if there is none.
func (l *Ledger) OpenAccount(ctx context.Context, tx domain.Tx, userID int64) error {
	return tx.Accounts().OpenAccount(ctx, userID)
}

// Deposit funds a user's cash, opening the account first if needed.
func (l *Ledger) Deposit(ctx context.Context, tx domain.Tx, userID int64, amount decimal.Decimal) error {
	if err := l.OpenAccount(ctx, tx, userID); err != nil {
		return err
	}
	if err := l.CreditCash(ctx, tx, userID, amount); err != nil {
		return err
	}
	l.logger.Info("Cash deposited", slog.Int64("user_id", userID), slog.String("amount", amount.String()))
	return nil
}

// DepositAsset funds a user's free holdings of symbol, opening the account first if needed.
func (l *Ledger) DepositAsset(ctx context.Context, tx domain.Tx, userID int64, symbol string, amount decimal.Decimal) error {
	if err := l.OpenAccount(ctx, tx, userID); err != nil {
		return err
	}
	if err := l.CreditAsset(ctx, tx, userID, symbol, amount); err != nil {
		return err
	}
	l.logger.Info("Asset deposited",
		slog.Int64("user_id", userID),
		slog.String("symbol", symbol),
		slog.String("amount", amount.String()))
	return nil
}

// Portfolio reads a user's cash and holdings without taking locks.
func (l *Ledger) Portfolio(ctx context.Context, r domain.Tx, userID int64) (*domain.Portfolio, error) {
	acct, err := r.Accounts().GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	hs, err := r.Accounts().ListHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &domain.Portfolio{
		UserID:   userID,
		Cash:     acct.Cash,
		Holdings: make([]domain.HoldingView, 0, len(hs)),
	}
	for i := range hs {
		h := &hs[i]
		p.Holdings = append(p.Holdings, domain.HoldingView{
			Symbol:    h.Symbol,
			Free:      h.Free,
			Locked:    h.Locked,
			Available: h.Available(),
		})
	}
	return p, nil
}

func (l *Ledger) updateCash(ctx context.Context, tx domain.Tx, userID int64, apply func(*domain.Account) error, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	acct, err := tx.Accounts().LockAccount(ctx, userID)
	if err != nil {
		return err
	}
	if err := apply(acct); err != nil {
		return err
	}
	return tx.Accounts().SaveAccount(ctx, acct)
}

func (l *Ledger) updateHolding(ctx context.Context, tx domain.Tx, userID int64, symbol string, apply func(*domain.Holding) error, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	h, err := tx.Accounts().LockHolding(ctx, userID, symbol)
	if err != nil {
		return err
	}
	if err := apply(h); err != nil {
		return err
	}
	return tx.Accounts().SaveHolding(ctx, h)
}

func (l *Ledger) inconsistent(userID int64, symbol, op string, want, have decimal.Decimal) error {
	err := &domain.LedgerInconsistencyError{UserID: userID, Symbol: symbol, Op: op, Want: want, Have: have}
	l.logger.Error("LEDGER_INCONSISTENCY",
		slog.Int64("user_id", userID),
		slog.String("symbol", symbol),
		slog.String("op", op),
		slog.String("want", want.String()),
		slog.String("have", have.String()))
	return err
}

// checkAmount rejects negative amounts and digits beyond the ledger scale.
func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() || !domain.IsExact(amount) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidAmount, amount)
	}
	return nil
}

func sortedUnique(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
