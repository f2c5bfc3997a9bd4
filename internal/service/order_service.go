package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"spot_venue/internal/book"
	"spot_venue/internal/domain"
	"spot_venue/internal/engine"
	"spot_venue/internal/infra"
	"spot_venue/internal/ledger"
	"spot_venue/internal/trade"

	"github.com/shopspring/decimal"
)

// PlaceOrderRequest is a new limit order.
type PlaceOrderRequest struct {
	UserID int64
	Symbol string
	Side   domain.Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Options configures an OrderService.
type Options struct {
	Fees         domain.FeeSchedule
	MatchOnPlace bool
	Logger       *slog.Logger
	Metrics      *infra.Metrics
	Clock        func() time.Time
}

// OrderService owns the order lifecycle: placement with reservation, cancellation with
// release, explicit match triggers and the read-only queries around them.
type OrderService struct {
	store    domain.Store
	ledger   *ledger.Ledger
	book     *book.Book
	recorder *trade.Recorder
	engine   *engine.Engine

	fees         domain.FeeSchedule
	matchOnPlace bool
	logger       *slog.Logger
	metrics      *infra.Metrics
	now          func() time.Time
}

// NewOrderService creates a new OrderService instance
func NewOrderService(store domain.Store, l *ledger.Ledger, b *book.Book, r *trade.Recorder, eng *engine.Engine, opts Options) *OrderService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.GlobalMetrics
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &OrderService{
		store:        store,
		ledger:       l,
		book:         b,
		recorder:     r,
		engine:       eng,
		fees:         opts.Fees,
		matchOnPlace: opts.MatchOnPlace,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Clock,
	}
}

// PlaceOrder reserves funds and inserts an Open order in one transaction, then hands the order
// to the matching engine. A failed reservation leaves no order and no partial reservation.
// Matching after commit is best effort: its failure is logged, never returned.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error) {
	if err := s.book.ValidSymbol(req.Symbol); err != nil {
		s.metrics.RecordOrderRejected()
		return nil, err
	}
	o, err := domain.NewOrder(req.UserID, req.Symbol, req.Side, req.Price, req.Amount, s.now())
	if err != nil {
		s.metrics.RecordOrderRejected()
		return nil, err
	}

	err = s.store.InTx(ctx, "place order", func(ctx context.Context, tx domain.Tx) error {
		o.ID = 0

		switch o.Side {
		case domain.SideBuy:
			o.Reserved = s.fees.BuyReservation(o.Price, o.Amount)
			if err := s.ledger.ReserveCash(ctx, tx, o.UserID, o.Reserved); err != nil {
				return err
			}
		case domain.SideSell:
			if err := s.ledger.LockAccounts(ctx, tx, o.UserID); err != nil {
				return err
			}
			o.Reserved = o.Amount
			if err := s.ledger.ReserveAsset(ctx, tx, o.UserID, o.Symbol, o.Reserved); err != nil {
				return err
			}
		}
		return s.book.Insert(ctx, tx, o)
	})
	if err != nil {
		if isRejection(err) {
			s.metrics.RecordOrderRejected()
			s.logger.Info("Order rejected",
				slog.Int64("user_id", req.UserID),
				slog.String("symbol", req.Symbol),
				slog.String("side", string(req.Side)),
				slog.Any("error", err))
		}
		return nil, err
	}

	s.metrics.RecordOrderPlaced()
	s.logger.Info("Order placed",
		slog.Int64("order_id", o.ID),
		slog.Int64("user_id", o.UserID),
		slog.String("symbol", o.Symbol),
		slog.String("side", string(o.Side)),
		slog.String("price", o.Price.String()),
		slog.String("amount", o.Amount.String()))

	if !s.matchOnPlace {
		return o, nil
	}
	if _, err := s.engine.Drain(ctx, o.ID); err != nil {
		s.logger.Warn("Match after placement failed", slog.Int64("order_id", o.ID), slog.Any("error", err))
	}

	// The order may have traded; return its committed state.
	if fresh, err := s.book.Get(ctx, s.store.Read(), o.ID); err == nil {
		return fresh, nil
	}
	return o, nil
}

// CancelOrder cancels an Open order owned by userID and releases exactly what it still reserves.
// Cancelling a Filled or Cancelled order fails with ErrOrderAlreadyClosed and changes nothing.
func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID int64) (*domain.Order, error) {
	var (
		cancelled *domain.Order
		released  decimal.Decimal
	)
	err := s.store.InTx(ctx, "cancel order", func(ctx context.Context, tx domain.Tx) error {
		o, err := s.book.LockOwned(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		reserved := o.Reserved
		if err := o.Cancel(s.now()); err != nil {
			return err
		}

		switch o.Side {
		case domain.SideBuy:
			err = s.ledger.ReleaseCash(ctx, tx, o.UserID, reserved)
		case domain.SideSell:
			if err = s.ledger.LockAccounts(ctx, tx, o.UserID); err == nil {
				err = s.ledger.ReleaseAsset(ctx, tx, o.UserID, o.Symbol, reserved)
			}
		}
		if err != nil {
			return err
		}
		if err := s.book.Save(ctx, tx, o); err != nil {
			return err
		}
		cancelled, released = o, reserved
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrLedgerInconsistency) {
			s.metrics.RecordLedgerInconsistency()
		}
		return nil, err
	}

	s.metrics.RecordOrderCancelled()
	s.logger.Info("Order cancelled",
		slog.Int64("order_id", cancelled.ID),
		slog.Int64("user_id", userID),
		slog.String("side", string(cancelled.Side)),
		slog.String("released", released.String()))
	return cancelled, nil
}

// TriggerMatch re-runs matching for an order, e.g. after the book changed around it.
// It fails with ErrOrderAlreadyClosed when the order is no longer Open.
func (s *OrderService) TriggerMatch(ctx context.Context, orderID int64) (bool, error) {
	o, err := s.book.Get(ctx, s.store.Read(), orderID)
	if err != nil {
		return false, err
	}
	if !o.IsOpen() {
		return false, fmt.Errorf("order %d is %s: %w", o.ID, o.Status, domain.ErrOrderAlreadyClosed)
	}
	n, err := s.engine.Drain(ctx, orderID)
	return n > 0, err
}

// Order reads one order.
func (s *OrderService) Order(ctx context.Context, orderID int64) (*domain.Order, error) {
	return s.book.Get(ctx, s.store.Read(), orderID)
}

// OrderBook lists Open orders of symbol (every symbol when empty).
func (s *OrderService) OrderBook(ctx context.Context, symbol string) (*domain.Depth, error) {
	return s.book.Depth(ctx, s.store.Read(), symbol)
}

// Portfolio returns a user's cash and holdings.
func (s *OrderService) Portfolio(ctx context.Context, userID int64) (*domain.Portfolio, error) {
	return s.ledger.Portfolio(ctx, s.store.Read(), userID)
}

// Trades returns a user's trade history, newest first.
func (s *OrderService) Trades(ctx context.Context, userID int64, limit int) ([]domain.Trade, error) {
	return s.recorder.History(ctx, s.store.Read(), userID, limit)
}

// TotalCommission returns the commission retained by the venue.
func (s *OrderService) TotalCommission(ctx context.Context) (decimal.Decimal, error) {
	return s.recorder.TotalCommission(ctx, s.store.Read())
}

// Deposit credits cash to a user, opening the account if needed.
func (s *OrderService) Deposit(ctx context.Context, userID int64, amount decimal.Decimal) error {
	return s.store.InTx(ctx, "deposit", func(ctx context.Context, tx domain.Tx) error {
		return s.ledger.Deposit(ctx, tx, userID, amount)
	})
}

// DepositAsset credits free holdings of symbol to a user, opening the account if needed.
func (s *OrderService) DepositAsset(ctx context.Context, userID int64, symbol string, amount decimal.Decimal) error {
	if err := s.book.ValidSymbol(symbol); err != nil {
		return err
	}
	return s.store.InTx(ctx, "deposit asset", func(ctx context.Context, tx domain.Tx) error {
		return s.ledger.DepositAsset(ctx, tx, userID, symbol, amount)
	})
}

// isRejection reports user-facing validation failures.
func isRejection(err error) bool {
	for _, target := range []error{
		domain.ErrInsufficientFunds,
		domain.ErrInsufficientAsset,
		domain.ErrAccountNotFound,
		domain.ErrInvalidSymbol,
		domain.ErrInvalidAmount,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
