package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"spot_venue/internal/book"
	"spot_venue/internal/domain"
	"spot_venue/internal/infra"
	"spot_venue/internal/ledger"
	"spot_venue/internal/trade"

	"github.com/shopspring/decimal"
)

// DefaultMaxMatches bounds Drain when no limit is configured.
const DefaultMaxMatches = 64

// Options configures an Engine.
type Options struct {
	Fees               domain.FeeSchedule
	MaxMatchesPerOrder int
	Logger             *slog.Logger
	Metrics            *infra.Metrics
	Clock              func() time.Time
}

// Engine matches one order at a time against the book and settles the result.
// It keeps no state of its own: every decision is made on rows locked inside a transaction,
// so any number of callers may run it concurrently.
type Engine struct {
	store    domain.Store
	ledger   *ledger.Ledger
	book     *book.Book
	recorder *trade.Recorder
	notifier domain.Notifier

	fees       domain.FeeSchedule
	maxMatches int
	logger     *slog.Logger
	metrics    *infra.Metrics
	now        func() time.Time
}

// settlement is what a committed match hands to the notifier.
type settlement struct {
	buy   domain.Order
	sell  domain.Order
	trade domain.Trade
}

// uncoveredCommissionError means the buyer's free cash plus refund cannot pay the commission.
type uncoveredCommissionError struct {
	userID int64
	need   decimal.Decimal
	have   decimal.Decimal
}

func (e *uncoveredCommissionError) Error() string {
	return fmt.Sprintf("commission %s for user %d, free %s: %s", e.need, e.userID, e.have, domain.ErrInsufficientFunds)
}

func (e *uncoveredCommissionError) Unwrap() error { return domain.ErrInsufficientFunds }

// New creates an Engine. A nil notifier disables notifications.
func New(store domain.Store, l *ledger.Ledger, b *book.Book, r *trade.Recorder, n domain.Notifier, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.GlobalMetrics
	}
	if opts.MaxMatchesPerOrder <= 0 {
		opts.MaxMatchesPerOrder = DefaultMaxMatches
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:      store,
		ledger:     l,
		book:       b,
		recorder:   r,
		notifier:   n,
		fees:       opts.Fees,
		maxMatches: opts.MaxMatchesPerOrder,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Clock,
	}
}

// AttemptMatch tries to settle orderID against the best eligible counter-order.
// It returns false without side effects when the order is no longer Open or nothing crosses.
// Any error means the transaction rolled back.
func (e *Engine) AttemptMatch(ctx context.Context, orderID int64) (bool, error) {
	e.metrics.RecordMatchAttempt()
	start := time.Now()

	var res *settlement
	err := e.store.InTx(ctx, "match", func(ctx context.Context, tx domain.Tx) error {
		res = nil

		o, err := e.book.Lock(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !o.IsOpen() {
			e.logger.Debug("Match skipped, order closed", slog.Int64("order_id", o.ID), slog.String("status", string(o.Status)))
			return nil
		}

		// A resting buy whose owner cannot pay the commission is passed over so it does
		// not block every cheaper counter behind it.
		var skipped []int64
		for {
			counter, err := e.book.BestCounter(ctx, tx, o, skipped...)
			if err != nil {
				return err
			}
			if counter == nil {
				return nil
			}

			res, err = e.settle(ctx, tx, o, counter)
			var uncovered *uncoveredCommissionError
			if errors.As(err, &uncovered) && uncovered.userID == counter.UserID {
				if len(skipped) >= e.maxMatches {
					return nil
				}
				e.logger.Warn("Counter-order cannot cover commission, skipped",
					slog.Int64("order_id", o.ID),
					slog.Int64("counter_id", counter.ID),
					slog.Int64("user_id", counter.UserID),
					slog.String("commission", uncovered.need.String()),
					slog.String("free", uncovered.have.String()))
				skipped = append(skipped, counter.ID)
				continue
			}
			return err
		}
	})
	if err != nil {
		if errors.Is(err, domain.ErrLedgerInconsistency) {
			e.metrics.RecordLedgerInconsistency()
			e.logger.Error("LEDGER_INCONSISTENCY", slog.Int64("order_id", orderID), slog.Any("error", err))
		}
		return false, err
	}
	if res == nil {
		return false, nil
	}

	e.metrics.RecordTrade(time.Since(start).Nanoseconds())
	e.logger.Info("Trade settled",
		slog.Int64("trade_id", res.trade.ID),
		slog.String("symbol", res.trade.Symbol),
		slog.Int64("buy_order_id", res.buy.ID),
		slog.Int64("sell_order_id", res.sell.ID),
		slog.String("price", res.trade.Price.String()),
		slog.String("amount", res.trade.Amount.String()),
		slog.String("commission", res.trade.Commission.String()))

	e.publish(ctx, res)
	return true, nil
}

// Drain matches orderID repeatedly until it is closed, nothing crosses, or the per-order limit
// is reached. It returns the number of trades settled.
func (e *Engine) Drain(ctx context.Context, orderID int64) (int, error) {
	n := 0
	for n < e.maxMatches {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		matched, err := e.AttemptMatch(ctx, orderID)
		if err != nil {
			return n, err
		}
		if !matched {
			break
		}
		n++
	}
	return n, nil
}

// settle executes one match between the locked order o and its locked counter-order.
// Lock order: both order rows (already held), then accounts by user id, then holdings by user id.
func (e *Engine) settle(ctx context.Context, tx domain.Tx, o, counter *domain.Order) (*settlement, error) {
	buy, sell := o, counter
	if o.Side == domain.SideSell {
		buy, sell = counter, o
	}

	// The resting leg sets the price.
	price := counter.Price
	if o.RestsBefore(counter) {
		price = o.Price
	}
	qty := decimal.Min(buy.Amount, sell.Amount)
	total := domain.Notional(price, qty)
	commission := e.fees.Commission(total)
	symbol := buy.Symbol
	now := e.now()

	// Reservations were taken at the buy limit price; release what the executed quantity no
	// longer needs and keep exactly the remainder's reservation on the order.
	buyReserveLeft := decimal.Zero
	if left := buy.Amount.Sub(qty); left.IsPositive() {
		buyReserveLeft = e.fees.BuyReservation(buy.Price, left)
	}
	consumed := buy.Reserved.Sub(buyReserveLeft)
	refund := consumed.Sub(total)
	if refund.IsNegative() {
		return nil, &domain.LedgerInconsistencyError{
			UserID: buy.UserID, Op: "buy reservation", Want: total, Have: consumed,
		}
	}

	if err := e.ledger.LockAccounts(ctx, tx, buy.UserID, sell.UserID); err != nil {
		return nil, err
	}
	// Checked before any balance moves so the caller can still try another counter-order.
	free, err := e.ledger.FreeCash(ctx, tx, buy.UserID)
	if err != nil {
		return nil, err
	}
	if have := free.Add(refund); have.LessThan(commission) {
		return nil, &uncoveredCommissionError{userID: buy.UserID, need: commission, have: have}
	}
	if err := e.ledger.LockHoldings(ctx, tx, symbol, buy.UserID, sell.UserID); err != nil {
		return nil, err
	}

	if err := e.ledger.ReleaseCash(ctx, tx, buy.UserID, refund); err != nil {
		return nil, err
	}
	if err := e.ledger.DebitCash(ctx, tx, buy.UserID, commission); err != nil {
		return nil, err
	}
	if err := e.ledger.CreditAsset(ctx, tx, buy.UserID, symbol, qty); err != nil {
		return nil, err
	}
	if err := e.ledger.DebitAsset(ctx, tx, sell.UserID, symbol, qty); err != nil {
		return nil, err
	}
	if err := e.ledger.CreditCash(ctx, tx, sell.UserID, total); err != nil {
		return nil, err
	}

	if err := buy.Fill(qty, buyReserveLeft, now); err != nil {
		return nil, err
	}
	if err := sell.Fill(qty, sell.Reserved.Sub(qty), now); err != nil {
		return nil, err
	}
	if err := e.book.Save(ctx, tx, buy); err != nil {
		return nil, err
	}
	if err := e.book.Save(ctx, tx, sell); err != nil {
		return nil, err
	}

	t, err := e.recorder.Record(ctx, tx, trade.Fields{
		Buy: buy, Sell: sell,
		Price: price, Amount: qty, Total: total, Commission: commission,
		At: now,
	})
	if err != nil {
		return nil, err
	}
	return &settlement{buy: *buy, sell: *sell, trade: *t}, nil
}

// publish tells buyer and seller about a committed trade. Failures are logged only;
// the trade is already durable.
func (e *Engine) publish(ctx context.Context, s *settlement) {
	if e.notifier == nil {
		return
	}
	for _, leg := range []domain.Order{s.buy, s.sell} {
		payload := domain.MatchPayload{Order: leg, Trade: s.trade}
		if err := e.notifier.Notify(ctx, leg.UserID, domain.EventTradeMatched, payload); err != nil {
			e.logger.Warn("Trade notification failed",
				slog.Int64("user_id", leg.UserID),
				slog.Int64("trade_id", s.trade.ID),
				slog.Any("error", err))
		}
	}
}
