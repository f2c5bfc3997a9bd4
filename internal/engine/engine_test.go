package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"spot_venue/internal/book"
	"spot_venue/internal/domain"
	"spot_venue/internal/infra"
	"spot_venue/internal/infra/storage"
	"spot_venue/internal/ledger"
	"spot_venue/internal/trade"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notification struct {
	userID  int64
	event   string
	payload domain.MatchPayload
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *recordingNotifier) Notify(_ context.Context, userID int64, event string, payload domain.MatchPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{userID: userID, event: event, payload: payload})
	return nil
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.events...)
}

type harness struct {
	store    *storage.Storage
	ledger   *ledger.Ledger
	book     *book.Book
	recorder *trade.Recorder
	notifier *recordingNotifier
	metrics  *infra.Metrics
	engine   *Engine
	fees     domain.FeeSchedule
	clock    time.Time
}

func newHarness(t *testing.T, fees domain.FeeSchedule) *harness {
	t.Helper()
	metrics := &infra.Metrics{}
	s, err := storage.Open(storage.Options{
		Driver:      infra.DriverSQLite,
		DSN:         filepath.Join(t.TempDir(), "engine.db"),
		LockTimeout: 2 * time.Second,
		MaxRetries:  3,
		Metrics:     metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{
		store:    s,
		ledger:   ledger.New(nil),
		book:     book.New([]string{"BTC", "ETH"}),
		recorder: trade.NewRecorder(),
		notifier: &recordingNotifier{},
		metrics:  metrics,
		fees:     fees,
		clock:    time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	h.engine = New(s, h.ledger, h.book, h.recorder, h.notifier, Options{
		Fees:    fees,
		Metrics: metrics,
		Clock:   h.tick,
	})
	return h
}

func defaultFees() domain.FeeSchedule {
	return domain.FeeSchedule{Rate: decimal.RequireFromString("0.015")}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (h *harness) tick() time.Time {
	h.clock = h.clock.Add(time.Second)
	return h.clock
}

func (h *harness) fundCash(t *testing.T, userID int64, amount string) {
	t.Helper()
	require.NoError(t, h.store.InTx(context.Background(), "fund", func(ctx context.Context, tx domain.Tx) error {
		return h.ledger.Deposit(ctx, tx, userID, d(amount))
	}))
}

func (h *harness) fundAsset(t *testing.T, userID int64, symbol, amount string) {
	t.Helper()
	require.NoError(t, h.store.InTx(context.Background(), "fund", func(ctx context.Context, tx domain.Tx) error {
		return h.ledger.DepositAsset(ctx, tx, userID, symbol, d(amount))
	}))
}

// place reserves and inserts an order the way placement does, without matching.
func (h *harness) place(t *testing.T, userID int64, side domain.Side, price, amount string) *domain.Order {
	t.Helper()
	o, err := domain.NewOrder(userID, "BTC", side, d(price), d(amount), h.tick())
	require.NoError(t, err)
	require.NoError(t, h.store.InTx(context.Background(), "place", func(ctx context.Context, tx domain.Tx) error {
		if side == domain.SideBuy {
			o.Reserved = h.fees.BuyReservation(o.Price, o.Amount)
			if err := h.ledger.ReserveCash(ctx, tx, userID, o.Reserved); err != nil {
				return err
			}
		} else {
			o.Reserved = o.Amount
			if err := h.ledger.ReserveAsset(ctx, tx, userID, o.Symbol, o.Reserved); err != nil {
				return err
			}
		}
		return h.book.Insert(ctx, tx, o)
	}))
	return o
}

func (h *harness) order(t *testing.T, id int64) *domain.Order {
	t.Helper()
	o, err := h.book.Get(context.Background(), h.store.Read(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) portfolio(t *testing.T, userID int64) *domain.Portfolio {
	t.Helper()
	p, err := h.ledger.Portfolio(context.Background(), h.store.Read(), userID)
	require.NoError(t, err)
	return p
}

func holding(p *domain.Portfolio, symbol string) domain.HoldingView {
	for _, hv := range p.Holdings {
		if hv.Symbol == symbol {
			return hv
		}
	}
	return domain.HoldingView{Symbol: symbol, Free: decimal.Zero, Locked: decimal.Zero, Available: decimal.Zero}
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.Truef(t, got.Equal(d(want)), "%s: want %s, got %s", msg, want, got)
}

func TestAttemptMatch_RestingPriceRefundAndCommission(t *testing.T) {
	h := newHarness(t, defaultFees())
	h.fundCash(t, 1, "1000")
	h.fundCash(t, 2, "0")
	h.fundAsset(t, 2, "BTC", "2")

	sell := h.place(t, 2, domain.SideSell, "100", "2")
	buy := h.place(t, 1, domain.SideBuy, "105", "2")
	assertDec(t, "790", h.portfolio(t, 1).Cash, "buyer cash after reserving 105*2")

	matched, err := h.engine.AttemptMatch(context.Background(), buy.ID)
	require.NoError(t, err)
	require.True(t, matched)

	trades, err := h.recorder.History(context.Background(), h.store.Read(), 1, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assertDec(t, "100", tr.Price, "execution price is the resting sell price")
	assertDec(t, "2", tr.Amount, "amount")
	assertDec(t, "200", tr.Total, "total")
	assertDec(t, "3", tr.Commission, "1.5% of 200")
	assert.Equal(t, buy.ID, tr.BuyOrderID)
	assert.Equal(t, sell.ID, tr.SellOrderID)

	// 1000 - 210 reserved + 10 refund - 3 commission
	buyer := h.portfolio(t, 1)
	assertDec(t, "797", buyer.Cash, "buyer cash")
	assertDec(t, "2", holding(buyer, "BTC").Free, "buyer BTC")

	seller := h.portfolio(t, 2)
	assertDec(t, "200", seller.Cash, "seller cash")
	assertDec(t, "0", holding(seller, "BTC").Free, "seller free BTC")
	assertDec(t, "0", holding(seller, "BTC").Locked, "seller locked BTC")

	for _, id := range []int64{buy.ID, sell.ID} {
		o := h.order(t, id)
		assert.Equal(t, domain.OrderStatusFilled, o.Status)
		assertDec(t, "0", o.Amount, "remaining amount")
		assertDec(t, "2", o.Filled, "filled")
		assertDec(t, "0", o.Reserved, "reserved")
	}

	commission, err := h.recorder.TotalCommission(context.Background(), h.store.Read())
	require.NoError(t, err)
	assert.True(t, buyer.Cash.Add(seller.Cash).Add(commission).Equal(d("1000")), "cash is conserved")

	events := h.notifier.all()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, domain.EventTradeMatched, ev.event)
		assert.Equal(t, tr.ID, ev.payload.Trade.ID)
		assert.Equal(t, ev.userID, ev.payload.Order.UserID, "each user receives their own leg")
	}

	snap := h.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.TradesSettled)
}

func TestAttemptMatch_RestingBuySetsPrice(t *testing.T) {
	h := newHarness(t, defaultFees())
	h.fundCash(t, 1, "1000")
	h.fundAsset(t, 2, "BTC", "1")

	buy := h.place(t, 1, domain.SideBuy, "105", "1")
	sell := h.place(t, 2, domain.SideSell, "100", "1")

	matched, err := h.engine.AttemptMatch(context.Background(), sell.ID)
	require.NoError(t, err)
	require.True(t, matched)

	// 1000 - 105 - 1.575 commission, nothing to refund
	assertDec(t, "893.425", h.portfolio(t, 1).Cash, "buyer cash")
	assertDec(t, "105", h.portfolio(t, 2).Cash, "seller cash")
	assert.Equal(t, domain.OrderStatusFilled, h.order(t, buy.ID).Status)
}

func TestAttemptMatch_TimePriority(t *testing.T) {
	h := newHarness(t, defaultFees())
	h.fundCash(t, 1, "1000")
	h.fundAsset(t, 2, "BTC", "1")
	h.fundAsset(t, 3, "BTC", "1")

	first := h.place(t, 2, domain.SideSell, "100", "1")
	second := h.place(t, 3, domain.SideSell, "100", "1")
	buy := h.place(t, 1, domain.SideBuy, "100", "1")

	matched, err := h.engine.AttemptMatch(context.Background(), buy.ID)
	require.NoError(t, err)
	require.True(t, matched)

	assert.Equal(t, domain.OrderStatusFilled, h.order(t, first.ID).Status)
	assert.Equal(t, domain.OrderStatusOpen, h.order(t, second.ID).Status)
}

func TestAttemptMatch_BestPriceBeatsTime(t *testing.T) {
	h := newHarness(t, defaultFees())
	h.fundCash(t, 1, "1000")
	h.fundAsset(t, 2, "BTC", "1")
	h.fundAsset(t, 3, "BTC", "1")

	h.place(t, 2, domain.SideSell, "101", "1")
	cheaper := h.place(t, 3, domain.SideSell, "99", "1")
	buy := h.place(t, 1, domain.SideBuy, "102", "1")

	matched, err := h.engine.AttemptMatch(context.Background(), buy.ID)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, domain.OrderStatusFilled, h.order(t, cheaper.ID).Status)
}

func TestAttemptMatch_PartialFillKeepsRemainderOpen(t *testing.T) {
	h := newHarness(t, defaultFees())
	h.fundCash(t, 1, "1000")
	h.fundAsset(t, 2, "BTC", "3")

	sell := h.place(t, 2, domain.SideSell, "100", "3")
	buy := h.place(t, 1, domain.SideBuy, "101", "1")

	matched, err := h.engine.AttemptMatch(context.Background(), buy.ID)
	require.NoError(t, err)
	require.True(t, matched)

	s := h.order(t, sell.ID)
	assert.Equal(t, domain.OrderStatusOpen, s.Status)
	assertDec(t, "2", s.Amount, "sell remainder")
	assertDec(t, "1", s.Filled, "sell filled")
	assertDec(t, "2", s.Reserved, "sell reserved")
	assertDec(t, "2", holding(h.portfolio(t, 2), "BTC").Locked, "seller still locks the remainder")
	assert.Equal(t, domain.OrderStatusFilled, h.order(t, buy.ID).Status)

	// a later buy for more than the remainder drains it and stays open itself
	big := h.place(t, 1, domain.SideBuy, "100", "5")
	n, err := h.engine.Drain(context.Background(), big.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b := h.order(t, big.ID)
	assert.Equal(t, domain.OrderStatusOpen, b.Status)
	assertDec(t, "3", b.Amount, "buy remainder")
	assertDec(t, "300", b.Reserved, "buy reserves 100*3 for the remainder")
	assert.Equal(t, domain.OrderStatusFilled, h.order(t, sell.ID).Status)

	// 1000 - (100 + 1.5) - (200 + 3) - 300 reserved
	assertDec(t, "395.5", h.portfolio(t, 1).Cash, "buyer free cash")
}

func TestAttemptMatch_NoMatchCases(t *testing.T) {
	h := newHarness(t, defaultFees())
	h.fundCash(t, 1, "1000")
	h.fundAsset(t, 1, "BTC", "1")
	h.fundAsset(t, 2, "BTC", "1")

	own := h.place(t, 1, domain.SideSell, "90", "1")
	h.place(t, 2, domain.SideSell, "120", "1")
	buy := h.place(t, 1, domain.SideBuy, "100", "1")

	matched, err := h.engine.AttemptMatch(context.Background(), buy.ID)
	require.NoError(t, err)
	assert.False(t, matched, "own sell is not eligible, the other is too expensive")
	assert.Equal(t, domain.OrderStatusOpen, h.order(t, own.ID).Status)
	assert.Empty(t, h.notifier.all())

	_, err = h.engine.AttemptMatch(context.Background(), 9999)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestAttemptMatch_ClosedOrderIsNoop(t *testing.T) {
	h := newHarness(t, defaultFees())
	h.fundCash(t, 1, "1000")
	h.fundAsset(t, 2, "BTC", "2")

	h.place(t, 2, domain.SideSell, "100", "1")
	buy := h.place(t, 1, domain.SideBuy, "100", "1")
	h.place(t, 2, domain.SideSell, "100", "1")

	matched, err := h.engine.AttemptMatch(context.Background(), buy.ID)
	require.NoError(t, err)
	require.True(t, matched)

	// the buy is Filled now; a second attempt must not settle against the other sell
	matched, err = h.engine.AttemptMatch(context.Background(), buy.ID)
	require.NoError(t, err)
	assert.False(t, matched)

	trades, err := h.recorder.History(context.Background(), h.store.Read(), 1, 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestAttemptMatch_UncoveredCommissionAborts(t *testing.T) {
	h := newHarness(t, defaultFees())
	h.fundCash(t, 1, "105")
	h.fundAsset(t, 2, "BTC", "1")

	sell := h.place(t, 2, domain.SideSell, "105", "1")
	buy := h.place(t, 1, domain.SideBuy, "105", "1")

	matched, err := h.engine.AttemptMatch(context.Background(), buy.ID)
	assert.False(t, matched)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.Equal(t, domain.OrderStatusOpen, h.order(t, buy.ID).Status)
	assert.Equal(t, domain.OrderStatusOpen, h.order(t, sell.ID).Status)
	assertDec(t, "0", h.portfolio(t, 1).Cash, "buyer cash untouched")
	assertDec(t, "1", holding(h.portfolio(t, 2), "BTC").Locked, "seller lock untouched")
}

func TestAttemptMatch_SkipsCounterBuyerWhoCannotPayCommission(t *testing.T) {
	h := newHarness(t, defaultFees())
	h.fundCash(t, 1, "100")
	h.fundCash(t, 3, "10000")
	h.fundAsset(t, 2, "BTC", "1")

	broke := h.place(t, 1, domain.SideBuy, "100", "1")
	funded := h.place(t, 3, domain.SideBuy, "99", "1")
	sell := h.place(t, 2, domain.SideSell, "90", "1")

	matched, err := h.engine.AttemptMatch(context.Background(), sell.ID)
	require.NoError(t, err)
	assert.True(t, matched)

	assert.Equal(t, domain.OrderStatusOpen, h.order(t, broke.ID).Status)
	assert.Equal(t, domain.OrderStatusFilled, h.order(t, funded.ID).Status)
	assert.Equal(t, domain.OrderStatusFilled, h.order(t, sell.ID).Status)

	// 99 * 1 at the resting bid, commission 1.485
	assertDec(t, "0", h.portfolio(t, 1).Cash, "skipped buyer untouched")
	assertDec(t, "9899.515", h.portfolio(t, 3).Cash, "funded buyer")
	assertDec(t, "99", h.portfolio(t, 2).Cash, "seller")
}

func TestAttemptMatch_EveryCounterBuyerUnderfunded(t *testing.T) {
	h := newHarness(t, defaultFees())
	h.fundCash(t, 1, "100")
	h.fundCash(t, 3, "99")
	h.fundAsset(t, 2, "BTC", "1")

	h.place(t, 1, domain.SideBuy, "100", "1")
	h.place(t, 3, domain.SideBuy, "99", "1")
	sell := h.place(t, 2, domain.SideSell, "90", "1")

	matched, err := h.engine.AttemptMatch(context.Background(), sell.ID)
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Equal(t, domain.OrderStatusOpen, h.order(t, sell.ID).Status)
	assertDec(t, "1", holding(h.portfolio(t, 2), "BTC").Locked, "seller lock untouched")
}

func TestAttemptMatch_ReservedCommission(t *testing.T) {
	fees := defaultFees()
	fees.ReserveCommission = true
	h := newHarness(t, fees)
	h.fundCash(t, 1, "213.15")
	h.fundAsset(t, 2, "BTC", "2")

	h.place(t, 2, domain.SideSell, "100", "2")
	buy := h.place(t, 1, domain.SideBuy, "105", "2")
	assertDec(t, "0", h.portfolio(t, 1).Cash, "210 notional + 3.15 commission reserved")

	matched, err := h.engine.AttemptMatch(context.Background(), buy.ID)
	require.NoError(t, err)
	require.True(t, matched)

	// 213.15 - 200 - 3
	assertDec(t, "10.15", h.portfolio(t, 1).Cash, "buyer cash")
}

func TestAttemptMatch_LedgerInconsistencyAborts(t *testing.T) {
	h := newHarness(t, defaultFees())
	h.fundCash(t, 1, "1000")
	h.fundAsset(t, 2, "BTC", "1")

	sell := h.place(t, 2, domain.SideSell, "100", "1")
	buy := h.place(t, 1, domain.SideBuy, "100", "1")

	// lose the seller's lock behind the ledger's back
	require.NoError(t, h.store.InTx(context.Background(), "corrupt", func(ctx context.Context, tx domain.Tx) error {
		hd, err := tx.Accounts().LockHolding(ctx, 2, "BTC")
		if err != nil {
			return err
		}
		hd.Locked = decimal.Zero
		return tx.Accounts().SaveHolding(ctx, hd)
	}))

	matched, err := h.engine.AttemptMatch(context.Background(), buy.ID)
	assert.False(t, matched)
	assert.ErrorIs(t, err, domain.ErrLedgerInconsistency)
	assert.Equal(t, uint64(1), h.metrics.Snapshot().LedgerInconsistency)

	assert.Equal(t, domain.OrderStatusOpen, h.order(t, buy.ID).Status)
	assert.Equal(t, domain.OrderStatusOpen, h.order(t, sell.ID).Status)
	assertDec(t, "900", h.portfolio(t, 1).Cash, "no refund committed")
	assert.Empty(t, h.notifier.all())
}

func TestAttemptMatch_ConcurrentAttemptsSettleOnce(t *testing.T) {
	h := newHarness(t, defaultFees())
	h.fundCash(t, 1, "1000")
	h.fundAsset(t, 2, "BTC", "1")

	sell := h.place(t, 2, domain.SideSell, "100", "1")
	buy := h.place(t, 1, domain.SideBuy, "100", "1")

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		id := buy.ID
		if i%2 == 1 {
			id = sell.ID
		}
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			ok, err := h.engine.AttemptMatch(context.Background(), id)
			assert.NoError(t, err)
			results <- ok
		}(id)
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	assertDec(t, "100", h.portfolio(t, 2).Cash, "seller paid exactly once")
}

func TestDrain_RespectsLimit(t *testing.T) {
	h := newHarness(t, defaultFees())
	h.engine.maxMatches = 2
	h.fundCash(t, 1, "1000")
	for uid := int64(2); uid <= 4; uid++ {
		h.fundAsset(t, uid, "BTC", "1")
		h.place(t, uid, domain.SideSell, "10", "1")
	}
	buy := h.place(t, 1, domain.SideBuy, "10", "3")

	n, err := h.engine.Drain(context.Background(), buy.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assertDec(t, "1", h.order(t, buy.ID).Amount, "one unit left for a later trigger")
}
