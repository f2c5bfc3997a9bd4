package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"spot_venue/internal/book"
	"spot_venue/internal/engine"
	"spot_venue/internal/infra"
	"spot_venue/internal/infra/notify"
	"spot_venue/internal/infra/storage"
	"spot_venue/internal/ledger"
	"spot_venue/internal/service"
	"spot_venue/internal/trade"

	"github.com/shopspring/decimal"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config     *infra.Config
	Logger     *slog.Logger
	Storage    *storage.Storage
	Dispatcher *notify.Dispatcher
	Hub        *notify.Hub
	Engine     *engine.Engine
	Orders     *service.OrderService

	wsServer *notify.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the config and wires storage, ledger, matching and notification.
func (b *Bootstrap) Initialize(configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	slog.Info("🚀 Bootstrapping spot venue...", slog.String("version", cfg.App.Version))

	// 3. Initialize Storage (DB)
	store, err := storage.Open(storage.OptionsFromConfig(cfg, b.Logger))
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("driver", cfg.Database.Driver))

	// 4. Notification sinks
	sinks := []notify.Sink{notify.NewLogSink(b.Logger)}
	if cfg.Notify.Websocket.Enabled {
		b.Hub = notify.NewHub(b.Logger, nil)
		b.wsServer = notify.NewServer(cfg.Notify.Websocket.Addr, b.Hub, b.Logger)
		sinks = append(sinks, b.Hub)
	}
	if cfg.Notify.Kafka.Enabled {
		sinks = append(sinks, notify.NewKafkaSink(cfg.Notify.Kafka.Brokers, cfg.Notify.Kafka.Topic))
		slog.Info("✅ Kafka publisher ready", slog.String("topic", cfg.Notify.Kafka.Topic))
	}
	b.Dispatcher = notify.NewDispatcher(cfg.Notify.QueueSize, b.Logger, infra.GlobalMetrics, sinks...)

	// 5. Matching engine and order service
	fees := cfg.Fees()
	l := ledger.New(b.Logger)
	bk := book.New(cfg.Trading.Symbols)
	rec := trade.NewRecorder()

	b.Engine = engine.New(store, l, bk, rec, b.Dispatcher, engine.Options{
		Fees:               fees,
		MaxMatchesPerOrder: cfg.Trading.MaxMatchesPerOrder,
		Logger:             b.Logger,
		Metrics:            infra.GlobalMetrics,
	})
	b.Orders = service.NewOrderService(store, l, bk, rec, b.Engine, service.Options{
		Fees:         fees,
		MatchOnPlace: cfg.Trading.MatchOnPlace,
		Logger:       b.Logger,
		Metrics:      infra.GlobalMetrics,
	})
	slog.Info("✅ Matching engine ready",
		slog.Any("symbols", cfg.Trading.Symbols),
		slog.String("commission_rate", fees.Rate.String()),
		slog.Bool("reserve_commission", fees.ReserveCommission))

	return nil
}

// Start runs the background parts: notification delivery and the websocket listener.
func (b *Bootstrap) Start(ctx context.Context) {
	// Delivery outlives ctx so Shutdown can drain the queue.
	go b.Dispatcher.Run(context.WithoutCancel(ctx))
	if b.wsServer != nil {
		b.wsServer.Start()
	}
}

// Seed funds the demo accounts: two users with 100000 cash, user 2 also holding 1 BTC and 10 ETH.
func (b *Bootstrap) Seed(ctx context.Context) error {
	cash := decimal.NewFromInt(100000)
	for _, userID := range []int64{1, 2} {
		if err := b.Orders.Deposit(ctx, userID, cash); err != nil {
			return err
		}
	}
	assets := []struct {
		symbol string
		amount decimal.Decimal
	}{
		{"BTC", decimal.NewFromInt(1)},
		{"ETH", decimal.NewFromInt(10)},
	}
	for _, a := range assets {
		if err := b.Orders.DepositAsset(ctx, 2, a.symbol, a.amount); err != nil {
			return err
		}
	}
	slog.Info("✅ Demo accounts seeded")
	return nil
}

// Shutdown stops delivery, the listener and the database, in that order.
func (b *Bootstrap) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if b.wsServer != nil {
		errs = append(errs, b.wsServer.Shutdown(ctx))
	}
	if b.Dispatcher != nil {
		errs = append(errs, b.Dispatcher.Close())
	}
	if b.Storage != nil {
		errs = append(errs, b.Storage.Close())
	}

	snap := infra.GlobalMetrics.Snapshot()
	slog.Info("📊 Final metrics",
		slog.Uint64("orders_placed", snap.OrdersPlaced),
		slog.Uint64("trades_settled", snap.TradesSettled),
		slog.Uint64("lock_timeouts", snap.LockTimeouts),
		slog.Uint64("ledger_inconsistency", snap.LedgerInconsistency),
		slog.Uint64("notifications_dropped", snap.NotificationsDropped))
	return errors.Join(errs...)
}
