package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spot_venue/internal/app"
	"spot_venue/internal/domain"
	"spot_venue/internal/service"

	"github.com/shopspring/decimal"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	seed := flag.Bool("seed", false, "fund the demo accounts on startup")
	demo := flag.Bool("demo", false, "place a crossing pair of demo orders after startup")
	pprofAddr := flag.String("pprof", "", "pprof listen address, e.g. localhost:6060 (disabled when empty)")
	flag.Parse()

	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// 2. Pprof Server (for performance profiling)
	if *pprofAddr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", *pprofAddr))
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap.Start(ctx)

	if *seed {
		if err := bootstrap.Seed(ctx); err != nil {
			slog.Error("❌ Seeding failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
	if *demo {
		runDemo(ctx, bootstrap.Orders)
	}

	slog.InfoContext(ctx, "✨ Spot venue fully operational. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	slog.Info("👋 Shutting down gracefully...")
	if err := bootstrap.Shutdown(10 * time.Second); err != nil {
		slog.Error("Shutdown incomplete", slog.Any("error", err))
		os.Exit(1)
	}
}

// runDemo rests a sell from user 2 and crosses it with a higher buy from user 1.
func runDemo(ctx context.Context, orders *service.OrderService) {
	sell, err := orders.PlaceOrder(ctx, service.PlaceOrderRequest{
		UserID: 2, Symbol: "BTC", Side: domain.SideSell,
		Price: decimal.NewFromInt(100), Amount: decimal.RequireFromString("0.5"),
	})
	if err != nil {
		slog.Error("Demo sell failed", slog.Any("error", err))
		return
	}
	buy, err := orders.PlaceOrder(ctx, service.PlaceOrderRequest{
		UserID: 1, Symbol: "BTC", Side: domain.SideBuy,
		Price: decimal.NewFromInt(105), Amount: decimal.RequireFromString("0.5"),
	})
	if err != nil {
		slog.Error("Demo buy failed", slog.Any("error", err))
		return
	}

	p, err := orders.Portfolio(ctx, 1)
	if err != nil {
		slog.Error("Demo portfolio failed", slog.Any("error", err))
		return
	}
	slog.Info("Demo finished",
		slog.String("sell_status", string(sell.Status)),
		slog.String("buy_status", string(buy.Status)),
		slog.String("buyer_cash", p.Cash.String()))
}
