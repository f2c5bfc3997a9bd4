package book

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"spot_venue/internal/domain"
	"spot_venue/internal/infra"
	"spot_venue/internal/infra/storage"

	"github.com/shopspring/decimal"
)

func setupTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(storage.Options{
		Driver:  infra.DriverSQLite,
		DSN:     filepath.Join(t.TempDir(), "book.db"),
		Metrics: &infra.Metrics{},
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newOrder(t *testing.T, userID int64, symbol string, side domain.Side, price string, at time.Time) *domain.Order {
	t.Helper()
	o, err := domain.NewOrder(userID, symbol, side, decimal.RequireFromString(price), decimal.NewFromInt(1), at)
	if err != nil {
		t.Fatalf("NewOrder failed: %v", err)
	}
	return o
}

func TestBook_InsertRejectsUnknownSymbol(t *testing.T) {
	s := setupTestStore(t)
	b := New([]string{"BTC", "ETH"})
	now := time.Now().UTC()

	err := s.InTx(context.Background(), "insert", func(ctx context.Context, tx domain.Tx) error {
		return b.Insert(ctx, tx, newOrder(t, 1, "DOGE", domain.SideBuy, "1", now))
	})
	if !errors.Is(err, domain.ErrInvalidSymbol) {
		t.Errorf("expected ErrInvalidSymbol, got %v", err)
	}

	if _, err := b.Depth(context.Background(), s.Read(), "DOGE"); !errors.Is(err, domain.ErrInvalidSymbol) {
		t.Errorf("expected ErrInvalidSymbol from Depth, got %v", err)
	}
}

func TestBook_LockOwned(t *testing.T) {
	s := setupTestStore(t)
	b := New([]string{"BTC"})
	o := newOrder(t, 1, "BTC", domain.SideSell, "100", time.Now().UTC())

	if err := s.InTx(context.Background(), "insert", func(ctx context.Context, tx domain.Tx) error {
		return b.Insert(ctx, tx, o)
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	tests := []struct {
		name    string
		userID  int64
		orderID int64
		wantErr error
	}{
		{"owner", 1, o.ID, nil},
		{"other user", 2, o.ID, domain.ErrOrderNotOwned},
		{"missing", 1, o.ID + 100, domain.ErrOrderNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.InTx(context.Background(), "lock", func(ctx context.Context, tx domain.Tx) error {
				_, err := b.LockOwned(ctx, tx, tt.userID, tt.orderID)
				return err
			})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestBook_Depth(t *testing.T) {
	s := setupTestStore(t)
	b := New([]string{"BTC", "ETH"})
	t0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	orders := []*domain.Order{
		newOrder(t, 1, "BTC", domain.SideBuy, "99", t0),
		newOrder(t, 2, "BTC", domain.SideBuy, "100", t0.Add(time.Second)),
		newOrder(t, 3, "BTC", domain.SideSell, "102", t0),
		newOrder(t, 4, "BTC", domain.SideSell, "101", t0.Add(time.Second)),
		newOrder(t, 5, "ETH", domain.SideSell, "10", t0),
	}
	if err := s.InTx(context.Background(), "seed", func(ctx context.Context, tx domain.Tx) error {
		for _, o := range orders {
			if err := b.Insert(ctx, tx, o); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	depth, err := b.Depth(context.Background(), s.Read(), "BTC")
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if len(depth.Buys) != 2 || depth.Buys[0].UserID != 2 {
		t.Errorf("expected best bid from user 2 first, got %+v", depth.Buys)
	}
	if len(depth.Sells) != 2 || depth.Sells[0].UserID != 4 {
		t.Errorf("expected best ask from user 4 first, got %+v", depth.Sells)
	}

	all, err := b.Depth(context.Background(), s.Read(), "")
	if err != nil {
		t.Fatalf("Depth(all) failed: %v", err)
	}
	if len(all.Sells) != 3 {
		t.Errorf("expected 3 sells across symbols, got %d", len(all.Sells))
	}
}
