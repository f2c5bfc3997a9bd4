package book

import (
	"context"
	"fmt"
	"slices"

	"spot_venue/internal/domain"
)

// Book is the order book store: persisted open orders queried under price-time priority.
type Book struct {
	symbols []string
}

// New creates a Book accepting orders for the given symbols.
func New(symbols []string) *Book {
	return &Book{symbols: slices.Clone(symbols)}
}

// Symbols returns the traded symbols.
func (b *Book) Symbols() []string {
	return slices.Clone(b.symbols)
}

// ValidSymbol checks if symbol is traded on this venue
func (b *Book) ValidSymbol(symbol string) error {
	if !slices.Contains(b.symbols, symbol) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidSymbol, symbol)
	}
	return nil
}

// Insert adds a new Open order to the book.
func (b *Book) Insert(ctx context.Context, tx domain.Tx, o *domain.Order) error {
	if err := b.ValidSymbol(o.Symbol); err != nil {
		return err
	}
	if !o.IsOpen() {
		return fmt.Errorf("insert order in status %s: %w", o.Status, domain.ErrOrderAlreadyClosed)
	}
	return tx.Orders().InsertOrder(ctx, o)
}

// Lock takes the row lock of an order.
func (b *Book) Lock(ctx context.Context, tx domain.Tx, orderID int64) (*domain.Order, error) {
	return tx.Orders().LockOrder(ctx, orderID)
}

// LockOwned locks an order and checks that userID owns it.
func (b *Book) LockOwned(ctx context.Context, tx domain.Tx, userID, orderID int64) (*domain.Order, error) {
	o, err := b.Lock(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("order %d: %w", orderID, domain.ErrOrderNotOwned)
	}
	return o, nil
}

// BestCounter locks the best eligible counter-order for o, or returns nil.
// Orders listed in skip are never returned.
func (b *Book) BestCounter(ctx context.Context, tx domain.Tx, o *domain.Order, skip ...int64) (*domain.Order, error) {
	return tx.Orders().LockBestCounter(ctx, o, skip)
}

// Save persists a locked order.
func (b *Book) Save(ctx context.Context, tx domain.Tx, o *domain.Order) error {
	return tx.Orders().SaveOrder(ctx, o)
}

// Get reads an order without locking it.
func (b *Book) Get(ctx context.Context, r domain.Tx, orderID int64) (*domain.Order, error) {
	return r.Orders().GetOrder(ctx, orderID)
}

// Depth returns both sides of the book. An empty symbol lists every symbol.
func (b *Book) Depth(ctx context.Context, r domain.Tx, symbol string) (*domain.Depth, error) {
	if symbol != "" {
		if err := b.ValidSymbol(symbol); err != nil {
			return nil, err
		}
	}

	buys, err := r.Orders().ListOpen(ctx, symbol, domain.SideBuy)
	if err != nil {
		return nil, fmt.Errorf("list buy orders: %w", err)
	}
	sells, err := r.Orders().ListOpen(ctx, symbol, domain.SideSell)
	if err != nil {
		return nil, fmt.Errorf("list sell orders: %w", err)
	}
	return &domain.Depth{Symbol: symbol, Buys: buys, Sells: sells}, nil
}
