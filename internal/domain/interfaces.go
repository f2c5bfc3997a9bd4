package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// AccountRepository loads and saves accounts and holdings.
// Lock* methods take an exclusive row lock held until the enclosing transaction ends.
type AccountRepository interface {
	// OpenAccount creates a zero-cash account if the user has none.
	OpenAccount(ctx context.Context, userID int64) error
	LockAccount(ctx context.Context, userID int64) (*Account, error)
	// LockHolding locks the (user, symbol) holding, creating a zero-balance row first if needed.
	LockHolding(ctx context.Context, userID int64, symbol string) (*Holding, error)
	SaveAccount(ctx context.Context, a *Account) error
	SaveHolding(ctx context.Context, h *Holding) error

	GetAccount(ctx context.Context, userID int64) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	ListHoldings(ctx context.Context, userID int64) ([]Holding, error)
}

// OrderRepository persists orders.
type OrderRepository interface {
	InsertOrder(ctx context.Context, o *Order) error
	LockOrder(ctx context.Context, id int64) (*Order, error)
	// LockBestCounter locks the best eligible Open counter-order for o under price-time
	// priority, or returns nil when there is none. Orders whose id is in skip are ignored.
	LockBestCounter(ctx context.Context, o *Order, skip []int64) (*Order, error)
	SaveOrder(ctx context.Context, o *Order) error

	GetOrder(ctx context.Context, id int64) (*Order, error)
	// ListOpen returns Open orders of one side; an empty symbol means every symbol.
	ListOpen(ctx context.Context, symbol string, side Side) ([]Order, error)
}

// TradeRepository is append-only.
type TradeRepository interface {
	InsertTrade(ctx context.Context, t *Trade) error
	ListTradesByUser(ctx context.Context, userID int64, limit int) ([]Trade, error)
	SumCommission(ctx context.Context) (decimal.Decimal, error)
}

// Tx is an explicit transaction handle. Every ledger and order operation receives one.
type Tx interface {
	Accounts() AccountRepository
	Orders() OrderRepository
	Trades() TradeRepository
}

// Store runs atomic units of work.
type Store interface {
	// InTx runs fn in one transaction: committed if fn returns nil, rolled back otherwise.
	InTx(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error
	// Read returns a handle for lock-free snapshot queries outside any transaction.
	Read() Tx
}

// Notifier delivers an event to one user. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, userID int64, event string, payload MatchPayload) error
}
