package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// LockTimeoutError is returned when a transaction could not obtain its row locks in time,
// or the store aborted it to break a deadlock. Always retriable.
type LockTimeoutError struct {
	Op  string // Operation that failed (e.g., "place order", "match")
	Err error  // Underlying error
}

func (e *LockTimeoutError) Error() string {
	return e.Op + ": lock wait: " + e.Err.Error()
}

func (e *LockTimeoutError) IsRetriable() bool {
	return true
}

func (e *LockTimeoutError) Unwrap() error {
	return e.Err
}

// LedgerInconsistencyError reports a reservation that cannot cover a settlement leg.
// It means an earlier operation broke conservation; it is never clamped or retried.
type LedgerInconsistencyError struct {
	UserID int64
	Symbol string // empty for cash
	Op     string
	Want   decimal.Decimal
	Have   decimal.Decimal
}

func (e *LedgerInconsistencyError) Error() string {
	asset := e.Symbol
	if asset == "" {
		asset = "cash"
	}
	return fmt.Sprintf("ledger inconsistency: %s user=%d %s need %s, have %s", e.Op, e.UserID, asset, e.Want, e.Have)
}

func (e *LedgerInconsistencyError) Unwrap() error {
	return ErrLedgerInconsistency
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrInsufficientFunds is returned when free cash cannot cover a reservation or debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientAsset is returned when free holdings cannot cover a sell reservation.
	ErrInsufficientAsset = errors.New("insufficient asset")

	// ErrOrderNotFound is returned when no order has the given id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderNotOwned is returned when a user acts on another user's order.
	ErrOrderNotOwned = errors.New("order not owned by user")

	// ErrOrderAlreadyClosed is returned when an order is Filled or Cancelled.
	ErrOrderAlreadyClosed = errors.New("order already closed")

	// ErrAccountNotFound is returned when a user has no account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrLedgerInconsistency is the sentinel wrapped by LedgerInconsistencyError.
	ErrLedgerInconsistency = errors.New("ledger inconsistency")

	// ErrInvalidSymbol is returned when a symbol is not on the venue's whitelist.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrInvalidSide is returned for a side other than buy or sell.
	ErrInvalidSide = errors.New("invalid side")

	// ErrInvalidPrice is returned for a price below the tick, beyond 8 decimals or out of range.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrInvalidAmount is returned for an amount below the tick or beyond 8 decimals.
	ErrInvalidAmount = errors.New("invalid amount")
)
