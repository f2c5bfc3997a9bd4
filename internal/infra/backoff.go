package infra

import (
	"time"
)

// Backoff computes exponential retry delays: Base * 2^retry, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// TxBackoff is the delay policy between retries of a transaction that lost a lock race.
var TxBackoff = Backoff{Base: 10 * time.Millisecond, Max: 250 * time.Millisecond}

// Delay returns the backoff duration for a given retry count.
// If retryCount is negative, it returns Base.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		return b.Base
	}

	// 2^30 * Base is already far beyond any sane Max.
	if retryCount > 30 {
		return b.Max
	}

	backoff := b.Base * time.Duration(1<<retryCount)

	if backoff > b.Max || backoff <= 0 {
		return b.Max
	}

	return backoff
}
