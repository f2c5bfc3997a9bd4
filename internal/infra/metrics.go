package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	ordersPlaced         atomic.Uint64
	ordersRejected       atomic.Uint64
	ordersCancelled      atomic.Uint64
	matchAttempts        atomic.Uint64
	tradesSettled        atomic.Uint64
	lockTimeouts         atomic.Uint64
	ledgerInconsistency  atomic.Uint64
	notificationsDropped atomic.Uint64

	// Latency tracking
	settleSumNs atomic.Int64
	settleCount atomic.Uint64
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordOrderPlaced records an order that committed in the Open state.
func (m *Metrics) RecordOrderPlaced() {
	m.ordersPlaced.Add(1)
}

// RecordOrderRejected records a placement rolled back for a validation reason.
func (m *Metrics) RecordOrderRejected() {
	m.ordersRejected.Add(1)
}

// RecordOrderCancelled records a committed cancellation.
func (m *Metrics) RecordOrderCancelled() {
	m.ordersCancelled.Add(1)
}

// RecordMatchAttempt records one AttemptMatch call, matched or not.
func (m *Metrics) RecordMatchAttempt() {
	m.matchAttempts.Add(1)
}

// RecordTrade records a committed settlement with its latency.
func (m *Metrics) RecordTrade(latencyNs int64) {
	m.tradesSettled.Add(1)
	m.settleSumNs.Add(latencyNs)
	m.settleCount.Add(1)
}

// RecordLockTimeout records a transaction that gave up waiting for row locks.
func (m *Metrics) RecordLockTimeout() {
	m.lockTimeouts.Add(1)
}

// RecordLedgerInconsistency records a conservation violation. Any non-zero value needs a human.
func (m *Metrics) RecordLedgerInconsistency() {
	m.ledgerInconsistency.Add(1)
}

// RecordNotificationDropped records an event that was not queued for delivery.
func (m *Metrics) RecordNotificationDropped() {
	m.notificationsDropped.Add(1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	OrdersPlaced         uint64
	OrdersRejected       uint64
	OrdersCancelled      uint64
	MatchAttempts        uint64
	TradesSettled        uint64
	LockTimeouts         uint64
	LedgerInconsistency  uint64
	NotificationsDropped uint64
	AvgSettleNs          int64
	Timestamp            time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.settleCount.Load()
	if count > 0 {
		avgLatency = m.settleSumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		OrdersPlaced:         m.ordersPlaced.Load(),
		OrdersRejected:       m.ordersRejected.Load(),
		OrdersCancelled:      m.ordersCancelled.Load(),
		MatchAttempts:        m.matchAttempts.Load(),
		TradesSettled:        m.tradesSettled.Load(),
		LockTimeouts:         m.lockTimeouts.Load(),
		LedgerInconsistency:  m.ledgerInconsistency.Load(),
		NotificationsDropped: m.notificationsDropped.Load(),
		AvgSettleNs:          avgLatency,
		Timestamp:            time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.ordersPlaced.Store(0)
	m.ordersRejected.Store(0)
	m.ordersCancelled.Store(0)
	m.matchAttempts.Store(0)
	m.tradesSettled.Store(0)
	m.lockTimeouts.Store(0)
	m.ledgerInconsistency.Store(0)
	m.notificationsDropped.Store(0)
	m.settleSumNs.Store(0)
	m.settleCount.Store(0)
}
