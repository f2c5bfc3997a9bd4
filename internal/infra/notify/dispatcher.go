package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"spot_venue/internal/domain"
	"spot_venue/internal/event"
	"spot_venue/internal/infra"
)

// ErrQueueFull is returned by Notify when the dispatcher cannot take another event.
var ErrQueueFull = errors.New("notification queue full")

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("dispatcher closed")

// Sink delivers envelopes to one transport.
type Sink interface {
	Name() string
	Send(ctx context.Context, env event.Envelope) error
	Close() error
}

// Dispatcher implements domain.Notifier. Notify only enqueues; Run delivers to every sink.
// Settlement never waits on a slow transport, and a full queue drops the event.
type Dispatcher struct {
	queue   chan event.Envelope
	sinks   []Sink
	logger  *slog.Logger
	metrics *infra.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ domain.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with a buffered queue of queueSize envelopes.
func NewDispatcher(queueSize int, logger *slog.Logger, metrics *infra.Metrics, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Dispatcher{
		queue:   make(chan event.Envelope, queueSize),
		sinks:   sinks,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		done:    make(chan struct{}),
	}
}

// Notify queues one event for userID without blocking.
func (d *Dispatcher) Notify(_ context.Context, userID int64, name string, payload domain.MatchPayload) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.RecordNotificationDropped()
		return ErrClosed
	}

	env := event.New(userID, name, payload, d.now())
	select {
	case d.queue <- env:
		return nil
	default:
		d.metrics.RecordNotificationDropped()
		d.logger.Warn("Notification dropped, queue full",
			slog.String("event_id", env.ID),
			slog.String("channel", env.Channel))
		return ErrQueueFull
	}
}

// Run delivers queued envelopes until ctx is cancelled or Close drains the queue.
// It must be run in a single goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	d.logger.Info("Notification dispatcher started", slog.Int("sinks", len(d.sinks)))

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-d.queue:
			if !ok {
				return
			}
			d.deliver(ctx, env)
		}
	}
}

// Close stops accepting events, waits for Run to drain what is queued and closes the sinks.
// Run must have been started.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done

	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, env event.Envelope) {
	for _, s := range d.sinks {
		if err := s.Send(ctx, env); err != nil {
			d.logger.Warn("Notification delivery failed",
				slog.String("sink", s.Name()),
				slog.String("event_id", env.ID),
				slog.String("channel", env.Channel),
				slog.Any("error", err))
		}
	}
}
