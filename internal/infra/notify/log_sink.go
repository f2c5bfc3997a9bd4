package notify

import (
	"context"
	"log/slog"

	"spot_venue/internal/event"
)

// LogSink writes every envelope to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger falls back to slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, env event.Envelope) error {
	s.logger.InfoContext(ctx, "Notification",
		slog.String("event", env.Name),
		slog.String("channel", env.Channel),
		slog.Int64("order_id", env.Payload.Order.ID),
		slog.String("order_status", string(env.Payload.Order.Status)),
		slog.Int64("trade_id", env.Payload.Trade.ID))
	return nil
}

func (s *LogSink) Close() error { return nil }
