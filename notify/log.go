package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/household-points/points"
)

// LogSink writes every event to the logger at Info level.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("notify")}
}

func (s *LogSink) Publish(_ context.Context, ev points.Event) error {
	s.logger.Info(ev.Title,
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("user_id", string(ev.UserID)),
		zap.String("group_id", string(ev.GroupID)),
		zap.String("message", ev.Message),
		zap.Any("data", ev.Data),
	)
	return nil
}
