package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/progress"
)

// LogSink emits structured logs for progress streams. The CLI uses it as its
// observer when no other sink is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Failed items
// are logged at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("task_id", evt.TaskUUID()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Code != "" {
			fields = append(fields, zap.String("code", evt.Code))
		}
		if evt.Page != "" {
			fields = append(fields, zap.String("page", evt.Page))
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", string(evt.Status)))
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		if evt.Stage.Started() || evt.Stage.Finished() || evt.Stage == progress.StageIdolProgress {
			fields = append(fields,
				zap.Int("success", evt.SuccessCount),
				zap.Int("error", evt.ErrorCount),
				zap.Int("total", evt.TotalCount),
				zap.Int("processed", evt.Processed),
			)
		}
		if evt.Status == progress.ItemFailed || evt.Stage == progress.StagePageFailed {
			s.logger.Warn("progress event", fields...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
