package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/labnodes/internal/progress"
)

// LogSink writes one structured line per event. With no broker configured it
// is the only audit trail a node leaves.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink logging through logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

var stageMessages = map[progress.Stage]string{
	progress.StageActionStart:  "action started",
	progress.StageActionDone:   "action finished",
	progress.StageActionError:  "action failed",
	progress.StageStatusChange: "node status changed",
}

// Consume logs the batch in order. Failed actions log at warn.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for i := range batch {
		evt := &batch[i]
		level := zapcore.InfoLevel
		if evt.Stage == progress.StageActionError {
			level = zapcore.WarnLevel
		}
		msg, ok := stageMessages[evt.Stage]
		if !ok {
			msg = "progress event"
		}
		if ce := s.logger.Check(level, msg); ce != nil {
			ce.Write(eventFields(evt)...)
		}
	}
	return nil
}

func eventFields(evt *progress.Event) []zap.Field {
	fields := make([]zap.Field, 0, 8)
	fields = append(fields, zap.String("stage", string(evt.Stage)), zap.String("node", evt.Node), zap.Time("ts", evt.TS))
	if evt.ActionID != "" {
		fields = append(fields, zap.String("action_id", evt.ActionID), zap.String("handle", evt.Handle))
	}
	if evt.Stage == progress.StageStatusChange {
		fields = append(fields, zap.String("from", string(evt.From)), zap.String("to", string(evt.To)))
	}
	if evt.Result != "" {
		fields = append(fields, zap.String("result", string(evt.Result)), zap.Duration("dur", evt.Dur))
	}
	if evt.Kind != "" {
		fields = append(fields, zap.String("kind", string(evt.Kind)))
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	return fields
}

// Close is a no-op; the logger is owned and synced by the caller.
func (s *LogSink) Close(context.Context) error {
	return nil
}
