package events

import (
	"context"
	"sort"

	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AuditLogger writes one structured log line per event.
type AuditLogger struct {
	logger *logging.Logger
}

// NewAuditLogger creates an audit observer on logger.
func NewAuditLogger(logger *logging.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.Named("audit")}
}

// Attach subscribes the audit logger to every event kind on bus.
func (a *AuditLogger) Attach(bus *Bus) func() {
	return bus.Subscribe(Any, a.Handle)
}

// Handle logs e. Failure transitions log at warn.
func (a *AuditLogger) Handle(ctx context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("event.kind", string(e.Kind)),
		zap.String("run.id", e.RunID),
		zap.Time("event.timestamp", e.Timestamp),
	}
	if e.Phase != "" {
		fields = append(fields, zap.String("phase.code", e.Phase))
	}
	if len(e.Payload) > 0 {
		fields = append(fields, zap.Object("payload", payloadMarshaler(e.Payload)))
	}

	switch e.Kind {
	case PhaseFailed, RunFailed:
		a.logger.Warn(ctx, "run event", fields...)
	default:
		a.logger.Info(ctx, "run event", fields...)
	}
	return nil
}

type payloadMarshaler map[string]any

func (p payloadMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := enc.AddReflected(k, p[k]); err != nil {
			return err
		}
	}
	return nil
}
