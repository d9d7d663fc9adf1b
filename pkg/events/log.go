package events

import (
	"context"
	"log/slog"
)

// LogSink writes events through slog. Denies, failures and skipped keys are
// logged at warn; everything else at info, except admissions, which are
// logged at debug to keep request-rate noise out of default logs.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements [Sink].
func (s LogSink) Emit(ctx context.Context, e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := make([]slog.Attr, 0, len(e.Fields)+2)
	attrs = append(attrs, slog.String("event", string(e.Name)))
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	for k, v := range e.Fields {
		attrs = append(attrs, slog.String(k, v))
	}

	logger.LogAttrs(ctx, levelFor(e.Name), "admission event", attrs...)
}

func levelFor(name Name) slog.Level {
	switch name {
	case AdmissionAllowed:
		return slog.LevelDebug
	case KeySetRefreshFailed, KeySetStaleServed, KeySetEntrySkipped,
		NonCanonicalHeader, AdmissionDenied, DevBypass, RateLimitTableFull:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
