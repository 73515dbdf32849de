package eventbus

import (
	"context"
	"log/slog"

	"mosaic-ai/internal/domain"
)

// eventLevels sets the log level per event type. Types not listed log at debug.
var eventLevels = map[domain.EventType]slog.Level{
	domain.EventCrisisDetected:        slog.LevelWarn,
	domain.EventAlertTriggered:        slog.LevelWarn,
	domain.EventBreakerStateChanged:   slog.LevelWarn,
	domain.EventCoordinationCompleted: slog.LevelInfo,
	domain.EventOptimizationCompleted: slog.LevelInfo,
}

// LogEvents subscribes a structured-log sink to every event on bus.
// Returns the unsubscribe function.
func LogEvents(bus domain.EventBus, logger *slog.Logger) func() {
	return bus.SubscribeAll(func(ctx context.Context, ev domain.Event) {
		level, ok := eventLevels[ev.Type]
		if !ok {
			level = slog.LevelDebug
		}
		logger.Log(ctx, level, "event",
			"type", string(ev.Type),
			"session_id", ev.SessionID,
			"payload", string(ev.Payload),
		)
	})
}
