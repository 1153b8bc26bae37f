package bus

import (
	"context"

	"github.com/aiobs/aiobs/internal/pkg/logger"
)

// LoggedBus appends each telemetry.recorded event to the on-disk journal
// before handing it on, so an evaluator that was offline can be caught up
// with Replay.
type LoggedBus struct {
	inner       Bus
	eventLogger *EventLogger
	log         *logger.Logger
}

func NewLoggedBus(inner Bus, eventLogger *EventLogger, log *logger.Logger) *LoggedBus {
	if log == nil {
		log = logger.Default()
	}
	return &LoggedBus{
		inner:       inner,
		eventLogger: eventLogger,
		log:         log,
	}
}

// Publish journals the event, then forwards it. A journal write failure is
// logged and does not stop delivery to live subscribers.
func (b *LoggedBus) Publish(ctx context.Context, topic string, event Event) error {
	if err := b.eventLogger.Log(topic, event); err != nil {
		b.log.Warn("Failed to journal event",
			"topic", topic,
			"event_id", event.ID,
			"record_id", event.CorrelationID,
			"error", err.Error(),
		)
	}

	return b.inner.Publish(ctx, topic, event)
}

func (b *LoggedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.inner.Subscribe(ctx, topic, handler)
}

// Close flushes the journal, then closes the wrapped bus.
func (b *LoggedBus) Close() error {
	if err := b.eventLogger.Close(); err != nil {
		b.log.Warn("Failed to close event journal", "error", err.Error())
	}

	return b.inner.Close()
}

// Unwrap returns the bus events are forwarded to.
func (b *LoggedBus) Unwrap() Bus { return b.inner }
