package bus

import (
	"fmt"
	"strings"

	"github.com/aiobs/aiobs/internal/config"
	"github.com/aiobs/aiobs/internal/pkg/errors"
	"github.com/aiobs/aiobs/internal/pkg/logger"
)

// NewBus creates a new Bus instance based on the configuration.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		return NewMemoryBus(log), nil

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "aiobs"
		}

		return NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			ClientID:      cfg.KafkaClientID,
		}, log)

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}
}

// Build creates the configured bus and wraps it with event journaling and
// metrics. The returned EventLogger is disabled when journaling is off.
func Build(cfg config.BusConfig, metrics MetricsRecorder, log *logger.Logger) (Bus, *EventLogger, error) {
	inner, err := NewBus(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	eventLogger, err := NewEventLogger(cfg.EventLogPath, cfg.EventLogEnabled)
	if err != nil {
		_ = inner.Close()
		return nil, nil, fmt.Errorf("failed to create event logger: %w", err)
	}

	var b Bus = inner
	if eventLogger.IsEnabled() {
		b = NewLoggedBus(b, eventLogger, log)
	}
	if metrics != nil {
		b = NewInstrumentedBus(b, metrics)
	}
	return b, eventLogger, nil
}

// Pending reports how many telemetry handlers are still running on the
// in-process bus beneath any journal or metrics wrappers. It returns nil for
// buses that do not track in-flight work, such as Kafka.
func Pending(b Bus) func() int64 {
	for b != nil {
		switch v := b.(type) {
		case *MemoryBus:
			return v.InFlightCount
		case interface{ Unwrap() Bus }:
			b = v.Unwrap()
		default:
			return nil
		}
	}
	return nil
}
