package bus

import (
	"context"
	"time"
)

// MetricsRecorder receives publish outcomes for the aiobs_bus_* series.
// Declared here so bus does not import the metrics package.
type MetricsRecorder interface {
	RecordBusPublish(topic string, latency time.Duration, err error)
}

// InstrumentedBus times every publish of a telemetry event and reports it,
// labelled by topic, to a MetricsRecorder.
type InstrumentedBus struct {
	inner   Bus
	metrics MetricsRecorder
}

func NewInstrumentedBus(inner Bus, metrics MetricsRecorder) *InstrumentedBus {
	return &InstrumentedBus{
		inner:   inner,
		metrics: metrics,
	}
}

// Publish forwards the event and records its latency and outcome. A failed
// publish is counted under the topic even though ingestion still succeeds.
func (b *InstrumentedBus) Publish(ctx context.Context, topic string, event Event) error {
	start := time.Now()
	err := b.inner.Publish(ctx, topic, event)

	if b.metrics != nil {
		b.metrics.RecordBusPublish(topic, time.Since(start), err)
	}

	return err
}

func (b *InstrumentedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.inner.Subscribe(ctx, topic, handler)
}

func (b *InstrumentedBus) Close() error {
	return b.inner.Close()
}

// Unwrap returns the bus events are forwarded to.
func (b *InstrumentedBus) Unwrap() Bus { return b.inner }
