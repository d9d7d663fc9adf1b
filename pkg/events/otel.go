package events

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/StricklySoft/addon-admission/pkg/events"

// OTelSink records events on an OpenTelemetry Int64Counter named
// "admission.events".
type OTelSink struct {
	counter metric.Int64Counter
}

// NewOTelSink creates the counter on mp. A nil mp uses the global meter
// provider.
func NewOTelSink(mp metric.MeterProvider) (*OTelSink, error) {
	var meter metric.Meter
	if mp == nil {
		meter = otel.Meter(meterName)
	} else {
		meter = mp.Meter(meterName)
	}
	counter, err := meter.Int64Counter("admission.events",
		metric.WithDescription("Admission layer events by name and reason."),
	)
	if err != nil {
		return nil, err
	}
	return &OTelSink{counter: counter}, nil
}

// Emit implements [Sink].
func (s *OTelSink) Emit(ctx context.Context, e Event) {
	s.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", string(e.Name)),
		attribute.String("reason", e.Reason),
	))
}
