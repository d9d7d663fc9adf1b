package events

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink counts events in a single CounterVec labelled by event
// name and reason.
type PrometheusSink struct {
	counter *prometheus.CounterVec
}

// NewPrometheusSink registers the admission_events_total counter with reg.
// A nil reg uses prometheus.DefaultRegisterer. Registering twice against
// the same registry returns the already-registered collector.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_events_total",
		Help: "Admission layer events by name and reason.",
	}, []string{"event", "reason"})

	if err := reg.Register(counter); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		counter = existing
	}
	return &PrometheusSink{counter: counter}, nil
}

// Emit implements [Sink].
func (s *PrometheusSink) Emit(_ context.Context, e Event) {
	s.counter.WithLabelValues(string(e.Name), e.Reason).Inc()
}
