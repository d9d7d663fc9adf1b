// Package events defines the sink through which admission components report
// noteworthy outcomes: key rotations, skipped key-set entries, stale key
// serving, non-canonical signature headers, denies and rate-limit hits.
//
// Components never depend on a concrete backend. The service wires a
// [Multi] of [LogSink], [PrometheusSink] and [OTelSink]; tests use
// [Recorder].
package events

import (
	"context"
	"sync"
)

// Name identifies an event kind. Names are stable because they become
// metric label values.
type Name string

const (
	// KeySetRotated fires once when a refreshed key set has a different
	// set of key ids than the previous one.
	KeySetRotated Name = "jwks.rotated"

	// KeySetRefreshFailed fires when a key-set fetch fails.
	KeySetRefreshFailed Name = "jwks.refresh_failed"

	// KeySetStaleServed fires when a previous snapshot is used after a
	// failed refresh.
	KeySetStaleServed Name = "jwks.stale_served"

	// KeySetEntrySkipped fires for each unusable entry in a key-set
	// document.
	KeySetEntrySkipped Name = "jwks.key_skipped"

	// NonCanonicalHeader fires when a signature arrives under an alternate
	// header name.
	NonCanonicalHeader Name = "signature.noncanonical_header"

	// AdmissionAllowed fires when a request is admitted.
	AdmissionAllowed Name = "admission.allowed"

	// AdmissionDenied fires when a request is denied; Reason carries the
	// error code.
	AdmissionDenied Name = "admission.denied"

	// DevBypass fires when the development bypass admits a request.
	DevBypass Name = "admission.dev_bypass"

	// RateLimited fires when a rate limiter denies a request.
	RateLimited Name = "ratelimit.denied"

	// RateLimitTableFull fires when a new identifier is refused because
	// the bucket table is at capacity.
	RateLimitTableFull Name = "ratelimit.table_full"
)

// Event is a single occurrence. Reason is a low-cardinality label (an
// error code, an admission method); Fields carry high-cardinality context
// that only log sinks record.
type Event struct {
	Name   Name
	Reason string
	Fields map[string]string
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block the caller for long; the admission path calls Emit inline.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements [Sink].
func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Emit implements [Sink].
func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// Recorder keeps every event in memory. It is meant for tests and for
// debugging endpoints.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements [Sink].
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name Name) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}
