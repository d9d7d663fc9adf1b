// Package ratelimit provides per-identifier token-bucket rate limiting for
// inbound add-on requests.
//
// [TokenBucket] keeps buckets in process memory and refills them lazily on
// each call; there is no background goroutine. [RedisBucket] runs the same
// algorithm inside Redis so several replicas share one budget per
// identifier. Both implement [Limiter], which the HTTP [Middleware] consumes.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
	"github.com/StricklySoft/addon-admission/pkg/events"
)

const (
	// DefaultPermitsPerSecond is the refill rate when none is configured.
	DefaultPermitsPerSecond = 10.0

	// DefaultIdleTimeout is how long a bucket may go unused before it is
	// reclaimed.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultMaxIdentifiers caps the number of live buckets.
	DefaultMaxIdentifiers = 10000

	// DefaultSweepInterval bounds how often idle buckets are looked for.
	DefaultSweepInterval = time.Minute
)

// Decision is the outcome of one acquire attempt. A denial is an ordinary
// value, not an error.
type Decision struct {
	Allowed bool

	// Remaining is the number of whole permits left after this call.
	Remaining int

	// RetryAfter is set on denial and is always a whole number of seconds,
	// at least one.
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter in whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return int(d.RetryAfter / time.Second)
}

// Err returns nil for an allowed decision and a
// [sserr.CodeRateLimitExceeded] error otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return sserr.New(sserr.CodeRateLimitExceeded, "rate limit exceeded").
		WithDetail("retry_after_seconds", d.RetryAfterSeconds())
}

// Limiter decides whether the caller identified by id may proceed. An error
// means the limiter itself failed, not that the caller was denied.
type Limiter interface {
	Allow(ctx context.Context, id string) (Decision, error)
}

// Config holds token-bucket parameters. Zero fields take the package
// defaults.
type Config struct {
	// PermitsPerSecond is the refill rate.
	PermitsPerSecond float64

	// Burst is the bucket capacity. Zero means ceil(PermitsPerSecond).
	Burst int

	// IdleTimeout must be at least the time an empty bucket needs to refill
	// completely, so reclaiming an idle bucket never changes its answer.
	IdleTimeout time.Duration

	// MaxIdentifiers caps live buckets. New identifiers are denied while
	// the table is full of active buckets.
	MaxIdentifiers int

	SweepInterval time.Duration
}

// withDefaults fills zero fields and validates the result.
func (c Config) withDefaults() (Config, error) {
	if c.PermitsPerSecond == 0 {
		c.PermitsPerSecond = DefaultPermitsPerSecond
	}
	if c.PermitsPerSecond < 0 || math.IsNaN(c.PermitsPerSecond) || math.IsInf(c.PermitsPerSecond, 0) {
		return c, sserr.Newf(sserr.CodeInternalConfiguration,
			"ratelimit: permits per second must be a positive number, got %v", c.PermitsPerSecond)
	}
	if c.Burst < 0 {
		return c, sserr.Newf(sserr.CodeInternalConfiguration, "ratelimit: burst must not be negative, got %d", c.Burst)
	}
	if c.Burst == 0 {
		c.Burst = int(math.Ceil(c.PermitsPerSecond))
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if full := c.refillTime(); c.IdleTimeout < full {
		return c, sserr.Newf(sserr.CodeInternalConfiguration,
			"ratelimit: idle timeout %s is shorter than the %s a bucket needs to refill", c.IdleTimeout, full)
	}
	if c.MaxIdentifiers == 0 {
		c.MaxIdentifiers = DefaultMaxIdentifiers
	}
	if c.MaxIdentifiers < 0 {
		return c, sserr.Newf(sserr.CodeInternalConfiguration,
			"ratelimit: max identifiers must not be negative, got %d", c.MaxIdentifiers)
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c, nil
}

// refillTime is how long an empty bucket takes to fill.
func (c Config) refillTime() time.Duration {
	return time.Duration(math.Ceil(float64(c.Burst) / c.PermitsPerSecond * float64(time.Second)))
}

// retryAfter converts a token deficit into whole seconds, minimum one.
func retryAfter(tokens, rate float64) time.Duration {
	secs := math.Ceil((1 - tokens) / rate)
	if secs < 1 || math.IsNaN(secs) {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	now    func() time.Time
	events events.Sink
	logger *slog.Logger
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithEvents sets the sink for table-full events.
func WithEvents(sink events.Sink) Option {
	return func(o *options) { o.events = sink }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, events: events.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.events == nil {
		o.events = events.Nop{}
	}
	return o
}

type bucket struct {
	tokens float64
	last   time.Time
}

// TokenBucket is an in-memory [Limiter] with one bucket per identifier. It
// is safe for concurrent use.
type TokenBucket struct {
	cfg  Config
	opts options

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

var _ Limiter = (*TokenBucket)(nil)

// NewTokenBucket validates cfg and returns an empty limiter.
func NewTokenBucket(cfg Config, opts ...Option) (*TokenBucket, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &TokenBucket{
		cfg:       cfg,
		opts:      o,
		buckets:   make(map[string]*bucket),
		lastSweep: o.now(),
	}, nil
}

// Config returns the effective configuration.
func (tb *TokenBucket) Config() Config {
	return tb.cfg
}

// TryAcquire takes one permit for id if one is available.
func (tb *TokenBucket) TryAcquire(id string) Decision {
	return tb.acquire(context.Background(), id)
}

// Allow implements [Limiter]. It never returns an error.
func (tb *TokenBucket) Allow(ctx context.Context, id string) (Decision, error) {
	return tb.acquire(ctx, id), nil
}

// Len reports the number of live buckets.
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.buckets)
}

func (tb *TokenBucket) acquire(ctx context.Context, id string) Decision {
	now := tb.opts.now()

	tb.mu.Lock()
	if now.Sub(tb.lastSweep) >= tb.cfg.SweepInterval {
		tb.sweepLocked(now)
	}
	b, ok := tb.buckets[id]
	if !ok {
		if len(tb.buckets) >= tb.cfg.MaxIdentifiers {
			tb.sweepLocked(now)
		}
		if len(tb.buckets) >= tb.cfg.MaxIdentifiers {
			size := len(tb.buckets)
			tb.mu.Unlock()
			tb.opts.logger.WarnContext(ctx, "rate limit table full, denying new identifier",
				"identifiers", size,
			)
			tb.opts.events.Emit(ctx, events.Event{
				Name:   events.RateLimitTableFull,
				Fields: map[string]string{"identifier": id},
			})
			return Decision{RetryAfter: time.Second}
		}
		b = &bucket{tokens: float64(tb.cfg.Burst), last: now}
		tb.buckets[id] = b
	}
	d := tb.take(b, now)
	tb.mu.Unlock()
	return d
}

// take refills b for the time elapsed since its last use and debits one
// permit when available. A denial does not debit.
func (tb *TokenBucket) take(b *bucket, now time.Time) Decision {
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = math.Min(float64(tb.cfg.Burst), b.tokens+elapsed.Seconds()*tb.cfg.PermitsPerSecond)
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}
	}
	return Decision{RetryAfter: retryAfter(b.tokens, tb.cfg.PermitsPerSecond)}
}

// sweepLocked drops buckets idle for at least IdleTimeout. Such buckets are
// full, so a later request for the same id sees the same state.
func (tb *TokenBucket) sweepLocked(now time.Time) {
	tb.lastSweep = now
	for id, b := range tb.buckets {
		if now.Sub(b.last) >= tb.cfg.IdleTimeout {
			delete(tb.buckets, id)
		}
	}
}
