package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
	"github.com/StricklySoft/addon-admission/pkg/events"
)

// MessageTooManyRequests is the human-readable text of a 429 response.
const MessageTooManyRequests = "Too many requests. Please slow down."

// MiddlewareConfig configures [Middleware].
type MiddlewareConfig struct {
	// Limiter is required; a nil Limiter disables rate limiting.
	Limiter Limiter

	// KeyFunc defaults to [ClientIP].
	KeyFunc KeyFunc

	// Exempt lists exact paths that bypass the limiter, e.g. /healthz.
	Exempt []string

	Events events.Sink
	Logger *slog.Logger
}

type rateLimitResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header. When the limiter itself fails the request is let through and a
// warning is logged.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	exempt := make(map[string]struct{}, len(cfg.Exempt))
	for _, p := range cfg.Exempt {
		exempt[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exempt[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			id := cfg.KeyFunc(r)
			d, err := cfg.Limiter.Allow(ctx, id)
			if err != nil {
				cfg.Logger.WarnContext(ctx, "rate limiter unavailable, allowing request",
					"error", err,
					"path", r.URL.Path,
				)
				next.ServeHTTP(w, r)
				return
			}

			if !d.Allowed {
				secs := d.RetryAfterSeconds()
				if secs < 1 {
					secs = 1
				}
				cfg.Logger.InfoContext(ctx, "request rate limited",
					"identifier", id,
					"path", r.URL.Path,
					"retry_after", secs,
				)
				cfg.Events.Emit(ctx, events.Event{
					Name:   events.RateLimited,
					Reason: sserr.CodeRateLimitExceeded.String(),
					Fields: map[string]string{"identifier": id, "path": r.URL.Path},
				})
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(rateLimitResponse{
					Error:      "rate_limit_exceeded",
					Message:    MessageTooManyRequests,
					RetryAfter: secs,
				})
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}
