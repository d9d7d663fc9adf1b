package tokenstore

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"sync"
	"time"

	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
)

// DefaultGracePeriod is how long a replaced secret stays valid. It gives
// every replica and in-flight webhook time to pick up the new one.
const DefaultGracePeriod = time.Hour

// Rotator replaces installation secrets while keeping the previous secret
// valid for a grace period.
type Rotator struct {
	store  Store
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger

	// mu serializes rotations against stores without an atomic Updater.
	mu sync.Mutex
}

// RotatorOption configures a Rotator.
type RotatorOption func(*Rotator)

// WithGracePeriod sets how long the previous secret is accepted. Values of
// zero or less keep [DefaultGracePeriod].
func WithGracePeriod(d time.Duration) RotatorOption {
	return func(r *Rotator) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithRotatorClock overrides the time source.
func WithRotatorClock(now func() time.Time) RotatorOption {
	return func(r *Rotator) { r.now = now }
}

// WithRotatorLogger sets the logger. The default is slog.Default().
func WithRotatorLogger(l *slog.Logger) RotatorOption {
	return func(r *Rotator) { r.logger = l }
}

// NewRotator returns a Rotator over store.
func NewRotator(store Store, opts ...RotatorOption) *Rotator {
	r := &Rotator{
		store:  store,
		grace:  DefaultGracePeriod,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GracePeriod returns the configured grace period.
func (r *Rotator) GracePeriod() time.Duration { return r.grace }

// Rotate makes newSecret the workspace's installation secret. The old
// secret remains valid until the grace period ends. Rotating to the current
// secret is a no-op. An unknown workspace returns [sserr.CodeNotFound].
func (r *Rotator) Rotate(ctx context.Context, workspaceID string, newSecret Secret) error {
	if err := requireWorkspaceID(workspaceID); err != nil {
		return err
	}
	if newSecret == "" {
		return sserr.New(sserr.CodeValidationRequired, "tokenstore: new secret is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rotated := false
	err := UpdateToken(ctx, r.store, workspaceID, func(t *WorkspaceToken) error {
		if t.InstallationSecret == newSecret {
			return nil
		}
		t.PreviousSecret = t.InstallationSecret
		t.InstallationSecret = newSecret
		t.RotatedAt = now
		t.GraceUntil = now.Add(r.grace)
		rotated = true
		return nil
	})
	if err != nil {
		return err
	}
	if rotated {
		r.logger.InfoContext(ctx, "installation secret rotated",
			"workspace_id", workspaceID,
			"grace_until", now.Add(r.grace),
		)
	}
	return nil
}

// IsValidSecret reports whether secret is the workspace's current secret or
// its previous one within the grace period. An unknown workspace is not an
// error; it has no valid secrets.
func (r *Rotator) IsValidSecret(ctx context.Context, workspaceID, secret string) (bool, error) {
	if secret == "" {
		return false, nil
	}
	tok, err := r.store.Get(ctx, workspaceID)
	if err != nil {
		if sserr.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	valid := 0
	for _, candidate := range tok.Secrets(r.now()) {
		valid |= subtle.ConstantTimeCompare([]byte(candidate), []byte(secret))
	}
	return valid == 1, nil
}
