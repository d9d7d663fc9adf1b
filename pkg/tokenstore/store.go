// Package tokenstore keeps the installation credentials the platform hands
// an add-on when a workspace installs it.
//
// A [WorkspaceToken] is created by the install callback, read by the
// admission gate on every webhook and removed by the uninstall callback.
// Backends implement [Store]: [MemoryStore] for tests and single-replica
// deployments, [PostgresStore] and [RedisStore] for shared state, and
// [CachedStore] as a process-local read-through layer in front of either.
//
// Secret rotation keeps the previous secret valid for a grace period so
// webhooks signed before the platform switched over still verify. The
// rotation state is stored on the token itself, which makes it visible to
// every replica reading the same backend.
package tokenstore

import (
	"context"
	"strings"
	"time"

	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
)

// Secret is an installation secret. It redacts itself when printed or
// marshaled so tokens can be logged safely.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string               { return redacted }
func (s Secret) GoString() string             { return redacted }
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Value returns the secret itself.
func (s Secret) Value() string { return string(s) }

// WorkspaceToken holds the credentials for one installed workspace.
type WorkspaceToken struct {
	WorkspaceID        string
	InstallationSecret Secret
	APIBaseURL         string

	CreatedAt time.Time
	// ExpiresAt is zero for tokens that never expire.
	ExpiresAt time.Time

	// RotatedAt, PreviousSecret and GraceUntil are set by [Rotator].
	RotatedAt      time.Time
	PreviousSecret Secret
	GraceUntil     time.Time
}

// Validate checks the fields every backend requires.
func (t *WorkspaceToken) Validate() error {
	switch {
	case strings.TrimSpace(t.WorkspaceID) == "":
		return sserr.New(sserr.CodeValidationRequired, "tokenstore: workspace id is required")
	case t.InstallationSecret == "":
		return sserr.New(sserr.CodeValidationRequired, "tokenstore: installation secret is required").
			WithDetail("workspace_id", t.WorkspaceID)
	}
	return nil
}

// Expired reports whether the token has an expiry at or before now.
func (t *WorkspaceToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// InGrace reports whether the previous secret is still accepted at now.
func (t *WorkspaceToken) InGrace(now time.Time) bool {
	return t.PreviousSecret != "" && now.Before(t.GraceUntil)
}

// Secrets returns the secrets a signature may be checked against at now:
// the current one first, then the previous one while it is in grace.
func (t *WorkspaceToken) Secrets(now time.Time) []string {
	out := []string{t.InstallationSecret.Value()}
	if t.InGrace(now) {
		out = append(out, t.PreviousSecret.Value())
	}
	return out
}

// Store persists workspace tokens. Get and Update return an error with
// [sserr.CodeNotFound] for unknown or expired workspaces; Delete of an
// unknown workspace is not an error.
type Store interface {
	Save(ctx context.Context, token WorkspaceToken) error
	Get(ctx context.Context, workspaceID string) (*WorkspaceToken, error)
	Delete(ctx context.Context, workspaceID string) error
}

// Updater is implemented by stores that can read, modify and write a token
// atomically.
type Updater interface {
	Update(ctx context.Context, workspaceID string, fn func(*WorkspaceToken) error) error
}

// UpdateToken applies fn to the stored token. It uses the store's atomic
// [Updater] when available and a plain Get and Save otherwise; callers that
// need the fallback to be safe serialize their own calls.
func UpdateToken(ctx context.Context, s Store, workspaceID string, fn func(*WorkspaceToken) error) error {
	if u, ok := s.(Updater); ok {
		return u.Update(ctx, workspaceID, fn)
	}
	tok, err := s.Get(ctx, workspaceID)
	if err != nil {
		return err
	}
	if err := fn(tok); err != nil {
		return err
	}
	return s.Save(ctx, *tok)
}

func notFound(workspaceID string) error {
	return sserr.New(sserr.CodeNotFound, "tokenstore: no token for workspace").
		WithDetail("workspace_id", workspaceID)
}

func requireWorkspaceID(workspaceID string) error {
	if strings.TrimSpace(workspaceID) == "" {
		return sserr.New(sserr.CodeValidationRequired, "tokenstore: workspace id is required")
	}
	return nil
}
