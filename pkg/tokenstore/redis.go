package tokenstore

import (
	"context"
	"time"

	"github.com/StricklySoft/addon-admission/pkg/clients/redis"
	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
)

// Hash fields of a stored token.
const (
	fieldSecret     = "secret"
	fieldAPIBaseURL = "api_base_url"
	fieldPrevious   = "previous_secret"
	fieldGraceUntil = "grace_until"
	fieldRotatedAt  = "rotated_at"
	fieldExpiresAt  = "expires_at"
	fieldCreatedAt  = "created_at"
)

// saveScript replaces the hash at KEYS[1] with the field/value pairs in
// ARGV[2..] and, when ARGV[1] is positive, expires it after that many
// milliseconds. Readers never observe the key between delete and write.
const saveScript = `
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
local ttl = tonumber(ARGV[1])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return 1
`

// RedisStore keeps each token in a hash under "<prefix>token:<workspace>".
// Tokens with an expiry get a matching key TTL. It does not implement
// [Updater]; [Rotator] serializes its own read-modify-write instead.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore returns a store over client.
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{client: client, now: o.now}
}

func (s *RedisStore) key(workspaceID string) string {
	return s.client.Key("token", workspaceID)
}

// Save implements [Store]. The hash is replaced, not merged, in a single
// script so a concurrent Get sees either the old token or the new one.
func (s *RedisStore) Save(ctx context.Context, token WorkspaceToken) error {
	if err := token.Validate(); err != nil {
		return err
	}
	now := s.now()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	if token.Expired(now) {
		return sserr.New(sserr.CodeValidation, "tokenstore: token is already expired").
			WithDetail("workspace_id", token.WorkspaceID)
	}

	var ttl int64
	if !token.ExpiresAt.IsZero() {
		ttl = max(token.ExpiresAt.Sub(now).Milliseconds(), 1)
	}
	args := append([]any{ttl}, encodeHash(token)...)
	_, err := s.client.Eval(ctx, saveScript, []string{s.key(token.WorkspaceID)}, args...)
	return err
}

// Get implements [Store].
func (s *RedisStore) Get(ctx context.Context, workspaceID string) (*WorkspaceToken, error) {
	if err := requireWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	fields, err := s.client.HGetAll(ctx, s.key(workspaceID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 || fields[fieldSecret] == "" {
		return nil, notFound(workspaceID)
	}
	tok := decodeHash(workspaceID, fields)
	if tok.Expired(s.now()) {
		return nil, notFound(workspaceID)
	}
	return tok, nil
}

// Delete implements [Store].
func (s *RedisStore) Delete(ctx context.Context, workspaceID string) error {
	_, err := s.client.Del(ctx, s.key(workspaceID))
	return err
}

func encodeHash(t WorkspaceToken) []any {
	values := []any{
		fieldSecret, t.InstallationSecret.Value(),
		fieldAPIBaseURL, t.APIBaseURL,
		fieldCreatedAt, formatTime(t.CreatedAt),
	}
	if t.PreviousSecret != "" {
		values = append(values, fieldPrevious, t.PreviousSecret.Value())
	}
	for _, f := range []struct {
		name string
		at   time.Time
	}{
		{fieldGraceUntil, t.GraceUntil},
		{fieldRotatedAt, t.RotatedAt},
		{fieldExpiresAt, t.ExpiresAt},
	} {
		if !f.at.IsZero() {
			values = append(values, f.name, formatTime(f.at))
		}
	}
	return values
}

func decodeHash(workspaceID string, f map[string]string) *WorkspaceToken {
	return &WorkspaceToken{
		WorkspaceID:        workspaceID,
		InstallationSecret: Secret(f[fieldSecret]),
		APIBaseURL:         f[fieldAPIBaseURL],
		PreviousSecret:     Secret(f[fieldPrevious]),
		CreatedAt:          parseTime(f[fieldCreatedAt]),
		GraceUntil:         parseTime(f[fieldGraceUntil]),
		RotatedAt:          parseTime(f[fieldRotatedAt]),
		ExpiresAt:          parseTime(f[fieldExpiresAt]),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime treats unparsable values as unset.
func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
