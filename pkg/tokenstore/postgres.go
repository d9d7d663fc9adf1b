package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/StricklySoft/addon-admission/pkg/clients/postgres"
	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
)

const schemaDDL = `CREATE TABLE IF NOT EXISTS addon_tokens (
	workspace_id     TEXT PRIMARY KEY,
	auth_token       TEXT NOT NULL,
	api_base_url     TEXT NOT NULL DEFAULT '',
	previous_token   TEXT,
	grace_until      TIMESTAMPTZ,
	rotated_at       TIMESTAMPTZ,
	expires_at       TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	last_accessed_at TIMESTAMPTZ NOT NULL
)`

const (
	upsertSQL = `INSERT INTO addon_tokens
	(workspace_id, auth_token, api_base_url, previous_token, grace_until, rotated_at, expires_at, created_at, last_accessed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (workspace_id) DO UPDATE SET
	auth_token = EXCLUDED.auth_token,
	api_base_url = EXCLUDED.api_base_url,
	previous_token = EXCLUDED.previous_token,
	grace_until = EXCLUDED.grace_until,
	rotated_at = EXCLUDED.rotated_at,
	expires_at = EXCLUDED.expires_at,
	last_accessed_at = EXCLUDED.last_accessed_at`

	selectColumns = `SELECT workspace_id, auth_token, api_base_url, previous_token, grace_until, rotated_at, expires_at, created_at
FROM addon_tokens`

	selectSQL = selectColumns + `
WHERE workspace_id = $1 AND (expires_at IS NULL OR expires_at > $2)`

	selectForUpdateSQL = selectSQL + `
FOR UPDATE`

	deleteSQL = `DELETE FROM addon_tokens WHERE workspace_id = $1`

	purgeSQL = `DELETE FROM addon_tokens WHERE expires_at IS NOT NULL AND expires_at <= $1 RETURNING workspace_id`
)

// PostgresStore keeps tokens in the addon_tokens table. It implements
// [Updater] with a SELECT ... FOR UPDATE transaction.
type PostgresStore struct {
	client *postgres.Client
	now    func() time.Time
}

// NewPostgresStore returns a store over client. Call
// [PostgresStore.EnsureSchema] once at startup unless migrations create the
// table.
func NewPostgresStore(client *postgres.Client, opts ...Option) *PostgresStore {
	o := buildOptions(opts)
	return &PostgresStore{client: client, now: o.now}
}

// EnsureSchema creates the addon_tokens table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.client.Exec(ctx, schemaDDL)
	return err
}

// Save implements [Store]. An existing row keeps its created_at.
func (s *PostgresStore) Save(ctx context.Context, token WorkspaceToken) error {
	if err := token.Validate(); err != nil {
		return err
	}
	return s.upsert(ctx, s.client.Exec, token)
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, workspaceID string) (*WorkspaceToken, error) {
	if err := requireWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	tok, err := scanToken(s.client.QueryRow(ctx, selectSQL, workspaceID, s.now()))
	if err != nil {
		return nil, s.rowError(err, workspaceID)
	}
	return tok, nil
}

// Delete implements [Store].
func (s *PostgresStore) Delete(ctx context.Context, workspaceID string) error {
	_, err := s.client.Exec(ctx, deleteSQL, workspaceID)
	return err
}

// Update implements [Updater]. The row stays locked until fn returns and the
// new values are written.
func (s *PostgresStore) Update(ctx context.Context, workspaceID string, fn func(*WorkspaceToken) error) error {
	if err := requireWorkspaceID(workspaceID); err != nil {
		return err
	}
	tx, err := s.client.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tok, err := scanToken(tx.QueryRow(ctx, selectForUpdateSQL, workspaceID, s.now()))
	if err != nil {
		return s.rowError(err, workspaceID)
	}
	if err := fn(tok); err != nil {
		return err
	}
	tok.WorkspaceID = workspaceID
	if err := tok.Validate(); err != nil {
		return err
	}
	if err := s.upsert(ctx, tx.Exec, *tok); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return dbError(err, "tokenstore: commit failed")
	}
	return nil
}

// PurgeExpired deletes expired rows and returns their workspace ids.
func (s *PostgresStore) PurgeExpired(ctx context.Context) ([]string, error) {
	rows, err := s.client.Query(ctx, purgeSQL, s.now())
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, dbError(err, "tokenstore: reading purged rows failed")
	}
	return ids, nil
}

type execFunc func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

func (s *PostgresStore) upsert(ctx context.Context, exec execFunc, t WorkspaceToken) error {
	now := s.now()
	created := t.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := exec(ctx, upsertSQL,
		t.WorkspaceID,
		t.InstallationSecret.Value(),
		t.APIBaseURL,
		nullSecret(t.PreviousSecret),
		nullTime(t.GraceUntil),
		nullTime(t.RotatedAt),
		nullTime(t.ExpiresAt),
		created,
		now,
	)
	return dbError(err, "tokenstore: saving token failed")
}

func scanToken(row pgx.Row) (*WorkspaceToken, error) {
	var (
		t                                WorkspaceToken
		secret                           string
		previous                         *string
		graceUntil, rotatedAt, expiresAt *time.Time
	)
	if err := row.Scan(&t.WorkspaceID, &secret, &t.APIBaseURL, &previous,
		&graceUntil, &rotatedAt, &expiresAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.InstallationSecret = Secret(secret)
	if previous != nil {
		t.PreviousSecret = Secret(*previous)
	}
	t.GraceUntil = derefTime(graceUntil)
	t.RotatedAt = derefTime(rotatedAt)
	t.ExpiresAt = derefTime(expiresAt)
	return &t, nil
}

func (s *PostgresStore) rowError(err error, workspaceID string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(workspaceID)
	}
	return dbError(err, "tokenstore: reading token failed")
}

// dbError leaves errors from the postgres client alone and classifies raw
// pgx errors the same way the client does.
func dbError(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := sserr.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}

func nullSecret(s Secret) any {
	if s == "" {
		return nil
	}
	return s.Value()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
