package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tokens in a map. It is safe for concurrent use and
// implements [Updater].
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]WorkspaceToken
	now    func() time.Time
}

// Option configures the stores in this package.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{tokens: make(map[string]WorkspaceToken), now: o.now}
}

// Save implements [Store]. CreatedAt is set when zero.
func (m *MemoryStore) Save(_ context.Context, token WorkspaceToken) error {
	if err := token.Validate(); err != nil {
		return err
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = m.now()
	}
	m.mu.Lock()
	m.tokens[token.WorkspaceID] = token
	m.mu.Unlock()
	return nil
}

// Get implements [Store].
func (m *MemoryStore) Get(_ context.Context, workspaceID string) (*WorkspaceToken, error) {
	m.mu.RLock()
	tok, ok := m.tokens[workspaceID]
	m.mu.RUnlock()
	if !ok || tok.Expired(m.now()) {
		return nil, notFound(workspaceID)
	}
	return &tok, nil
}

// Delete implements [Store].
func (m *MemoryStore) Delete(_ context.Context, workspaceID string) error {
	m.mu.Lock()
	delete(m.tokens, workspaceID)
	m.mu.Unlock()
	return nil
}

// Update implements [Updater]. fn runs under the store's write lock and
// must not call back into the store.
func (m *MemoryStore) Update(_ context.Context, workspaceID string, fn func(*WorkspaceToken) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[workspaceID]
	if !ok || tok.Expired(m.now()) {
		return notFound(workspaceID)
	}
	if err := fn(&tok); err != nil {
		return err
	}
	tok.WorkspaceID = workspaceID
	if err := tok.Validate(); err != nil {
		return err
	}
	m.tokens[workspaceID] = tok
	return nil
}

// PurgeExpired removes expired tokens and returns how many were removed.
func (m *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, tok := range m.tokens {
		if tok.Expired(now) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored tokens, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
