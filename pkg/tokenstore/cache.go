package tokenstore

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultCacheTTL bounds how long a replica may use a token another replica
// has already replaced or deleted.
const DefaultCacheTTL = 30 * time.Second

// CachedStore is a process-local read-through cache in front of another
// Store. Writes go to the backing store first and then invalidate the local
// entry. Misses are not cached, so a freshly installed workspace is visible
// immediately.
type CachedStore struct {
	next  Store
	cache *gocache.Cache
	now   func() time.Time
}

// NewCachedStore wraps next. A ttl of zero uses [DefaultCacheTTL].
func NewCachedStore(next Store, ttl time.Duration, opts ...Option) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	o := buildOptions(opts)
	return &CachedStore{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
		now:   o.now,
	}
}

// Save implements [Store].
func (c *CachedStore) Save(ctx context.Context, token WorkspaceToken) error {
	defer c.cache.Delete(token.WorkspaceID)
	return c.next.Save(ctx, token)
}

// Get implements [Store]. The returned token is a copy.
func (c *CachedStore) Get(ctx context.Context, workspaceID string) (*WorkspaceToken, error) {
	if v, ok := c.cache.Get(workspaceID); ok {
		tok := v.(WorkspaceToken)
		if !tok.Expired(c.now()) {
			return &tok, nil
		}
		c.cache.Delete(workspaceID)
	}
	tok, err := c.next.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(workspaceID, *tok)
	return tok, nil
}

// Delete implements [Store].
func (c *CachedStore) Delete(ctx context.Context, workspaceID string) error {
	defer c.cache.Delete(workspaceID)
	return c.next.Delete(ctx, workspaceID)
}

// Update implements [Updater] by delegating to the backing store.
func (c *CachedStore) Update(ctx context.Context, workspaceID string, fn func(*WorkspaceToken) error) error {
	defer c.cache.Delete(workspaceID)
	return UpdateToken(ctx, c.next, workspaceID, fn)
}

// Invalidate drops workspaceID from the local cache.
func (c *CachedStore) Invalidate(workspaceID string) {
	c.cache.Delete(workspaceID)
}

// Flush drops every cached entry.
func (c *CachedStore) Flush() {
	c.cache.Flush()
}
