// Package users is a read-through cache of account records. Lookups hit the
// shared store first and fall back to a Loader (normally PostgreSQL) on a
// miss, caching the result for 15 minutes. Entries are not refreshed on read;
// callers that change an account call Invalidate.
package users

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shopstate/kvcore/internal/cache"
	"github.com/shopstate/kvcore/internal/messaging"
	"github.com/shopstate/kvcore/internal/store"
)

// TTL is how long a loaded account stays cached.
const TTL = 15 * time.Minute

// Kind selects the account table.
type Kind string

const (
	KindUser  Kind = "user"
	KindAdmin Kind = "admin"
)

// User is the cached account record.
type User struct {
	ID        string              `json:"id"`
	Kind      Kind                `json:"kind"`
	Username  string              `json:"username"`
	Email     string              `json:"email"`
	Role      string              `json:"role"`
	IsActive  bool                `json:"isActive"`
	Credits   decimal.NullDecimal `json:"credits"` // users only
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Key returns the cache key suffix for an account, "user:<kind>:<id>".
func Key(kind Kind, id string) string {
	return "user:" + string(kind) + ":" + id
}

// Cache serves accounts from the shared store, loading misses.
type Cache struct {
	cache  *cache.Cache
	loader Loader
	notify messaging.Notifier
	now    func() time.Time
	log    *slog.Logger
}

// Option customises a Cache.
type Option func(*Cache)

// WithNotifier publishes invalidation events to n.
func WithNotifier(n messaging.Notifier) Option {
	return func(c *Cache) { c.notify = messaging.OrNop(n) }
}

// NewCache creates a Cache that loads misses through loader.
func NewCache(client *store.Client, loader Loader, opts ...Option) *Cache {
	c := &Cache{
		cache:  cache.New(client, cache.Prefix, cache.WithDefaultTTL(TTL)),
		loader: loader,
		notify: messaging.Nop{},
		now:    time.Now,
		log:    client.Logger().With("manager", "users"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the active account identified by kind and id. It reports false
// when no active account exists or it cannot be loaded. A store outage
// degrades to loading from the Loader on every call.
func (c *Cache) Get(ctx context.Context, kind Kind, id string) (*User, bool) {
	if id == "" {
		return nil, false
	}
	key := Key(kind, id)

	var u User
	if c.cache.GetStructured(ctx, key, &u) {
		return &u, true
	}

	loaded, err := c.loader.Load(ctx, kind, id)
	if errors.Is(err, ErrNotFound) {
		c.log.Debug("user not found", "kind", kind, "user_id", id)
		return nil, false
	}
	if err != nil {
		c.log.Error("failed to load user", "kind", kind, "user_id", id, "error", err)
		return nil, false
	}

	if !c.cache.SetStructured(ctx, key, loaded, TTL) {
		c.log.Warn("failed to cache user", "kind", kind, "user_id", id)
	}
	return loaded, true
}

// Invalidate drops the cached record so the next Get reloads it, and
// reports whether an entry was removed.
func (c *Cache) Invalidate(ctx context.Context, kind Kind, id string) bool {
	removed := c.cache.Del(ctx, Key(kind, id))
	c.notify.Notify(ctx, messaging.Event{
		Type:   messaging.EventUserInvalidated,
		UserID: id,
		Kind:   string(kind),
		Ts:     c.now().Unix(),
	})
	c.log.Debug("user cache invalidated", "kind", kind, "user_id", id, "removed", removed)
	return removed
}
