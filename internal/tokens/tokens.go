// Package tokens keeps the single live refresh token per user. Issuing a new
// token replaces the old one, so only the most recent login or refresh can
// be redeemed.
package tokens

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"time"

	"github.com/shopstate/kvcore/internal/cache"
	"github.com/shopstate/kvcore/internal/store"
)

// TTL is the lifetime of a stored refresh token.
const TTL = 30 * 24 * time.Hour

// Key returns the cache key suffix for a user's token.
func Key(userID string) string {
	return "refresh_token:" + userID
}

// Store saves and checks refresh tokens. Tokens are opaque strings stored
// verbatim under the cache: namespace.
type Store struct {
	cache *cache.Cache
	log   *slog.Logger
}

// NewStore creates a Store backed by client.
func NewStore(client *store.Client) *Store {
	return &Store{
		cache: cache.New(client, cache.Prefix, cache.WithDefaultTTL(TTL)),
		log:   client.Logger().With("manager", "tokens"),
	}
}

// Save records token as userID's live refresh token for 30 days.
func (s *Store) Save(ctx context.Context, userID, token string) bool {
	if userID == "" || token == "" {
		return false
	}
	return s.cache.Set(ctx, Key(userID), cache.Raw(token), TTL)
}

// Verify reports whether token is userID's live refresh token. An
// unreachable store verifies nothing.
func (s *Store) Verify(ctx context.Context, userID, token string) bool {
	if userID == "" || token == "" {
		return false
	}
	v, ok := s.cache.Get(ctx, Key(userID))
	if !ok || v.Kind() != cache.KindRaw {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(v.String()), []byte(token)) == 1
}

// Rotate replaces old with next if old is still live. The check and the
// write are separate commands: two concurrent rotations of the same token
// can both succeed, the later write winning.
func (s *Store) Rotate(ctx context.Context, userID, old, next string) bool {
	if !s.Verify(ctx, userID, old) {
		s.log.Info("refresh token rejected", "user_id", userID)
		return false
	}
	return s.Save(ctx, userID, next)
}

// Revoke deletes userID's refresh token and reports whether one existed.
func (s *Store) Revoke(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	return s.cache.Del(ctx, Key(userID))
}
