package users

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shopstate/kvcore/internal/cache"
	"github.com/shopstate/kvcore/internal/messaging"
	"github.com/shopstate/kvcore/internal/store/storetest"
)

type fakeLoader struct {
	users map[string]*User
	err   error
	calls int
}

func (f *fakeLoader) Load(_ context.Context, kind Kind, id string) (*User, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[Key(kind, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

type recorder struct{ events []messaging.Event }

func (r *recorder) Notify(_ context.Context, ev messaging.Event) { r.events = append(r.events, ev) }

func newLoader() *fakeLoader {
	created := time.Date(2025, 11, 2, 8, 30, 0, 0, time.UTC)
	return &fakeLoader{users: map[string]*User{
		Key(KindUser, "42"): {
			ID: "42", Kind: KindUser, Username: "alice", Email: "alice@example.com", Role: "user",
			IsActive: true, Credits: decimal.NewNullDecimal(decimal.RequireFromString("150.25")),
			CreatedAt: created, UpdatedAt: created,
		},
		Key(KindAdmin, "42"): {
			ID: "42", Kind: KindAdmin, Username: "root", Email: "root@example.com", Role: "superadmin",
			IsActive: true, CreatedAt: created, UpdatedAt: created,
		},
	}}
}

func TestGetLoadsOnceThenServesFromCache(t *testing.T) {
	client, server := storetest.New(t)
	loader := newLoader()
	c := NewCache(client, loader)
	ctx := context.Background()

	u, ok := c.Get(ctx, KindUser, "42")
	require.True(t, ok)
	require.Equal(t, "alice", u.Username)
	require.Equal(t, 1, loader.calls)
	require.Equal(t, TTL, server.TTL(cache.Prefix+"user:user:42"))

	u, ok = c.Get(ctx, KindUser, "42")
	require.True(t, ok)
	require.Equal(t, "alice", u.Username)
	require.True(t, u.Credits.Valid)
	require.True(t, u.Credits.Decimal.Equal(decimal.RequireFromString("150.25")))
	require.Equal(t, 1, loader.calls, "second read must be a cache hit")
}

func TestKindsDoNotCollide(t *testing.T) {
	client, _ := storetest.New(t)
	c := NewCache(client, newLoader())
	ctx := context.Background()

	u, ok := c.Get(ctx, KindUser, "42")
	require.True(t, ok)
	a, ok := c.Get(ctx, KindAdmin, "42")
	require.True(t, ok)
	require.Equal(t, "alice", u.Username)
	require.Equal(t, "root", a.Username)
	require.False(t, a.Credits.Valid)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	client, server := storetest.New(t)
	loader := newLoader()
	c := NewCache(client, loader)
	ctx := context.Background()

	c.Get(ctx, KindUser, "42")
	server.FastForward(10 * time.Minute)
	c.Get(ctx, KindUser, "42")
	require.Equal(t, 1, loader.calls)
	require.Equal(t, 5*time.Minute, server.TTL(cache.Prefix+"user:user:42"), "reads do not extend the entry")

	server.FastForward(5*time.Minute + time.Second)
	c.Get(ctx, KindUser, "42")
	require.Equal(t, 2, loader.calls)
}

func TestMissingUserIsNotCached(t *testing.T) {
	client, server := storetest.New(t)
	loader := newLoader()
	c := NewCache(client, loader)
	ctx := context.Background()

	_, ok := c.Get(ctx, KindUser, "404")
	require.False(t, ok)
	_, ok = c.Get(ctx, KindUser, "404")
	require.False(t, ok)
	require.Equal(t, 2, loader.calls)
	require.Empty(t, server.Keys())

	_, ok = c.Get(ctx, KindUser, "")
	require.False(t, ok)
	require.Equal(t, 2, loader.calls)
}

func TestLoaderErrorReturnsFalse(t *testing.T) {
	client, _ := storetest.New(t)
	c := NewCache(client, &fakeLoader{err: errors.New("connection refused")})

	_, ok := c.Get(context.Background(), KindUser, "42")
	require.False(t, ok)
}

func TestStoreDownFallsBackToLoader(t *testing.T) {
	client, server := storetest.New(t)
	loader := newLoader()
	c := NewCache(client, loader)
	server.Close()

	u, ok := c.Get(context.Background(), KindUser, "42")
	require.True(t, ok)
	require.Equal(t, "alice", u.Username)
}

func TestInvalidate(t *testing.T) {
	client, _ := storetest.New(t)
	loader := newLoader()
	events := &recorder{}
	c := NewCache(client, loader, WithNotifier(events))
	ctx := context.Background()

	c.Get(ctx, KindUser, "42")
	require.True(t, c.Invalidate(ctx, KindUser, "42"))
	require.False(t, c.Invalidate(ctx, KindUser, "42"))

	c.Get(ctx, KindUser, "42")
	require.Equal(t, 2, loader.calls)

	require.Len(t, events.events, 2)
	require.Equal(t, messaging.EventUserInvalidated, events.events[0].Type)
	require.Equal(t, "42", events.events[0].UserID)
	require.Equal(t, "user", events.events[0].Kind)
}

func TestInvalidateEventWireFormat(t *testing.T) {
	client, _ := storetest.New(t)
	events := &recorder{}
	c := NewCache(client, newLoader(), WithNotifier(events))

	c.Invalidate(context.Background(), KindAdmin, "7")
	require.Len(t, events.events, 1)
	ev := events.events[0]
	require.Equal(t, messaging.SubjectUserInvalidated, messaging.Subject(ev))
	require.NotZero(t, ev.Ts)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	require.Equal(t, "user_invalidated", wire["type"])
	require.Equal(t, "7", wire["user_id"])
	require.Equal(t, "admin", wire["kind"])
}

func TestQueryPerKind(t *testing.T) {
	q, err := query(KindUser)
	require.NoError(t, err)
	require.Contains(t, q, "FROM users")
	require.Contains(t, q, "is_active = true")

	q, err = query(KindAdmin)
	require.NoError(t, err)
	require.Contains(t, q, "FROM admin_users")

	_, err = query(Kind("guest"))
	require.Error(t, err)
}
