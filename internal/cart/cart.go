// Package cart stores per-user shopping cart snapshots. A cart is written as
// a whole: every Set replaces the previous snapshot and restarts its 7 day
// expiry, reads never extend it.
package cart

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shopstate/kvcore/internal/cache"
	"github.com/shopstate/kvcore/internal/messaging"
	"github.com/shopstate/kvcore/internal/store"
)

const (
	// Prefix is the key namespace for carts.
	Prefix = "cart:"

	// TTL is how long an untouched cart survives.
	TTL = 7 * 24 * time.Hour
)

func init() {
	// Prices and totals are JSON numbers on the wire, not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Item is one cart line.
type Item struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

// Subtotal is Price * Quantity.
func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Cart is the stored snapshot.
type Cart struct {
	UserID    string          `json:"userId,omitempty"`
	Items     []Item          `json:"items"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Sum returns the sum of item subtotals. Total is whatever the caller last
// stored; Sum lets callers recompute it before Set.
func (c Cart) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, it := range c.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// Manager reads and writes cart snapshots.
type Manager struct {
	cache  *cache.Cache
	notify messaging.Notifier
	now    func() time.Time
	log    *slog.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithNotifier publishes cart-cleared events to n.
func WithNotifier(n messaging.Notifier) Option {
	return func(m *Manager) { m.notify = messaging.OrNop(n) }
}

// WithClock overrides time.Now for updatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager backed by client.
func NewManager(client *store.Client, opts ...Option) *Manager {
	m := &Manager{
		cache:  cache.New(client, Prefix, cache.WithDefaultTTL(TTL)),
		notify: messaging.Nop{},
		now:    time.Now,
		log:    client.Logger().With("manager", "cart"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) empty(userID string) Cart {
	return Cart{UserID: userID, Items: []Item{}, Total: decimal.Zero, UpdatedAt: m.now().UTC()}
}

// Get returns the user's cart. A missing cart, or one that cannot be read,
// comes back as a fresh empty cart; nothing is written.
func (m *Manager) Get(ctx context.Context, userID string) Cart {
	var c Cart
	if !m.cache.GetStructured(ctx, userID, &c) {
		return m.empty(userID)
	}
	if c.Items == nil {
		c.Items = []Item{}
	}
	if c.UserID == "" {
		c.UserID = userID
	}
	return c
}

// Set replaces the user's cart with c, stamping UpdatedAt. Concurrent writers
// for one user are last-write-wins.
func (m *Manager) Set(ctx context.Context, userID string, c Cart) bool {
	if userID == "" {
		m.log.Warn("set cart without user id")
		return false
	}
	c.UserID = userID
	c.UpdatedAt = m.now().UTC()
	if c.Items == nil {
		c.Items = []Item{}
	}
	if !m.cache.SetStructured(ctx, userID, c, TTL) {
		m.log.Error("failed to set cart", "user_id", userID)
		return false
	}
	return true
}

// Clear deletes the user's cart and reports whether one existed.
func (m *Manager) Clear(ctx context.Context, userID string) bool {
	if !m.cache.Del(ctx, userID) {
		return false
	}
	m.notify.Notify(ctx, messaging.Event{Type: messaging.EventCartCleared, UserID: userID, Ts: m.now().Unix()})
	m.log.Debug("cart cleared", "user_id", userID)
	return true
}
