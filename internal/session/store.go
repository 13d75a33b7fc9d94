package session

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/shopstate/kvcore/internal/cache"
	"github.com/shopstate/kvcore/internal/messaging"
	"github.com/shopstate/kvcore/internal/metrics"
	"github.com/shopstate/kvcore/internal/store"
)

const (
	// SessionPrefix is the key prefix for all session records.
	SessionPrefix = "session:"

	// SessionTTL is the idle lifetime of a session.
	SessionTTL = 24 * time.Hour
)

// Manager creates, reads, updates and destroys sessions. It holds no state
// besides its collaborators; concurrent writers to one session race with
// last-write-wins.
type Manager struct {
	cache  *cache.Cache
	notify messaging.Notifier
	now    func() time.Time
	newID  func() string
	log    *slog.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithNotifier publishes lifecycle events to n.
func WithNotifier(n messaging.Notifier) Option {
	return func(m *Manager) { m.notify = messaging.OrNop(n) }
}

// WithClock overrides time.Now for createdAt/lastActivity stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager backed by client.
func NewManager(client *store.Client, opts ...Option) *Manager {
	m := &Manager{
		cache:  cache.New(client, SessionPrefix, cache.WithDefaultTTL(SessionTTL)),
		notify: messaging.Nop{},
		now:    time.Now,
		newID:  uuid.NewString,
		log:    client.Logger().With("manager", "session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create stores a new session for userID and returns its id. The second
// result is false when the session could not be written.
func (m *Manager) Create(ctx context.Context, userID string, data map[string]any) (string, bool) {
	if userID == "" {
		m.log.Warn("create session without user id")
		return "", false
	}

	now := m.now().UTC()
	s := Session{
		ID:           m.newID(),
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		Data:         maps.Clone(data),
	}
	if !m.cache.SetStructured(ctx, s.ID, s, SessionTTL) {
		m.log.Error("failed to create session", "user_id", userID)
		return "", false
	}

	metrics.SessionEvents.WithLabelValues("created").Inc()
	m.notify.Notify(ctx, messaging.Event{Type: messaging.EventSessionCreated, UserID: userID, SessionID: s.ID, Ts: now.Unix()})
	m.log.Debug("session created", "user_id", userID, "session_id", s.ID)
	return s.ID, true
}

// load reads a session without touching its expiry.
func (m *Manager) load(ctx context.Context, id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	var s Session
	if !m.cache.GetStructured(ctx, id, &s) {
		return nil, false
	}
	if s.ID == "" {
		s.ID = id
	}
	return &s, true
}

// touch stamps lastActivity and writes s back with a fresh TTL. The write
// only lands while the key still exists, so a session destroyed after it was
// read stays destroyed.
func (m *Manager) touch(ctx context.Context, s *Session) bool {
	s.LastActivity = m.now().UTC()
	return m.cache.ReplaceStructured(ctx, s.ID, s, SessionTTL)
}

// Get returns the session and slides its expiry: lastActivity becomes now
// and the TTL restarts at 24h. It reports false when the session is absent
// or the store cannot be reached.
func (m *Manager) Get(ctx context.Context, id string) (*Session, bool) {
	s, ok := m.load(ctx, id)
	if !ok {
		return nil, false
	}

	if !m.touch(ctx, s) {
		m.log.Warn("failed to refresh session", "session_id", id)
	} else {
		metrics.SessionEvents.WithLabelValues("refreshed").Inc()
	}
	return s, true
}

// Update merges partial into the session's data and refreshes it. It is a
// no-op returning false when the session does not exist.
func (m *Manager) Update(ctx context.Context, id string, partial map[string]any) bool {
	s, ok := m.load(ctx, id)
	if !ok {
		return false
	}

	s.merge(partial)
	if !m.touch(ctx, s) {
		m.log.Error("failed to update session", "session_id", id)
		return false
	}
	metrics.SessionEvents.WithLabelValues("updated").Inc()
	return true
}

// Destroy deletes the session and reports whether it existed.
func (m *Manager) Destroy(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	if !m.cache.Del(ctx, id) {
		return false
	}
	metrics.SessionEvents.WithLabelValues("destroyed").Inc()
	m.notify.Notify(ctx, messaging.Event{Type: messaging.EventSessionDestroyed, SessionID: id, Ts: m.now().Unix()})
	m.log.Debug("session destroyed", "session_id", id)
	return true
}

// DestroyUser deletes every session belonging to userID and returns how many
// were removed. There is no index from user to sessions, so this walks the
// whole session namespace; cost is proportional to the number of live
// sessions.
func (m *Manager) DestroyUser(ctx context.Context, userID string) int {
	if userID == "" {
		return 0
	}

	var victims []string
	scanned := m.cache.Each(ctx, "*", func(key string, v cache.Value) bool {
		var s Session
		if err := v.Decode(&s); err != nil {
			m.log.Warn("skipping undecodable session", "key", key, "error", err)
			return true
		}
		if s.UserID == userID {
			victims = append(victims, key)
		}
		return true
	})
	if !scanned {
		m.log.Error("failed to scan sessions", "user_id", userID)
		return 0
	}

	destroyed := 0
	for _, id := range victims {
		if m.cache.Del(ctx, id) {
			destroyed++
		}
	}

	if destroyed > 0 {
		metrics.SessionEvents.WithLabelValues("revoked").Add(float64(destroyed))
		m.notify.Notify(ctx, messaging.Event{Type: messaging.EventSessionsRevoked, UserID: userID, Count: destroyed, Ts: m.now().Unix()})
	}
	m.log.Debug("user sessions destroyed", "user_id", userID, "count", destroyed)
	return destroyed
}
