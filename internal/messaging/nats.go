// Package messaging publishes state-change events over NATS so other
// stateless processes can react to sessions being revoked or cached users
// being invalidated. Publishing is best effort: failures are logged and
// never reach the caller.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/shopstate/kvcore/internal/logging"
)

// NATS subjects for state events.
const (
	SubjectSessionCreated   = "state.session.created"
	SubjectSessionDestroyed = "state.session.destroyed"
	SubjectSessionsRevoked  = "state.session.revoked" // + .<user_id>
	SubjectUserInvalidated  = "state.user.invalidated"
	SubjectCartCleared      = "state.cart.cleared"
)

// Event types.
const (
	EventSessionCreated   = "session_created"
	EventSessionDestroyed = "session_destroyed"
	EventSessionsRevoked  = "sessions_revoked"
	EventUserInvalidated  = "user_invalidated"
	EventCartCleared      = "cart_cleared"
)

// Event is the payload published for every state change.
type Event struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Kind      string `json:"kind,omitempty"`  // user kind for user_invalidated
	Count     int    `json:"count,omitempty"` // sessions removed for sessions_revoked
	Ts        int64  `json:"ts"`
}

// Notifier receives state events. Implementations must not block the caller
// for long and must not fail the caller.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Event) {}

// OrNop returns n, or Nop when n is nil.
func OrNop(n Notifier) Notifier {
	if n == nil {
		return Nop{}
	}
	return n
}

// Subject returns the NATS subject an event is published on.
func Subject(ev Event) string {
	switch ev.Type {
	case EventSessionCreated:
		return SubjectSessionCreated
	case EventSessionDestroyed:
		return SubjectSessionDestroyed
	case EventSessionsRevoked:
		return SubjectSessionsRevoked + "." + ev.UserID
	case EventUserInvalidated:
		return SubjectUserInvalidated
	case EventCartCleared:
		return SubjectCartCleared
	default:
		return "state.unknown"
	}
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "kvcore",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient publishes events on a NATS connection.
type NATSClient struct {
	conn    *nats.Conn
	publish func(subject string, data []byte) error
	log     *slog.Logger
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
func NewNATSClient(config NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	log := logging.OrDefault(logger).With("subsystem", "nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	log.Info("nats connected", "url", nc.ConnectedUrl())

	return &NATSClient{conn: nc, publish: nc.Publish, log: log}, nil
}

// Notify marshals ev and publishes it on its subject.
func (c *NATSClient) Notify(_ context.Context, ev Event) {
	if ev.Ts == 0 {
		ev.Ts = time.Now().Unix()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("marshal event", "type", ev.Type, "error", err)
		return
	}
	subject := Subject(ev)
	if err := c.publish(subject, data); err != nil {
		c.log.Error("publish event", "subject", subject, "error", err)
	}
}

// Close drains the connection.
func (c *NATSClient) Close() {
	if err := c.conn.Drain(); err != nil {
		c.log.Error("nats connection drain", "error", err)
	}
}
