// Package store owns the connection to the shared key-value store. Every
// manager in this module receives a *Client explicitly; there is no
// process-global connection.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shopstate/kvcore/internal/config"
	"github.com/shopstate/kvcore/internal/logging"
	"github.com/shopstate/kvcore/internal/metrics"
)

// DefaultCommandTimeout bounds a single store call when no timeout is configured.
const DefaultCommandTimeout = 5 * time.Second

// Client is a pooled store connection with a bounded per-command timeout.
type Client struct {
	rdb     *redis.Client
	timeout time.Duration
	log     *slog.Logger
}

// Connect dials the store described by cfg and verifies it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		PoolSize:              cfg.PoolSize,
		MaxRetries:            cfg.MaxRetries,
		DialTimeout:           cfg.DialTimeout,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ContextTimeoutEnabled: true,
	})

	c := New(rdb, cfg.CommandTimeout, logger)

	pingCtx, cancel := c.Bound(ctx)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}

	c.log.Info("store connected", "addr", cfg.Addr, "db", cfg.DB)
	return c, nil
}

// New wraps an existing go-redis client. A non-positive timeout selects
// DefaultCommandTimeout.
func New(rdb *redis.Client, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Client{rdb: rdb, timeout: timeout, log: logging.OrDefault(logger)}
}

// Redis returns the underlying driver client for use by other packages.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Logger returns the logger components should derive from.
func (c *Client) Logger() *slog.Logger {
	return c.log
}

// Bound derives a context that expires after the command timeout, or earlier
// if ctx already has a tighter deadline.
func (c *Client) Bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Close closes the connection pool.
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	c.log.Info("store connection closed")
	return nil
}

// Health is the result of a liveness probe against the store.
type Health struct {
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"responseTime"`
	Connected    bool          `json:"connected"`
	Error        string        `json:"error,omitempty"`
}

// Health pings the store and updates the store_up gauge.
func (c *Client) Health(ctx context.Context) Health {
	ctx, cancel := c.Bound(ctx)
	defer cancel()

	start := time.Now()
	pong, err := c.rdb.Ping(ctx).Result()
	elapsed := time.Since(start)
	connected := c.rdb.PoolStats().TotalConns > 0

	switch {
	case err != nil:
		metrics.StoreUp.Set(0)
		return Health{Healthy: false, Connected: connected, Error: err.Error()}
	case pong != "PONG":
		metrics.StoreUp.Set(0)
		return Health{Healthy: false, Connected: connected, Error: "invalid ping response"}
	}
	metrics.StoreUp.Set(1)
	return Health{Healthy: true, ResponseTime: elapsed, Connected: connected}
}

// Info is a summary of the store's INFO output.
type Info struct {
	Version          string `json:"version"`
	UptimeSeconds    int64  `json:"uptime"`
	ConnectedClients int64  `json:"connectedClients"`
	UsedMemory       string `json:"usedMemory"`
	TotalCommands    int64  `json:"totalCommands"`
}

// Info fetches and summarises INFO. It returns nil when the store cannot be queried.
func (c *Client) Info(ctx context.Context) *Info {
	ctx, cancel := c.Bound(ctx)
	defer cancel()

	raw, err := c.rdb.Info(ctx).Result()
	if err != nil {
		c.log.Error("store info failed", "error", err)
		return nil
	}
	return parseInfo(raw)
}

func parseInfo(raw string) *Info {
	fields := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[k] = v
	}

	atoi := func(s string) int64 {
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}
	return &Info{
		Version:          fields["redis_version"],
		UptimeSeconds:    atoi(fields["uptime_in_seconds"]),
		ConnectedClients: atoi(fields["connected_clients"]),
		UsedMemory:       fields["used_memory_human"],
		TotalCommands:    atoi(fields["total_commands_processed"]),
	}
}
