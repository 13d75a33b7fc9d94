// Package config loads the runtime settings for the state service. Values
// resolve with env > file > default precedence.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Config is the full runtime snapshot.
type Config struct {
	Listen    ListenConfig    `koanf:"listen"`
	Ops       OpsConfig       `koanf:"ops"`
	Logging   LoggingConfig   `koanf:"logging"`
	Redis     RedisConfig     `koanf:"redis"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	NATS      NATSConfig      `koanf:"nats"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
}

// ListenConfig is the bind address of the ops listener (/health, /metrics).
type ListenConfig struct {
	Address string `koanf:"address"`
}

// OpsConfig guards the /admin routes of the ops listener. An empty
// AdminToken leaves the admin routes unregistered.
type OpsConfig struct {
	AdminToken     string   `koanf:"adminToken"`
	TrustedProxies []string `koanf:"trustedProxies"` // CIDRs or bare IPs allowed to set X-Forwarded-For
}

// TrustedPrefixes parses TrustedProxies. A bare address becomes a single-host prefix.
func (o OpsConfig) TrustedPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(o.TrustedProxies))
	for _, raw := range o.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("config: ops.trustedProxies: %w", err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("config: ops.trustedProxies: %w", err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

// LoggingConfig expresses log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RedisConfig describes the shared key-value store connection.
type RedisConfig struct {
	Addr           string        `koanf:"addr"`
	Password       string        `koanf:"password"`
	DB             int           `koanf:"db"`
	PoolSize       int           `koanf:"poolSize"`
	MaxRetries     int           `koanf:"maxRetries"`
	DialTimeout    time.Duration `koanf:"dialTimeout"`
	ReadTimeout    time.Duration `koanf:"readTimeout"`
	WriteTimeout   time.Duration `koanf:"writeTimeout"`
	CommandTimeout time.Duration `koanf:"commandTimeout"`
}

// PostgresConfig is optional; an empty DSN disables the user loader.
type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

// NATSConfig is optional; an empty URL disables state events.
type NATSConfig struct {
	URL  string `koanf:"url"`
	Name string `koanf:"name"`
}

// RateLimitConfig holds the global API limiter knobs.
type RateLimitConfig struct {
	Limit  int64         `koanf:"limit"`
	Window time.Duration `koanf:"window"`
}

// DefaultConfig mirrors the values the service ran with before it was configurable.
func DefaultConfig() Config {
	return Config{
		Listen:  ListenConfig{Address: "127.0.0.1:9090"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			DB:             0,
			PoolSize:       20,
			MaxRetries:     3,
			DialTimeout:    10 * time.Second,
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   5 * time.Second,
			CommandTimeout: 5 * time.Second,
		},
		NATS:      NATSConfig{Name: "kvcore"},
		RateLimit: RateLimitConfig{Limit: 100, Window: 15 * time.Minute},
	}
}

// Validate rejects snapshots the store client cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, errors.New("config: redis.addr required"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("config: redis.db must be >= 0, got %d", c.Redis.DB))
	}
	for name, d := range map[string]time.Duration{
		"redis.dialTimeout":    c.Redis.DialTimeout,
		"redis.readTimeout":    c.Redis.ReadTimeout,
		"redis.writeTimeout":   c.Redis.WriteTimeout,
		"redis.commandTimeout": c.Redis.CommandTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive", name))
		}
	}
	if c.RateLimit.Limit <= 0 {
		errs = append(errs, errors.New("config: ratelimit.limit must be positive"))
	}
	if c.RateLimit.Window < time.Second {
		errs = append(errs, errors.New("config: ratelimit.window must be at least 1s"))
	}
	if _, err := c.Ops.TrustedPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
