package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates Config from defaults, optional YAML files and the environment.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a loader. Files are applied in order; env wins over all of them.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{envPrefix: envPrefix, files: files}
}

// canonical restores the camelCase koanf keys that env names cannot carry.
var canonical = map[string]string{
	"redis.poolsize":       "redis.poolSize",
	"redis.maxretries":     "redis.maxRetries",
	"redis.dialtimeout":    "redis.dialTimeout",
	"redis.readtimeout":    "redis.readTimeout",
	"redis.writetimeout":   "redis.writeTimeout",
	"redis.commandtimeout": "redis.commandTimeout",
	"ops.admintoken":       "ops.adminToken",
	"ops.trustedproxies":   "ops.trustedProxies",
}

// Load returns the validated snapshot.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		// KVCORE_REDIS__COMMAND_TIMEOUT -> redis.commandTimeout
		transform := func(s string) string {
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func structToMap(cfg Config) map[string]any {
	ops := map[string]any{
		"adminToken": cfg.Ops.AdminToken,
	}
	if len(cfg.Ops.TrustedProxies) > 0 {
		ops["trustedProxies"] = cfg.Ops.TrustedProxies
	}
	return map[string]any{
		"listen": map[string]any{
			"address": cfg.Listen.Address,
		},
		"ops": ops,
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"redis": map[string]any{
			"addr":           cfg.Redis.Addr,
			"password":       cfg.Redis.Password,
			"db":             cfg.Redis.DB,
			"poolSize":       cfg.Redis.PoolSize,
			"maxRetries":     cfg.Redis.MaxRetries,
			"dialTimeout":    cfg.Redis.DialTimeout.String(),
			"readTimeout":    cfg.Redis.ReadTimeout.String(),
			"writeTimeout":   cfg.Redis.WriteTimeout.String(),
			"commandTimeout": cfg.Redis.CommandTimeout.String(),
		},
		"postgres": map[string]any{
			"dsn": cfg.Postgres.DSN,
		},
		"nats": map[string]any{
			"url":  cfg.NATS.URL,
			"name": cfg.NATS.Name,
		},
		"ratelimit": map[string]any{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window.String(),
		},
	}
}
