package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoaderDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoaderFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvcore.yaml")
	doc := []byte(`
redis:
  addr: redis.internal:6380
  db: 2
  commandTimeout: 750ms
logging:
  level: debug
ratelimit:
  limit: 50
  window: 1m
`)
	require.NoError(t, os.WriteFile(path, doc, 0o600))

	t.Setenv("KVCORE_REDIS__ADDR", "redis.env:6379")
	t.Setenv("KVCORE_REDIS__POOL_SIZE", "64")
	t.Setenv("KVCORE_NATS__URL", "nats://nats:4222")

	cfg, err := NewLoader("KVCORE", path).Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, "redis.env:6379", cfg.Redis.Addr)
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, 64, cfg.Redis.PoolSize)
	require.Equal(t, 750*time.Millisecond, cfg.Redis.CommandTimeout)
	require.Equal(t, 5*time.Second, cfg.Redis.ReadTimeout)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, int64(50), cfg.RateLimit.Limit)
	require.Equal(t, time.Minute, cfg.RateLimit.Window)
	require.Equal(t, "nats://nats:4222", cfg.NATS.URL)
}

func TestLoaderMissingFile(t *testing.T) {
	_, err := NewLoader("", filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Addr = " "
	cfg.Redis.CommandTimeout = 0
	cfg.RateLimit.Limit = 0

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis.addr")
	require.Contains(t, err.Error(), "redis.commandTimeout")
	require.Contains(t, err.Error(), "ratelimit.limit")
}

func TestLoaderOpsFromEnv(t *testing.T) {
	t.Setenv("KVCORE_OPS__ADMIN_TOKEN", "s3cret")
	t.Setenv("KVCORE_OPS__TRUSTED_PROXIES", "10.0.0.0/8,192.168.1.10")

	cfg, err := NewLoader("KVCORE").Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "s3cret", cfg.Ops.AdminToken)
	require.Equal(t, []string{"10.0.0.0/8", "192.168.1.10"}, cfg.Ops.TrustedProxies)

	prefixes, err := cfg.Ops.TrustedPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	require.Equal(t, "10.0.0.0/8", prefixes[0].String())
	require.Equal(t, "192.168.1.10/32", prefixes[1].String())
}

func TestDefaultListenIsLoopback(t *testing.T) {
	require.Equal(t, "127.0.0.1:9090", DefaultConfig().Listen.Address)
	require.Empty(t, DefaultConfig().Ops.AdminToken)
}

func TestValidateRejectsBadTrustedProxy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ops.TrustedProxies = []string{"10.0.0.0/33"}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ops.trustedProxies")
}
