package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/shopstate/kvcore/internal/cart"
	"github.com/shopstate/kvcore/internal/config"
	"github.com/shopstate/kvcore/internal/logging"
	"github.com/shopstate/kvcore/internal/messaging"
	"github.com/shopstate/kvcore/internal/ops"
	"github.com/shopstate/kvcore/internal/ratelimit"
	"github.com/shopstate/kvcore/internal/session"
	"github.com/shopstate/kvcore/internal/store"
	"github.com/shopstate/kvcore/internal/tokens"
	"github.com/shopstate/kvcore/internal/users"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run wires the daemon and returns the process exit code. Keeping it apart
// from main lets deferred closes run before the process exits.
func run(args []string) int {
	flags := flag.NewFlagSet("kvcored", flag.ContinueOnError)
	var (
		configFile = flags.String("config", "", "path to configuration file")
		envPrefix  = flags.String("env-prefix", "KVCORE", "environment variable prefix")
	)
	if err := flags.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*envPrefix, *configFile).Load(ctx)
	if err != nil {
		log.Printf("failed to load configuration: %v", err)
		return 1
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Printf("failed to configure logger: %v", err)
		return 1
	}

	trusted, err := cfg.Ops.TrustedPrefixes()
	if err != nil {
		logger.Error("invalid trusted proxies", "error", err)
		return 1
	}

	// --- Redis ---
	client, err := store.Connect(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		return 1
	}
	defer client.Close()

	// --- NATS (optional) ---
	var notifier messaging.Notifier = messaging.Nop{}
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		if cfg.NATS.Name != "" {
			natsConfig.Name = cfg.NATS.Name
		}
		natsClient, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			logger.Warn("state events disabled", "error", err)
		} else {
			defer natsClient.Close()
			notifier = natsClient
		}
	}

	deps := ops.Deps{
		Store:    client,
		Sessions: session.NewManager(client, session.WithNotifier(notifier)),
		Carts:    cart.NewManager(client, cart.WithNotifier(notifier)),
		Tokens:   tokens.NewStore(client),
		Limiter:  ratelimit.NewLimiter(client),
		Rule: ratelimit.Rule{
			Name:   "admin",
			Limit:  cfg.RateLimit.Limit,
			Window: cfg.RateLimit.Window,
		},
		AdminToken:     cfg.Ops.AdminToken,
		TrustedProxies: trusted,
		Logger:         logger,
	}

	// --- Postgres (optional) ---
	if cfg.Postgres.DSN != "" {
		db, err := openDB(ctx, cfg.Postgres.DSN)
		if err != nil {
			logger.Warn("account loader disabled", "error", err)
		} else {
			defer db.Close()
			deps.DB = db
			deps.Users = users.NewCache(client, users.NewStore(db), users.WithNotifier(notifier))
			logger.Info("database ready")
		}
	}

	srv, err := ops.NewServer(cfg.Listen.Address, ops.NewHandler(deps), logger)
	if err != nil {
		logger.Error("unable to construct server", "error", err)
		return 1
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
