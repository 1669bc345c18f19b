// Command server starts the watchroom coordination service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"watchroom/internal/engine"
	"watchroom/internal/gateway"
	"watchroom/internal/journal"
	"watchroom/internal/observability/logging"
	"watchroom/internal/server"
	"watchroom/internal/serverutil"
	"watchroom/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	storeDriver := flag.String("store-driver", "", "datastore driver (json or postgres)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when establishing Postgres connections")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	journalDriver := flag.String("journal-driver", "", "journal driver (memory or redis)")
	journalRedisAddr := flag.String("journal-redis-addr", "", "Redis address for the activity journal")
	journalRedisAddrs := flag.String("journal-redis-addrs", "", "comma separated Redis addresses for the activity journal")
	journalRedisUsername := flag.String("journal-redis-username", "", "Redis username for the activity journal")
	journalRedisPassword := flag.String("journal-redis-password", "", "Redis password for the activity journal")
	journalRedisStream := flag.String("journal-redis-stream", "", "Redis stream key for journal entries")
	journalRedisGroup := flag.String("journal-redis-group", "", "Redis consumer group for journal entries")
	journalRedisMasterName := flag.String("journal-redis-sentinel-master", "", "Redis sentinel master name for the activity journal")
	journalRedisPoolSize := flag.Int("journal-redis-pool-size", 0, "maximum Redis connections for the activity journal")
	adminToken := flag.String("admin-token", "", "shared token gating the admin API")
	heartbeat := flag.Duration("heartbeat", 0, "WebSocket ping interval")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("WATCHROOM_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("WATCHROOM_LOG_FORMAT")),
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("WATCHROOM_ADDR"))
	if listenAddr == "" {
		listenAddr = "127.0.0.1:8080"
	}

	store, storeCleanup, err := configureStore(storeConfig{
		Driver:          firstNonEmpty(*storeDriver, os.Getenv("WATCHROOM_STORE_DRIVER")),
		DataPath:        firstNonEmpty(*dataPath, os.Getenv("WATCHROOM_DATA")),
		DSN:             firstNonEmpty(*postgresDSN, os.Getenv("WATCHROOM_POSTGRES_DSN")),
		MaxConns:        resolveInt(*postgresMaxConns, "WATCHROOM_POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, "WATCHROOM_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "WATCHROOM_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdleTime: resolveDuration(*postgresMaxConnIdle, "WATCHROOM_POSTGRES_MAX_CONN_IDLE", 0),
		HealthInterval:  resolveDuration(*postgresHealthInterval, "WATCHROOM_POSTGRES_HEALTH_INTERVAL", 0),
		ConnectTimeout:  resolveDuration(*postgresConnectTimeout, "WATCHROOM_POSTGRES_CONNECT_TIMEOUT", 0),
		AppName:         firstNonEmpty(*postgresAppName, os.Getenv("WATCHROOM_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to initialise datastore", "error", err)
		os.Exit(1)
	}

	activityJournal, err := configureJournal(journalConfig{
		Driver:     firstNonEmpty(*journalDriver, os.Getenv("WATCHROOM_JOURNAL_DRIVER")),
		Addr:       firstNonEmpty(*journalRedisAddr, os.Getenv("WATCHROOM_JOURNAL_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*journalRedisAddrs, os.Getenv("WATCHROOM_JOURNAL_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*journalRedisUsername, os.Getenv("WATCHROOM_JOURNAL_REDIS_USERNAME")),
		Password:   firstNonEmpty(*journalRedisPassword, os.Getenv("WATCHROOM_JOURNAL_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*journalRedisStream, os.Getenv("WATCHROOM_JOURNAL_REDIS_STREAM")),
		Group:      firstNonEmpty(*journalRedisGroup, os.Getenv("WATCHROOM_JOURNAL_REDIS_GROUP")),
		MasterName: firstNonEmpty(*journalRedisMasterName, os.Getenv("WATCHROOM_JOURNAL_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*journalRedisPoolSize, "WATCHROOM_JOURNAL_REDIS_POOL_SIZE"),
	}, logger)
	if err != nil {
		logger.Error("failed to configure journal", "error", err)
		os.Exit(1)
	}

	coordinator := engine.New(engine.Config{
		Store:   store,
		Journal: activityJournal,
		Logger:  logging.WithComponent(logger, "engine"),
	})
	gw := gateway.New(gateway.Config{
		Engine:            coordinator,
		Logger:            logging.WithComponent(logger, "gateway"),
		HeartbeatInterval: resolveDuration(*heartbeat, "WATCHROOM_HEARTBEAT", 0),
	})
	coordinator.SetBroadcaster(gw)

	srv := server.New(server.Config{
		Addr:       listenAddr,
		Logger:     logger,
		Engine:     coordinator,
		Gateway:    gw,
		Store:      store,
		AdminToken: firstNonEmpty(*adminToken, os.Getenv("WATCHROOM_ADMIN_TOKEN")),
	})

	tlsCfg := serverutil.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("WATCHROOM_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("WATCHROOM_TLS_KEY")),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("watchroom listening", "addr", listenAddr)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		return serverutil.Run(ctx, serverutil.Config{
			Server: srv.HTTPServer(),
			TLS:    tlsCfg,
		})
	})
	group.Go(func() error {
		err := journal.NewArchiver(activityJournal, logging.WithComponent(logger, "journal")).Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "error", err)
		storeCleanup()
		os.Exit(1)
	}

	storeCleanup()
	logger.Info("server stopped")
}

type storeConfig struct {
	Driver          string
	DataPath        string
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthInterval  time.Duration
	ConnectTimeout  time.Duration
	AppName         string
}

func configureStore(cfg storeConfig) (storage.Store, func(), error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if cfg.DSN != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}

	switch driver {
	case "json":
		path := cfg.DataPath
		if path == "" {
			path = "data/watchroom.json"
		}
		store, err := storage.NewStorage(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, nil, fmt.Errorf("postgres driver requires a DSN")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		store, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
			DSN:                 cfg.DSN,
			MaxConnections:      int32(cfg.MaxConns),
			MinConnections:      int32(cfg.MinConns),
			MaxConnLifetime:     cfg.MaxConnLifetime,
			MaxConnIdleTime:     cfg.MaxConnIdleTime,
			HealthCheckInterval: cfg.HealthInterval,
			ConnectTimeout:      cfg.ConnectTimeout,
			ApplicationName:     cfg.AppName,
		})
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = store.Close(closeCtx)
		}
		return store, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

type journalConfig struct {
	Driver     string
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	Stream     string
	Group      string
	MasterName string
	PoolSize   int
}

func configureJournal(cfg journalConfig, logger *slog.Logger) (journal.Journal, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if cfg.Addr != "" || len(cfg.Addrs) > 0 {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		return journal.NewMemoryJournal(0), nil
	case "redis":
		return journal.NewRedisJournal(journal.RedisConfig{
			Addr:       cfg.Addr,
			Addrs:      cfg.Addrs,
			Username:   cfg.Username,
			Password:   cfg.Password,
			Stream:     cfg.Stream,
			Group:      cfg.Group,
			MasterName: cfg.MasterName,
			PoolSize:   cfg.PoolSize,
			Logger:     logging.WithComponent(logger, "journal"),
		})
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
