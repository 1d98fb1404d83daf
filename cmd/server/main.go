// Package main is the entry point for the versionstore service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cloudkeep/versionstore/internal/api"
	"github.com/cloudkeep/versionstore/internal/config"
	"github.com/cloudkeep/versionstore/internal/core"
	"github.com/cloudkeep/versionstore/internal/database"
	"github.com/cloudkeep/versionstore/internal/database/postgres"
	"github.com/cloudkeep/versionstore/internal/infrastructure/lock"
	"github.com/cloudkeep/versionstore/internal/orchestrator"
	"github.com/cloudkeep/versionstore/internal/queue"
	"github.com/cloudkeep/versionstore/internal/storage/kv"
	"github.com/cloudkeep/versionstore/internal/storage/metadata"
	"github.com/cloudkeep/versionstore/internal/worker"
	"github.com/cloudkeep/versionstore/pkg/logger"
)

const (
	serviceName    = "versionstore"
	serviceVersion = "1.0.0"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     serviceName,
		Short:   "Transactional, versioned key-value store",
		Version: serviceVersion,
		// Running the binary with no subcommand serves, same as `serve`.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(context.Background())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the async worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(context.Background())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(context.Background())
		},
	}
}

func loadConfigAndLogger() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: "stdout",
	})
	return cfg, log, nil
}

func runMigrate(ctx context.Context) error {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}

	if cfg.KVStore.Type != config.BackendRemoteDocStore && cfg.MetaStore.Type != config.BackendRemoteDocStore {
		log.Info("no store configured for remote-doc-store, nothing to migrate")
		return nil
	}

	return database.RunMigrations(ctx, postgresConfigFrom(cfg), log)
}

func postgresConfigFrom(cfg *config.Config) *postgres.PostgresConfig {
	pgCfg := postgres.DefaultConfig()
	pgCfg.Host = cfg.Database.Host
	pgCfg.Port = cfg.Database.Port
	pgCfg.Database = cfg.Database.Database
	pgCfg.User = cfg.Database.Username
	pgCfg.Password = cfg.Database.Password
	pgCfg.SSLMode = cfg.Database.SSLMode
	if cfg.Database.MaxConnections > 0 {
		pgCfg.MaxConns = int32(cfg.Database.MaxConnections)
	}
	if cfg.Database.MinConnections > 0 {
		pgCfg.MinConns = int32(cfg.Database.MinConnections)
	}
	if cfg.Database.MaxConnLifetime > 0 {
		pgCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	}
	if cfg.Database.ConnectTimeout > 0 {
		pgCfg.ConnectTimeout = cfg.Database.ConnectTimeout
	}
	return pgCfg
}

// buildBackends constructs the metadata, KV and queue backends named by
// cfg, each wrapped in the validating and instrumented decorators so every
// backend - in-memory or remote - sees the same request-shape checks and
// exports the same metrics.
func buildBackends(ctx context.Context, cfg *config.Config, log *slog.Logger, reg *prometheus.Registry) (core.MetadataStore, core.KVStore, core.Queue, *redis.Client, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var pgPool *postgres.PostgresPool
	needsPostgres := cfg.KVStore.Type == config.BackendRemoteDocStore || cfg.MetaStore.Type == config.BackendRemoteDocStore
	if needsPostgres {
		pgPool = postgres.NewPostgresPool(postgresConfigFrom(cfg), log)
		if err := pgPool.Connect(ctx); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		closers = append(closers, func() { _ = pgPool.Disconnect(context.Background()) })
	}

	var ms core.MetadataStore
	if cfg.MetaStore.Type == config.BackendRemoteDocStore {
		store := metadata.NewPostgresStore(pgPool, log)
		if err := store.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, nil, nil, nil, fmt.Errorf("migrating metadata schema: %w", err)
		}
		ms = store
	} else {
		ms = metadata.NewMemoryStore(log)
	}
	ms = metadata.NewInstrumented(metadata.NewValidating(ms), reg)

	var ks core.KVStore
	if cfg.KVStore.Type == config.BackendRemoteDocStore {
		store := kv.NewPostgresStore(pgPool, log)
		if err := store.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, nil, nil, nil, fmt.Errorf("migrating kv schema: %w", err)
		}
		ks = store
	} else {
		ks = kv.NewMemoryStore(log)
	}
	ks = kv.NewInstrumented(kv.NewValidating(ks), reg)

	var q core.Queue
	var rdb *redis.Client
	if cfg.Queue.Type == config.BackendRemoteDocStore {
		rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			closeAll()
			return nil, nil, nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		q = queue.NewRedisQueue(rdb, cfg.Queue.LeaseTime, log)
	} else {
		q = queue.NewMemoryQueue(cfg.Queue.LeaseTime, log)
	}
	q = queue.NewInstrumented(queue.NewValidating(q), reg)

	return ms, ks, q, rdb, closeAll, nil
}

func runServe(ctx context.Context) error {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}

	log.Info("starting versionstore", "version", serviceVersion)

	reg := prometheus.NewRegistry()
	ms, ks, q, rdb, closeBackends, err := buildBackends(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer closeBackends()

	orch := orchestrator.New(ms, ks, q)

	var locks *lock.LockManager
	if rdb != nil {
		// The publish cutover (internal/worker/handlers.go) holds this lock
		// for a handful of UpdateStatus calls. Its TTL equals the queue
		// lease, so a worker that dies mid-cutover holds the dataset for at
		// most one lease period before Redis expires the key.
		locks = lock.NewLockManager(rdb, &lock.LockConfig{
			TTL:            cfg.Queue.LeaseTime,
			MaxRetries:     3,
			RetryInterval:  100 * time.Millisecond,
			AcquireTimeout: 5 * time.Second,
			ReleaseTimeout: 2 * time.Second,
			ValuePrefix:    "publish-cutover",
		}, log)
	}

	w := worker.New(q, ms, orch.ActivateVersion, worker.Config{
		Topic:        cfg.AsyncTask.OperationsTopic,
		PollInterval: cfg.AsyncTask.PollInterval,
		LeaseTime:    cfg.Queue.LeaseTime,
		Locks:        locks,
	}, log)

	workerCtx, stopWorker := context.WithCancel(ctx)
	w.Start(workerCtx)
	defer func() {
		stopWorker()
		w.Stop()
		if locks != nil {
			if err := locks.Close(context.Background()); err != nil {
				log.Warn("failed to release held locks on shutdown", "error", err)
			}
		}
	}()

	router := api.NewRouter(orch, cfg.Server.ContextRoot, log, reg)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-quit:
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server exited")
	return nil
}
