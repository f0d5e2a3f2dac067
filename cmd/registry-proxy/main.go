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

	"github.com/pullcache/registry-proxy/internal/adapter/docker"
	"github.com/pullcache/registry-proxy/internal/adapter/gomod"
	"github.com/pullcache/registry-proxy/internal/adapter/maven"
	"github.com/pullcache/registry-proxy/internal/adapter/npm"
	"github.com/pullcache/registry-proxy/internal/adapter/nuget"
	"github.com/pullcache/registry-proxy/internal/adapter/pypi"
	"github.com/pullcache/registry-proxy/internal/api"
	"github.com/pullcache/registry-proxy/internal/artifact"
	"github.com/pullcache/registry-proxy/internal/cache"
	"github.com/pullcache/registry-proxy/internal/config"
	"github.com/pullcache/registry-proxy/internal/db"
	"github.com/pullcache/registry-proxy/internal/eviction"
	"github.com/pullcache/registry-proxy/internal/groupresolver"
	"github.com/pullcache/registry-proxy/internal/objectstore"
	"github.com/pullcache/registry-proxy/internal/objectstore/local"
	"github.com/pullcache/registry-proxy/internal/objectstore/s3"
	"github.com/pullcache/registry-proxy/internal/repository/postgres"
	"github.com/pullcache/registry-proxy/internal/upstream"
	"github.com/pullcache/registry-proxy/internal/worker"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Info("starting registry-proxy",
		"listen", cfg.ListenAddr(),
		"db_host", cfg.DB.Host,
		"storage_backend", cfg.Storage.Backend,
	)

	log.Info("running database migrations")
	if err := db.RunMigrations(cfg.DB.DSN()); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations completed")

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer pool.Close()
	log.Info("database connected")

	store, err := newObjectStore(cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	log.Info("storage initialized", "backend", cfg.Storage.Backend)

	repos := postgres.NewRepositoryRepo(pool)
	groups := postgres.NewGroupRepo(pool)
	artifacts := postgres.NewArtifactRepo(pool)
	entries := postgres.NewCacheEntryRepo(pool)
	downloads := postgres.NewDownloadEventRepo(pool)

	reposDoc, err := config.LoadReposDocument(cfg.ReposFile)
	if err != nil {
		return fmt.Errorf("load repos file: %w", err)
	}
	if err := reposDoc.Reconcile(ctx, repos, groups); err != nil {
		return fmt.Errorf("reconcile repos file: %w", err)
	}
	log.Info("repository topology reconciled",
		"repositories", len(reposDoc.Repositories),
		"groups", len(reposDoc.Groups),
	)

	workerPool := worker.New(cfg.WorkerPool.Workers, cfg.WorkerPool.QueueSize, log)
	defer workerPool.Close()

	artifactSvc := artifact.New(artifacts, entries, downloads, store, workerPool, log)
	resolver := groupresolver.New(groups)
	engine := cache.New(repos, resolver, artifactSvc, workerPool, log)
	client := upstream.New(log)

	evictionLoop := eviction.New(entries, artifacts, store, log)
	evictCtx, cancelEviction := context.WithCancel(context.Background())
	defer cancelEviction()
	go evictionLoop.Start(evictCtx, cfg.Eviction.Interval)

	router := api.NewRouter(api.RouterDeps{
		NPM:    npm.New(engine, repos, resolver, client, cache.GroupTarget(cfg.Targets.NPM), log),
		PyPI:   pypi.New(engine, repos, resolver, client, cache.GroupTarget(cfg.Targets.PyPI), log),
		Docker: docker.New(engine, repos, resolver, client, cache.GroupTarget(cfg.Targets.Docker), log),
		GoMod:  gomod.New(engine, repos, resolver, client, cache.GroupTarget(cfg.Targets.Go), log),
		Maven:  maven.New(engine, repos, resolver, client, cache.GroupTarget(cfg.Targets.Maven), log),
		NuGet:  nuget.New(engine, repos, resolver, client, cache.GroupTarget(cfg.Targets.NuGet), log),
		Pool:   workerPool,
		Logger: log,

		RateLimitRPS:   cfg.RateLimit.RequestsPerSecond,
		RateLimitBurst: cfg.RateLimit.Burst,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // artifact downloads can run far longer than a fixed write deadline allows
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	cancelEviction()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func newObjectStore(cfg *config.Config) (objectstore.Store, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return s3.New(s3.Config{
			Endpoint:  cfg.Storage.S3Endpoint,
			Region:    cfg.Storage.S3Region,
			Bucket:    cfg.Storage.S3Bucket,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			Timeout:   cfg.Storage.S3Timeout,
		})
	default:
		return local.New(cfg.Storage.LocalPath)
	}
}
