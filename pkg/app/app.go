// Package app wires the sync pipeline together: database, redis, the FTP
// client, the walker, the job processor, the webhook intake and the crawl
// scheduler.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sgaunet/cruisesync/pkg/catalog"
	"github.com/sgaunet/cruisesync/pkg/config"
	"github.com/sgaunet/cruisesync/pkg/dbinit"
	"github.com/sgaunet/cruisesync/pkg/ftpclient"
	"github.com/sgaunet/cruisesync/pkg/health"
	"github.com/sgaunet/cruisesync/pkg/locker"
	"github.com/sgaunet/cruisesync/pkg/metrics"
	"github.com/sgaunet/cruisesync/pkg/normalize"
	"github.com/sgaunet/cruisesync/pkg/scheduler"
	"github.com/sgaunet/cruisesync/pkg/store"
	"github.com/sgaunet/cruisesync/pkg/syncer"
	"github.com/sgaunet/cruisesync/pkg/webhook"
)

// App owns the service graph and the HTTP server lifecycle.
type App struct {
	cfg       config.Config
	db        *sql.DB
	redis     *redis.Client
	ftp       *ftpclient.Service
	walker    *catalog.Walker
	store     *store.Service
	syncer    *syncer.Service
	webhook   *webhook.Service
	scheduler *scheduler.Scheduler
	health    *health.Service
	metrics   *metrics.Metrics
	srv       *http.Server
	log       *slog.Logger
}

// NewApp validates the configuration and prepares an app. No I/O happens
// until Start.
func NewApp(cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &App{
		cfg:     cfg,
		metrics: metrics.New(),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// SetLogger sets the logger propagated to every service on Start.
func (a *App) SetLogger(log *slog.Logger) {
	a.log = log
}

// Start connects the backends and launches the HTTP server, the health
// monitor and the crawl scheduler. ctx bounds every background run.
func (a *App) Start(ctx context.Context) error {
	db, err := dbinit.InitializeDatabase(ctx, a.cfg.Database.URL, a.log)
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	a.db = db

	a.redis = locker.NewRedisClient(a.cfg.Redis)
	if err := locker.Ping(ctx, a.redis); err != nil {
		return err
	}
	locks := locker.NewService(a.redis, a.cfg.Sync.LockTTL())

	a.ftp = ftpclient.NewService(a.cfg)
	a.ftp.SetLogger(a.log)
	a.ftp.Breakers().Get(a.cfg.Ftp.Host).OnTransition(func(state ftpclient.BreakerState) {
		a.metrics.BreakerTransition(string(state))
		a.log.Warn("circuit breaker state changed",
			slog.String("host", a.cfg.Ftp.Host),
			slog.String("state", string(state)))
	})

	a.walker = catalog.NewWalker(a.ftp)
	a.walker.SetLogger(a.log)

	a.store = store.NewService(a.db)
	a.store.SetLogger(a.log)

	normalizer := normalize.New(a.cfg.ScalingTable())
	a.syncer = syncer.NewService(a.cfg.Sync, a.ftp, normalizer, a.store, a.metrics)
	a.syncer.SetLogger(a.log)

	a.webhook = webhook.NewService(ctx, a.cfg, locks, a.walker, a.syncer, a.store, a.metrics)
	a.webhook.SetLogger(a.log)

	a.health = health.NewService(a.db, a.ftp.Breakers())
	a.health.SetLogger(a.log)
	a.health.Start(ctx)

	a.scheduler = scheduler.NewScheduler(a.cfg, a.walker, a.syncer, locks)
	a.scheduler.SetLogger(a.log)
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	a.srv = &http.Server{
		Addr:              a.cfg.Webhook.ListenAddr,
		Handler:           a.initRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.log.Info("listening", slog.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (a *App) Stop() {
	if a.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("http shutdown", slog.String("error", err.Error()))
		}
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.ftp != nil {
		a.ftp.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
