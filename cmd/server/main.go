package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/erpimport/internal/cache"
	"github.com/JonMunkholm/erpimport/internal/config"
	"github.com/JonMunkholm/erpimport/internal/core"
	"github.com/JonMunkholm/erpimport/internal/database"
	"github.com/JonMunkholm/erpimport/internal/erp"
	"github.com/JonMunkholm/erpimport/internal/events"
	"github.com/JonMunkholm/erpimport/internal/importing"
	"github.com/JonMunkholm/erpimport/internal/logging"
	"github.com/JonMunkholm/erpimport/internal/migrations"
	"github.com/JonMunkholm/erpimport/internal/task"
	"github.com/JonMunkholm/erpimport/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.Database.MigrateOnStart {
		if err := migrations.Up(ctx, pool); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	// The interface stays nil unless Redis is configured.
	var codeCache importing.CodeCache[int64]
	if cfg.Cache.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.Cache.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		codeCache = cache.NewCodeCache[int64](client, cfg.Cache.Prefix, cfg.Cache.TTL)
		slog.Info("reference code cache enabled", "prefix", cfg.Cache.Prefix, "ttl", cfg.Cache.TTL)
	}

	publisher, err := events.New(events.Config{
		KafkaBrokers: cfg.Events.KafkaBrokers,
		Topic:        cfg.Events.Topic,
		Logger:       slog.Default(),
	})
	if err != nil {
		slog.Error("failed to create event publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	var background sync.WaitGroup
	if sub := publisher.Subscriber(); sub != nil && cfg.Events.Log {
		background.Add(1)
		go func() {
			defer background.Done()
			if err := events.Consume(ctx, sub, publisher.Topic(), events.LogEvents); err != nil {
				slog.Error("event consumer stopped", "error", err)
			}
		}()
	}

	registry := task.NewRegistry()
	erp.Register(registry, erp.NewImporter(erp.NewPostgresStore(pool), cfg.ModuleConfig(), codeCache))
	slog.Info("import handlers registered", "count", registry.Len(), "types", registry.Types())

	store := task.NewPostgresStore(pool)
	manager := task.NewManager(store, task.ManagerOptions{
		Dependencies: cfg.Dependencies(),
		Publisher:    publisher,
		MaxFileSize:  cfg.Import.MaxFileSize,
	})

	scheduler := task.NewScheduler(store, registry, publisher, cfg.SchedulerSettings())
	if cfg.Scheduler.Enabled {
		background.Add(1)
		go func() {
			defer background.Done()
			scheduler.Run(ctx)
		}()
	} else {
		slog.Info("scheduler disabled, this instance only accepts submissions")
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	server := web.NewServer(manager, registry,
		core.NewUploadLimiter(cfg.Upload.MaxConcurrent, cfg.Upload.MaxWaitTime),
		web.Options{
			MaxFileSize:    cfg.Import.MaxFileSize,
			MaxMemory:      cfg.Upload.MaxMemory,
			RequestTimeout: cfg.Server.RequestTimeout,
			MetricsPath:    metricsPath,
			Health:         pool.Ping,
		})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.Server.Addr(), cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	background.Wait()
	if err := scheduler.Wait(shutdownCtx); err != nil {
		slog.Warn("import tasks did not finish in time", "error", err)
	} else {
		slog.Info("all running imports finished")
	}
}
