// Humanitas Worker — выполняет задачи из durable-очереди.
//
// Worker:
//   - Забирает задачи (RabbitMQ task.ready будит, без него — опрос)
//   - Прогоняет workflow платформы через пул identity
//   - Ack / Nack с backoff / dead-letter
//   - По cron обновляет пул identity и пишет глубину очереди
//
// С WORKER_API=true процесс также отдаёт HTTP API (нужно для STORE_DRIVER=memory).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NovaTayler/Humanitas/internal/api"
	"github.com/NovaTayler/Humanitas/internal/app"
	"github.com/NovaTayler/Humanitas/internal/scheduler"
	"github.com/NovaTayler/Humanitas/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger("humanitas-worker")
	logger.Info("starting humanitas-worker")

	cfg, err := app.FromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	serveAPI, _ := strconv.ParseBool(os.Getenv("WORKER_API"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing("humanitas-worker")
	if err != nil {
		logger.Error("failed to setup tracing", "error", err)
		os.Exit(1)
	}

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	sched := scheduler.New(scheduler.Config{Logger: logger})
	if cfg.IdentityFile != "" || cfg.IdentityURL != "" {
		if err := sched.Add(scheduler.IdentityRefreshJob(cfg.IdentityRefreshCron, a.Identities)); err != nil {
			logger.Error("failed to schedule identity refresh", "error", err)
			os.Exit(1)
		}
	}
	if err := sched.Add(scheduler.QueueReportJob(cfg.QueueReportCron, a.Tasks, logger)); err != nil {
		logger.Error("failed to schedule queue report", "error", err)
		os.Exit(1)
	}
	if len(a.Suppliers) > 0 {
		if err := sched.Add(scheduler.CatalogSyncJob(cfg.CatalogSyncCron, a)); err != nil {
			logger.Error("failed to schedule catalog sync", "error", err)
			os.Exit(1)
		}
	}

	pool := a.WorkerPool()
	mux := http.NewServeMux()
	if serveAPI {
		api.NewHandler(api.Config{
			Submitter: a.Submitter(pool),
			Tasks:     a.Tasks,
			Eraser:    a.Handlers,
			Metrics:   a.Metrics.Handler(),
			Health:    a.Health,
			Logger:    logger,
		}).RegisterRoutes(mux)
	} else {
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := a.Health(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("ok"))
		})
		mux.Handle("GET /metrics", a.Metrics.Handler())
	}
	server := &http.Server{
		Addr:              ":" + cfg.WorkerPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	if len(a.Suppliers) > 0 {
		g.Go(func() error {
			if err := a.SyncCatalog(gctx); err != nil {
				logger.Warn("initial catalog sync incomplete", "error", err)
			}
			return nil
		})
	}
	if cfg.IdentityFile != "" && cfg.IdentityURL == "" {
		g.Go(func() error {
			if err := a.Identities.Watch(gctx, cfg.IdentityFile); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("identity watcher stopped", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr, "api", serveAPI)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", "error", err)
		a.Close()
		os.Exit(1)
	}
	logger.Info("humanitas-worker stopped")
}
