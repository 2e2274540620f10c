// Humanitas API — HTTP-поверхность постановки задач.
//
// API:
//   - Принимает задачи и кладёт их в durable-очередь
//   - Отдаёт статус задачи
//   - Синхронно удаляет данные аккаунта
//
// Выполнением задач занимается humanitas-worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NovaTayler/Humanitas/internal/api"
	"github.com/NovaTayler/Humanitas/internal/app"
	"github.com/NovaTayler/Humanitas/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger("humanitas-api")
	logger.Info("starting humanitas-api")

	cfg, err := app.FromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StoreDriver == app.StoreMemory {
		logger.Warn("memory store is process-local, tasks are visible only to this process; use humanitas-worker with WORKER_API=true instead")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing("humanitas-api")
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

	handler := api.NewHandler(api.Config{
		Submitter: a.Submitter(nil),
		Tasks:     a.Tasks,
		Eraser:    a.Handlers,
		Metrics:   a.Metrics.Handler(),
		Health:    a.Health,
		Logger:    logger,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	addr := ":" + cfg.APIPort
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown error", "error", err)
	}

	logger.Info("stopped")
}
