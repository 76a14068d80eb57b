package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-insights/internal/api"
	"github.com/dvloznov/statement-insights/internal/app"
	"github.com/dvloznov/statement-insights/internal/config"
	"github.com/dvloznov/statement-insights/internal/jobs"
	"github.com/dvloznov/statement-insights/internal/jobs/inmemory"
	"github.com/dvloznov/statement-insights/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("SI_CONFIG"), "Path to YAML config (or set SI_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := logger.New()
		boot.Fatal().Err(err).Msg("Failed to load config")
	}

	log := logger.NewWithLevel(cfg.Logging.Level)
	ctx := logger.WithContext(context.Background(), log)

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(cfg.Jobs.QueueBuffer, cfg.Jobs.Workers, jobStore)

	a, err := app.New(ctx, cfg, log, app.WithQueue(jobQueue), app.WithJobStore(jobStore))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer a.Close()

	// Start workers in background. The worker context is independent of any
	// request so a client disconnect never cancels a batch.
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	go func() {
		log.Info().Int("workers", cfg.Jobs.Workers).Msg("Starting job workers")
		if err := jobQueue.Start(workerCtx, a.Service.HandleJob); err != nil {
			log.Error().Err(err).Msg("Job workers stopped with error")
		}
	}()

	go drainResults(jobQueue.Results(), log)

	handler := api.NewRouter(a.Service, a.Broadcaster, api.RouterConfig{
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      log,
	})

	// Request contexts end on shutdown so open progress streams return.
	baseCtx, cancelBase := context.WithCancel(ctx)
	defer cancelBase()

	// WriteTimeout stays zero: progress streams are long-lived.
	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	server.RegisterOnShutdown(cancelBase)

	go func() {
		log.Info().Str("port", cfg.Server.Port).Str("storage", cfg.Storage.Driver).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop job queue and wait for in-flight batches
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Server exited")
}

// drainResults logs every finished job until the queue closes its channel.
func drainResults(results <-chan jobs.Result, log zerolog.Logger) {
	for r := range results {
		ev := log.Info()
		if r.Err != nil {
			ev = log.Warn().Err(r.Err)
		}
		ev.Str("job_id", r.JobID).
			Str("session_id", r.SessionID).
			Str("status", string(r.Status)).
			Msg("Job finished")
	}
}
