package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/roomlink/internal/adapters/http"
	"github.com/dkeye/roomlink/internal/app"
	"github.com/dkeye/roomlink/internal/app/orch"
	"github.com/dkeye/roomlink/internal/config"
	"github.com/dkeye/roomlink/internal/metrics"
	"github.com/dkeye/roomlink/internal/telemetry"
)

const shutdownGrace = 5 * time.Second

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
	log.Info().Msg("relay exited")
}

// run serves the relay until ctx is cancelled or the listener fails.
func run(ctx context.Context, cfg *config.Config) error {
	flushTraces, err := telemetry.Setup(ctx, "roomlink-relay", cfg.OTelEndpoint)
	if err != nil {
		log.Error().Err(err).Msg("tracing disabled")
		flushTraces = func(context.Context) error { return nil }
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router.SetupRouter(ctx, cfg, newOrchestrator(cfg, reg), reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	failed := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("mode", cfg.Mode).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-failed:
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if serr := srv.Shutdown(graceCtx); serr != nil {
		log.Error().Err(serr).Msg("forced shutdown")
	}
	if ferr := flushTraces(graceCtx); ferr != nil {
		log.Warn().Err(ferr).Msg("flush traces")
	}
	return err
}

func newOrchestrator(cfg *config.Config, reg prometheus.Registerer) *orch.Orchestrator {
	return &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(cfg.HistoryLimit),
		Policy:   app.NewDropPolicy(cfg.SlowDropTolerance),
		Unread:   app.NewUnreadBook(),
		Metrics:  metrics.NewRelay(reg),
	}
}
