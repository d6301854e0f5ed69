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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rkosegi/blobit/internal/blob"
	"github.com/rkosegi/blobit/internal/config"
	"github.com/rkosegi/blobit/internal/svc"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the blobit daemon",
		Long: `Run the object manager with periodic garbage collection.

Every gc.interval a GC pass runs over all buckets; every gc.cleanup_every-th
pass is a cleanup pass that also removes orphaned segment data older than
gc.orphan_grace_period. Metrics are served on metrics.listen when set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfgFile)
		},
	}
}

func runAsService() {
	var configPath string
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	setupLogging("info", os.Stderr)

	cfg := svc.NewServiceConfig("", configPath, "")
	log.Info().Str("config", cfg.ConfigPath).Str("version", Version).Msg("starting as service")

	prg := &svc.Program{ConfigPath: cfg.ConfigPath, Run: runServe}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

// runServe runs the daemon until ctx is cancelled.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel, os.Stderr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	blob.InitMetrics(reg)

	a, err := openApp(ctx, cfg, log.Logger, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close stores")
		}
	}()

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("metadata", cfg.Metadata.Driver).
		Str("segments", cfg.Segments.Driver).
		Str("lease", cfg.GC.Lease.Driver).
		Str("instance", a.manager.InstanceID()).
		Msg("blobit started")

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Metrics.Listen).Msg("metrics endpoint listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	runMaintenance(ctx, a.manager, cfg.GC, log.Logger)
	log.Info().Msg("shutting down")
	return nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, "ok")
	})
	return mux
}

type maintainer interface {
	GCAll(ctx context.Context) (blob.GCStats, error)
	Cleanup(ctx context.Context) (blob.CleanupStats, error)
}

// runMaintenance runs GC passes every cfg.Interval until ctx is done. Every
// cfg.CleanupEvery-th pass is a cleanup pass.
func runMaintenance(ctx context.Context, m maintainer, cfg config.GCConfig, logger zerolog.Logger) {
	if cfg.Interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for pass := 1; ; pass++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if cfg.CleanupEvery > 0 && pass%cfg.CleanupEvery == 0 {
			if _, err := m.Cleanup(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("cleanup pass failed")
			}
			continue
		}
		if _, err := m.GCAll(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("gc pass failed")
		}
	}
}
