package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/asr-stream-service/internal/config"
	"github.com/skypro1111/asr-stream-service/internal/metrics"
	"github.com/skypro1111/asr-stream-service/internal/pipeline"
	"github.com/skypro1111/asr-stream-service/internal/recognizer"
	"github.com/skypro1111/asr-stream-service/internal/sequencer"
	"github.com/skypro1111/asr-stream-service/internal/server"
	"github.com/skypro1111/asr-stream-service/internal/storage"
	"github.com/skypro1111/asr-stream-service/internal/workerpool"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the transcription server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
		slog.String("default_encoding", cfg.Audio.Encoding),
		slog.Int("target_rate", cfg.Audio.TargetRate),
		slog.String("recognizer_driver", cfg.Recognizer.Driver),
		slog.String("recognizer_endpoint", cfg.Recognizer.Endpoint),
		slog.Int("workers", cfg.Pipeline.Workers),
		slog.String("conflict_policy", cfg.Pipeline.ConflictPolicy),
		slog.String("storage_driver", cfg.Storage.Driver),
		slog.String("storage_dsn", cfg.Storage.RedactedDSN()),
		slog.Bool("cache_enabled", cfg.Cache.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Prometheus metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	// Cold store
	cold, err := storage.OpenSQL(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer cold.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = cold.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}
	logger.Info("Storage initialized",
		slog.String("driver", cold.Driver()),
		slog.String("dsn", cfg.Storage.RedactedDSN()),
	)

	// Hot cache is optional; interims are simply not cached without it
	var hot storage.HotCache
	if cfg.Cache.Enabled {
		cache, err := storage.NewRedisCache(cfg.Cache.URL, cfg.Cache.KeyPrefix, cfg.Cache.GetTTLDuration())
		if err != nil {
			return fmt.Errorf("failed to create cache: %w", err)
		}
		defer cache.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := cache.Ping(pingCtx); err != nil {
			logger.Warn("Cache unavailable, interims will not be cached until it recovers",
				slog.String("url", cfg.Cache.RedactedURL()),
				slog.String("error", err.Error()),
			)
		}
		pingCancel()

		hot = cache
		logger.Info("Cache initialized",
			slog.String("url", cfg.Cache.RedactedURL()),
			slog.Duration("ttl", cfg.Cache.GetTTLDuration()),
		)
	}

	factory, err := newRecognizerFactory(cfg)
	if err != nil {
		return fmt.Errorf("failed to create recognizer: %w", err)
	}
	defer factory.Close()
	logger.Info("Recognizer initialized", slog.String("driver", cfg.Recognizer.Driver))

	pool := workerpool.New(cfg.Pipeline.Workers, cfg.Pipeline.QueueDepth)

	mgr, err := pipeline.NewManager(logger, pipeline.ManagerConfig{
		SourceRate:      cfg.Audio.SourceRate,
		TargetRate:      cfg.Audio.TargetRate,
		SessionQueue:    cfg.Pipeline.SessionQueue,
		EventBuffer:     cfg.Pipeline.EventBuffer,
		IdleTimeout:     cfg.Pipeline.GetIdleTimeoutDuration(),
		CleanupInterval: cfg.Pipeline.GetCleanupIntervalDuration(),
		ConflictPolicy:  pipeline.ConflictPolicy(cfg.Pipeline.ConflictPolicy),
		Retry: sequencer.RetryPolicy{
			MaxRetries:  cfg.Pipeline.PersistRetries,
			BaseBackoff: cfg.Pipeline.GetPersistBackoffDuration(),
			MaxBackoff:  sequencer.DefaultRetryPolicy().MaxBackoff,
		},
	}, pipeline.Dependencies{
		Registry: cold,
		Cold:     cold,
		Hot:      hot,
		Factory:  factory,
		Pool:     pool,
		Metrics:  appMetrics,
	})
	if err != nil {
		pool.Close()
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	logger.Info("Session manager initialized",
		slog.String("conflict_policy", string(mgr.Policy())),
		slog.Duration("idle_timeout", cfg.Pipeline.GetIdleTimeoutDuration()),
	)

	httpServer := server.NewHTTPServer(cfg, logger, server.Dependencies{
		Manager:  mgr,
		Registry: cold,
		Cold:     cold,
		Hot:      hot,
		Pool:     pool,
		Metrics:  appMetrics,
		Gatherer: registry,
		Version:  serviceVersion,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(httpServer.ListenAndServe)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
		defer cancel()

		// Stop accepting connections first, then drain attached sessions
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}

		if err := mgr.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping session manager", slog.String("error", err.Error()))
		}

		pool.Close()
		return nil
	})

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", httpServer.Addr()),
	)

	err = g.Wait()

	// Get final statistics
	rs := factory.Stats()
	ps := pool.Stats()
	logger.Info("Final service statistics",
		slog.Uint64("recognizer_pushes", rs.TotalPushes),
		slog.Uint64("recognizer_sessions", rs.TotalSessions),
		slog.Uint64("tasks_completed", ps.Completed),
		slog.Uint64("tasks_rejected", ps.Rejected),
	)

	if err != nil {
		return err
	}

	logger.Info("Service stopped")
	return nil
}

// newRecognizerFactory builds the configured recognizer driver
func newRecognizerFactory(cfg *config.Config) (recognizer.Factory, error) {
	switch cfg.Recognizer.Driver {
	case "scripted":
		return &recognizer.ScriptedFactory{Steps: recognizer.DefaultScript(), Loop: true}, nil
	case "remote", "":
		return recognizer.NewRemoteFactory(recognizer.RemoteConfig{
			Endpoint:    cfg.Recognizer.Endpoint,
			APIKey:      cfg.Recognizer.APIKey,
			Timeout:     cfg.Recognizer.GetTimeoutDuration(),
			DialTimeout: cfg.Recognizer.GetDialTimeoutDuration(),
			SampleRate:  cfg.Audio.TargetRate,
		})
	default:
		return nil, fmt.Errorf("unknown recognizer driver %q", cfg.Recognizer.Driver)
	}
}
