// Command ingestd runs the ingestion service: it loads the source
// configuration, migrates the store schema, and schedules
// fetch→transform→load runs per source until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/pulseboard/ingest/internal/config"
	"github.com/pulseboard/ingest/internal/fetch"
	"github.com/pulseboard/ingest/internal/health"
	"github.com/pulseboard/ingest/internal/pipeline"
	"github.com/pulseboard/ingest/internal/store"
	"github.com/pulseboard/ingest/internal/transform"
)

func main() {
	configPath := flag.String("config", "ingest.yaml", "path to configuration file")
	runOnce := flag.Bool("once", false, "run every source once and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *runOnce, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, runOnce bool, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	entities := make([]store.Entity, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		entities = append(entities, store.EntityFromSource(src))
	}
	if err := st.Migrate(ctx, entities); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := pipeline.NewMetrics(registry)

	runs := store.NewRunRepo(st)
	checkpoints := store.NewCheckpointRepo(st)

	scheduler := pipeline.NewScheduler(cfg.Scheduler.MaxConcurrentRuns, metrics, logger)
	sourceIDs := make([]string, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		fetcher, err := fetch.NewFetcher(src, logger)
		if err != nil {
			return fmt.Errorf("source %q: %w", src.ID, err)
		}
		runner := &pipeline.Runner{
			SourceID:  src.ID,
			BatchSize: cfg.Scheduler.BatchSize,
			Fetch: func(ctx context.Context, cursor string) pipeline.PayloadStream {
				return fetcher.Fetch(ctx, cursor)
			},
			Transformer: transform.NewTransformer(src),
			Loader:      store.NewLoader(st, store.EntityFromSource(src), src.MaxRetries, logger),
			Runs:        runs,
			Checkpoints: checkpoints,
			Metrics:     metrics,
			Logger:      logger,
		}
		if err := scheduler.Register(runner, src.Cadence); err != nil {
			return err
		}
		sourceIDs = append(sourceIDs, src.ID)
	}

	healthSrv := health.NewServer(cfg.Listen.HealthPort, sourceIDs, st.Ping, runs, registry, logger)
	healthSrv.Start()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		// Fire every source once at startup, then follow cadence.
		scheduler.TriggerAll()
		if runOnce {
			return nil
		}
		scheduler.Start()
		<-groupCtx.Done()
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health listener shutdown", zap.Error(err))
		}
		return scheduler.Stop(shutdownCtx)
	})

	if runOnce {
		// Let the startup runs finish, then shut down.
		drainCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if err := scheduler.Drain(drainCtx); err != nil {
			return err
		}
		stop()
	}

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// newLogger builds the service logger from configuration.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
