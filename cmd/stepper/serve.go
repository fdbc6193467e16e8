package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/journey"
	"github.com/pitabwire/stepper/internal/observability"
	"github.com/pitabwire/stepper/internal/scheduler"
	"github.com/pitabwire/stepper/internal/transport"
)

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, scheduler, sweeper and operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, configPath())
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	// 1. Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2. Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stepper", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// 3. Open the journey store and apply its schema.
	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	if cfg.Store.AutoMigrate {
		if applied, err := migrate(ctx, store); err != nil {
			closeStore()
			return fmt.Errorf("journey store: migrate: %w", err)
		} else if applied {
			logger.Info("journey store schema applied")
		}
	}

	// 4. Register the journey types.
	registry, err := buildRegistry(cfg.Catalog, logger)
	if err != nil {
		closeStore()
		return err
	}

	// 5. Build the scheduler and engine, and bind them together.
	local, err := scheduler.NewLocal(cfg.Scheduler, logger, metrics)
	if err != nil {
		closeStore()
		return fmt.Errorf("scheduler: %w", err)
	}
	engine := journey.NewEngine(registry, store, local,
		journey.WithLogger(logger),
		journey.WithMetrics(metrics),
		journey.WithBackoff(journey.BackoffPolicyFromConfig(cfg.Engine)),
		journey.WithSettleRetries(cfg.Engine.SettleRetries),
	)

	readiness := observability.ReadinessChecks{
		JourneyTypesLoaded: func() bool { return len(registry.All()) > 0 },
		JourneyStore:       store,
	}

	var performer scheduler.Performer = engine
	var idempotency transport.IdempotencyStore = transport.NewMemoryIdempotencyStore()
	closeClaims := func() {}
	if claim := cfg.Scheduler.Claim; claim.Enabled {
		client, err := openClaimClient(ctx, claim)
		if err != nil {
			local.Stop(context.Background())
			closeStore()
			return err
		}
		closeClaims = func() { client.Close() }
		performer = scheduler.NewGuard(client, engine, claim.TTL, claim.Prefix, logger)
		idempotency = transport.NewRedisIdempotencyStore(client)
		readiness.ClaimStore = redisHealth{client: client}
		logger.Info("cluster-wide invocation claim enabled")
	}
	local.Bind(performer)

	sweeper := scheduler.NewSweeper(engine, local, cfg.Scheduler, logger, metrics)

	// 6. Build the operator API.
	authenticate, err := transport.NewAuthenticator(cfg.Identity, logger)
	if err != nil {
		local.Stop(context.Background())
		closeClaims()
		closeStore()
		return err
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Journeys:     engine,
		Idempotency:  idempotency,
		Authenticate: authenticate,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     prometheus.DefaultGatherer,
		Readiness:    readiness,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 7. Run the HTTP server and the sweeper until a signal or a failure.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.String("store", cfg.Store.Driver),
			zap.Int("journey_types", len(registry.All())),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(sweepCtx)
	})

	<-gctx.Done()
	logger.Info("shutdown initiated")

	// 8. Graceful shutdown: HTTP drain, sweeper, scheduler drain, store,
	// tracer flush.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	stopSweeper()
	runErr := g.Wait()

	drainCtx, cancelDrain := context.WithTimeout(shutdownCtx, drainGrace(cfg.Scheduler))
	if err := local.Stop(drainCtx); err != nil {
		logger.Warn("scheduler drain incomplete", zap.Error(err))
	}
	cancelDrain()

	closeClaims()
	closeStore()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	if runErr != nil {
		logger.Error("server error", zap.Error(runErr))
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}

func drainGrace(cfg config.SchedulerConfig) time.Duration {
	if cfg.DrainGracePeriod > 0 {
		return cfg.DrainGracePeriod
	}
	return 20 * time.Second
}

func newMigrateCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the journey store schema for the configured driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logger.Sync()

			store, closeStore, err := openStore(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			applied, err := migrate(cmd.Context(), store)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if applied {
				fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", cfg.Store.Driver)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "driver %s has no schema\n", cfg.Store.Driver)
			}
			return nil
		},
	}
}
