package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/odonto-platform/cmd/mainconfig"
	"github.com/wolfman30/odonto-platform/internal/api/router"
	"github.com/wolfman30/odonto-platform/internal/appointments"
	"github.com/wolfman30/odonto-platform/internal/audit"
	"github.com/wolfman30/odonto-platform/internal/availability"
	"github.com/wolfman30/odonto-platform/internal/clinic"
	appconfig "github.com/wolfman30/odonto-platform/internal/config"
	"github.com/wolfman30/odonto-platform/internal/expansion"
	httpmiddleware "github.com/wolfman30/odonto-platform/internal/http/middleware"
	"github.com/wolfman30/odonto-platform/internal/observability/metrics"
	"github.com/wolfman30/odonto-platform/internal/recurrence"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting odonto-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := mainconfig.ConnectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if pool == nil {
		logger.Error("API server requires a reachable DATABASE_URL")
		os.Exit(1)
	}
	defer pool.Close()

	auditDB, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open audit database", "error", err)
		os.Exit(1)
	}
	defer auditDB.Close()

	redisClient := mainconfig.NewRedisClient(cfg)
	defer redisClient.Close()

	metricsHandler, schedulingMetrics := setupMetrics()
	defaultLoc := loadLocation(cfg.DefaultTimezone, logger)

	// Repositories and services
	clinicStore := clinic.NewStore(redisClient)
	auditService := audit.NewService(auditDB)

	templates := availability.NewCachedTemplates(availability.NewRepository(pool), redisClient, cfg.TemplateCacheTTL, logger)
	resolver := availability.NewResolver(templates, appointments.NewRepository(pool),
		availability.WithMaxRangeDays(cfg.AvailabilityMaxRangeDays),
		availability.WithLocationSource(clinicStore),
		availability.WithDefaultLocation(defaultLoc),
		availability.WithResolverMetrics(schedulingMetrics),
		availability.WithResolverLogger(logger.Component("availability")),
	)

	recurrenceRepo := recurrence.NewRepository(pool)
	expander := recurrence.NewExpander(recurrenceRepo,
		recurrence.WithExpanderMetrics(schedulingMetrics),
		recurrence.WithExpanderLogger(logger.Component("expander")),
	)
	recurrenceService := recurrence.NewService(recurrenceRepo, expander,
		recurrence.WithHorizonDays(cfg.ExpansionHorizonDays),
		recurrence.WithLocation(defaultLoc),
		recurrence.WithServiceLogger(logger.Component("recurrence")),
	)

	// Expansion jobs
	exp := setupExpansion(ctx, cfg, logger)
	worker := setupInlineWorker(ctx, cfg, logger, expander, exp)
	if cfg.ExpansionSweepEnabled {
		startSweeper(ctx, cfg, logger, recurrenceRepo, expander, clinicStore, defaultLoc)
	}

	// Handlers
	routerCfg := &router.Config{
		Logger:              logger,
		ClinicHandler:       clinic.NewHandler(clinicStore, clinic.NewStatsRepository(pool), logger),
		AvailabilityHandler: availability.NewHandler(templates, resolver, auditService, logger),
		RecurrenceHandler:   recurrence.NewHandler(recurrenceService, exp.enqueuer, auditService, logger),
		AuditHandler:        audit.NewHandler(auditService, logger),
		AdminAuthSecret:     cfg.AdminJWTSecret,
		MetricsHandler:      metricsHandler,
		HealthChecks:        healthChecks(pool, redisClient, auditDB),
		CORS: httpmiddleware.CORSConfig{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedHeaders: cfg.CORSHeaders,
			MaxAge:         cfg.CORSMaxAge,
		},
	}
	if exp.jobs != nil {
		routerCfg.ExpansionHandler = expansion.NewHandler(exp.jobs, logger)
	}
	if cfg.RateLimitRPS > 0 {
		limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go limiter.RunEviction(ctx, 5*time.Minute, 10*time.Minute)
		routerCfg.RateLimiter = limiter
	}
	r := router.New(routerCfg)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	waitForInlineWorker(worker, logger)

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func setupMetrics() (http.Handler, *metrics.SchedulingMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics.NewSchedulingMetrics(reg)
}

func loadLocation(name string, logger *logging.Logger) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("unknown DEFAULT_TIMEZONE, using UTC", "timezone", name, "error", err)
		return time.UTC
	}
	return loc
}

// expansionWiring is what setupExpansion hands to the rest of main. All
// fields are nil when expansion runs synchronously.
type expansionWiring struct {
	enqueuer    recurrence.ExpandEnqueuer
	jobs        expansion.JobRecorder
	updater     expansion.JobUpdater
	memoryQueue *expansion.MemoryQueue
}

// setupExpansion picks the job transport: an in-process queue, SQS with a
// DynamoDB job table, or none.
func setupExpansion(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) expansionWiring {
	if cfg.UseMemoryQueue {
		queue := expansion.NewMemoryQueue(256, expansion.WithVisibilityTimeout(cfg.ExpansionRetryDelay))
		jobs := expansion.NewMemoryJobStore()
		logger.Info("using in-memory expansion queue")
		return expansionWiring{
			enqueuer:    expansion.NewPublisher(queue, jobs, logger),
			jobs:        jobs,
			updater:     jobs,
			memoryQueue: queue,
		}
	}
	if cfg.ExpansionQueueURL == "" {
		logger.Info("no expansion queue configured, async expansion runs inline")
		return expansionWiring{}
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config, async expansion runs inline", "error", err)
		return expansionWiring{}
	}
	queue := expansion.NewSQSQueue(mainconfig.NewSQSClient(awsCfg, cfg), cfg.ExpansionQueueURL)
	jobs := expansion.NewJobStore(mainconfig.NewDynamoClient(awsCfg, cfg), cfg.ExpansionJobsTable, logger)
	return expansionWiring{
		enqueuer: expansion.NewPublisher(queue, jobs, logger),
		jobs:     jobs,
		updater:  jobs,
	}
}

// setupInlineWorker consumes the in-process queue. SQS deployments run
// cmd/expansion-worker instead.
func setupInlineWorker(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, expander expansion.Expander, exp expansionWiring) *expansion.Worker {
	if !cfg.UseMemoryQueue || exp.memoryQueue == nil {
		return nil
	}
	worker := expansion.NewWorker(expander, exp.memoryQueue, exp.updater, logger.Component("expansion-worker"),
		expansion.WithWorkerCount(cfg.WorkerCount),
		expansion.WithReceiveWaitSeconds(1),
		expansion.WithMaxAttempts(cfg.ExpansionMaxAttempts),
	)
	worker.Start(ctx)
	logger.Info("inline expansion worker started", "workers", cfg.WorkerCount)
	return worker
}

func waitForInlineWorker(worker *expansion.Worker, logger *logging.Logger) {
	if worker == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		worker.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("inline expansion worker stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("inline expansion worker did not stop in time")
	}
}

func startSweeper(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, source expansion.DueLister, expander expansion.Expander, horizons expansion.HorizonSource, loc *time.Location) {
	sweeper, err := expansion.NewSweeper(expansion.SweeperConfig{
		Source:      source,
		Expander:    expander,
		Horizons:    horizons,
		Logger:      logger.Component("sweeper"),
		HorizonDays: cfg.ExpansionHorizonDays,
		BatchSize:   cfg.ExpansionSweepBatch,
		Location:    loc,
		Interval:    cfg.ExpansionSweepInterval,
	})
	if err != nil {
		logger.Error("failed to create recurrence sweeper", "error", err)
		return
	}
	go sweeper.Start(ctx)
	logger.Info("recurrence sweeper started", "interval", cfg.ExpansionSweepInterval.String())
}

func healthChecks(pool *pgxpool.Pool, redisClient *redis.Client, auditDB *sql.DB) map[string]router.HealthCheck {
	return map[string]router.HealthCheck{
		"postgres": pool.Ping,
		"audit_db": auditDB.PingContext,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}
}
