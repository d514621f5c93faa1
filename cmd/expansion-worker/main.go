package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wolfman30/odonto-platform/cmd/mainconfig"
	appconfig "github.com/wolfman30/odonto-platform/internal/config"
	"github.com/wolfman30/odonto-platform/internal/expansion"
	"github.com/wolfman30/odonto-platform/internal/recurrence"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel).Component("expansion-worker")

	if cfg.ExpansionQueueURL == "" {
		logger.Error("expansion worker requires EXPANSION_QUEUE_URL")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := mainconfig.ConnectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if pool == nil {
		logger.Error("expansion worker requires a reachable DATABASE_URL")
		os.Exit(1)
	}
	defer pool.Close()

	awsConfig, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	queue := expansion.NewSQSQueue(mainconfig.NewSQSClient(awsConfig, cfg), cfg.ExpansionQueueURL)
	jobStore := expansion.NewJobStore(mainconfig.NewDynamoClient(awsConfig, cfg), cfg.ExpansionJobsTable, logger)
	expander := recurrence.NewExpander(recurrence.NewRepository(pool), recurrence.WithExpanderLogger(logger))

	worker := expansion.NewWorker(
		expander,
		queue,
		jobStore,
		logger,
		expansion.WithWorkerCount(cfg.WorkerCount),
		expansion.WithReceiveWaitSeconds(20),
		expansion.WithReceiveBatchSize(10),
		expansion.WithMaxAttempts(cfg.ExpansionMaxAttempts),
	)
	worker.Start(ctx)
	logger.Info("expansion worker started", "workers", cfg.WorkerCount)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down expansion worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("expansion worker stopped")
	case <-doneCtx.Done():
		logger.Error("expansion worker shutdown timed out", "error", doneCtx.Err())
	}
}
