// Command expansion-lambda runs one recurrence sweep per scheduled event.
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/odonto-platform/cmd/mainconfig"
	"github.com/wolfman30/odonto-platform/internal/clinic"
	appconfig "github.com/wolfman30/odonto-platform/internal/config"
	"github.com/wolfman30/odonto-platform/internal/expansion"
	"github.com/wolfman30/odonto-platform/internal/recurrence"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

type sweepRunner interface {
	SweepOnce(ctx context.Context) (expansion.SweepReport, error)
}

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel).Component("expansion-lambda")

	ctx := context.Background()
	pool := mainconfig.ConnectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if pool == nil {
		panic("expansion-lambda: DATABASE_URL is required")
	}

	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}

	// Invocations are driven by EventBridge, so the sweeper's ticker never fires.
	repo := recurrence.NewRepository(pool)
	sweepCfg := expansion.SweeperConfig{
		Source:      repo,
		Expander:    recurrence.NewExpander(repo, recurrence.WithExpanderLogger(logger)),
		Logger:      logger,
		HorizonDays: cfg.ExpansionHorizonDays,
		BatchSize:   cfg.ExpansionSweepBatch,
		Location:    loc,
		Tick:        make(chan time.Time),
	}
	if cfg.RedisAddr != "" {
		sweepCfg.Horizons = clinic.NewStore(mainconfig.NewRedisClient(cfg))
	}
	sweeper, err := expansion.NewSweeper(sweepCfg)
	if err != nil {
		panic(err)
	}

	lambda.Start(func(ctx context.Context, evt events.CloudWatchEvent) (expansion.SweepReport, error) {
		return handle(ctx, sweeper, logger, evt)
	})
}

func handle(ctx context.Context, sweeper sweepRunner, logger *logging.Logger, evt events.CloudWatchEvent) (expansion.SweepReport, error) {
	logger.Info("recurrence sweep triggered", "event_id", evt.ID, "source", evt.Source, "time", evt.Time)
	report, err := sweeper.SweepOnce(ctx)
	if err != nil {
		logger.Error("recurrence sweep failed", "error", err, "scanned", report.Scanned)
		return report, err
	}
	logger.Info("recurrence sweep finished",
		"scanned", report.Scanned,
		"expanded", report.Expanded,
		"created", report.Created,
		"failed", report.Failed,
	)
	return report, nil
}
