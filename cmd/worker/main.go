package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/finance-dedup/internal/app"
	"github.com/dvloznov/finance-dedup/internal/jobs"
	"github.com/dvloznov/finance-dedup/internal/jobs/inmemory"
	"github.com/dvloznov/finance-dedup/internal/logger"
)

func main() {
	storeCfg := app.StoreConfigFromEnv()
	storeCfg.RegisterFlags(flag.CommandLine)

	var (
		interval    = flag.Duration("interval", 24*time.Hour, "How often to run maintenance")
		lookback    = flag.Int("lookback-days", 0, "Only re-cluster records from the last N days (0 = all)")
		dryRun      = flag.Bool("dry-run", false, "Compute changes without writing them")
		once        = flag.Bool("once", false, "Run a single maintenance job and exit")
		bucket      = flag.String("bucket", os.Getenv("GCS_BUCKET"), "GCS bucket for maintenance reports (or set GCS_BUCKET env)")
		dedupConfig = flag.String("dedup-config", os.Getenv("FT_DEDUP_CONFIG"), "YAML file with dedup tunables (or set FT_DEDUP_CONFIG env)")
	)
	flag.Parse()

	log := logger.New()

	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()

	deps, err := app.NewDeps(ctx, app.Options{
		Store:           storeCfg,
		DedupConfigPath: *dedupConfig,
		ReportBucket:    *bucket,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise dependencies")
	}
	defer deps.Store.Close()

	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(10, jobStore, inmemory.WithWorkers(1))

	handler := jobs.NewMaintenanceHandler(deps)
	finished := make(chan string, 1)

	if err := jobQueue.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		err := handler(ctx, job)
		final := err == nil
		if err != nil {
			log.Error().Err(err).Str("job_id", job.GetID()).Msg("Maintenance job failed")
			if mj, ok := job.(*jobs.MaintenanceJob); ok && mj.RetryCount >= mj.MaxRetries {
				final = true
			}
		} else {
			log.Info().Str("job_id", job.GetID()).Msg("Maintenance job completed")
		}
		if final {
			select {
			case finished <- job.GetID():
			default:
			}
		}
		return err
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	publish := func() {
		job := &jobs.MaintenanceJob{DryRun: *dryRun, Trigger: "schedule"}
		if *lookback > 0 {
			job.StartDate = time.Now().UTC().AddDate(0, 0, -*lookback).Format(jobs.DateLayout)
		}
		if err := jobQueue.PublishMaintenance(ctx, job); err != nil {
			log.Error().Err(err).Msg("Failed to publish maintenance job")
			return
		}
		log.Info().Str("job_id", job.JobID).Str("start_date", job.StartDate).Msg("Maintenance job published")
	}

	log.Info().Dur("interval", *interval).Bool("dry_run", *dryRun).Msg("Starting worker service")
	publish()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			publish()
		case <-finished:
			if *once {
				break loop
			}
		case <-quit:
			break loop
		}
	}

	log.Info().Msg("Shutting down worker service...")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	log.Info().Msg("Worker service stopped")
}
