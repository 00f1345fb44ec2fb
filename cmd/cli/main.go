package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dvloznov/finance-dedup/internal/app"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/gcsuploader"
	"github.com/dvloznov/finance-dedup/internal/jobs"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/dvloznov/finance-dedup/internal/pipeline"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ingest":
		runIngest(log)
	case "check":
		runCheck(log)
	case "maintain":
		runMaintain(log)
	case "duplicates":
		runDuplicates(log)
	case "upload":
		runUpload(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Finance Dedup CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  ingest      Ingest a record file (local path or gs:// URI)")
	fmt.Println("  check       Show the duplicate decision for a single record")
	fmt.Println("  maintain    Re-cluster stored records and repair duplicate flags")
	fmt.Println("  duplicates  List records flagged as duplicates")
	fmt.Println("  upload      Upload a record file to GCS")
	fmt.Println("  help        Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// commonFlags registers the store and dedup flags shared by every command
// that touches the transaction store.
type commonFlags struct {
	store       app.StoreConfig
	dedupConfig string
	bucket      string
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{store: app.StoreConfigFromEnv()}
	c.store.RegisterFlags(fs)
	fs.StringVar(&c.dedupConfig, "dedup-config", os.Getenv("FT_DEDUP_CONFIG"), "YAML file with dedup tunables (or set FT_DEDUP_CONFIG env)")
	fs.StringVar(&c.bucket, "bucket", os.Getenv("GCS_BUCKET"), "GCS bucket for maintenance reports (or set GCS_BUCKET env)")
	return c
}

func (c *commonFlags) deps(ctx context.Context, log zerolog.Logger) pipeline.Deps {
	deps, err := app.NewDeps(ctx, app.Options{
		Store:           c.store,
		DedupConfigPath: c.dedupConfig,
		ReportBucket:    c.bucket,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise dependencies")
	}
	return deps
}

func runIngest(log zerolog.Logger) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	common := registerCommon(fs)
	file := fs.String("file", "", "Record file: local path or gs://bucket/object")
	dryRun := fs.Bool("dry-run", false, "Show decisions without storing anything")
	fs.Parse(os.Args[2:])

	if *file == "" {
		log.Fatal().Msg("Error: -file is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	deps := common.deps(ctx, log)
	defer deps.Store.Close()

	res, err := pipeline.IngestRecordsWithDeps(ctx, deps, *file, *dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("Ingestion failed")
	}

	printDecisions(os.Stdout, res.Decisions)
	printIngestSummary(os.Stdout, res)
}

func runCheck(log zerolog.Logger) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	common := registerCommon(fs)
	id := fs.String("id", "candidate", "Record ID")
	date := fs.String("date", "", "Record date (YYYY-MM-DD)")
	amount := fs.String("amount", "", "Signed amount, e.g. -12.50")
	description := fs.String("description", "", "Record description")
	fs.Parse(os.Args[2:])

	if *date == "" || *amount == "" {
		log.Fatal().Msg("Usage: cli check -date YYYY-MM-DD -amount N [-description TEXT]")
	}

	day, err := time.Parse(jobs.DateLayout, *date)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -date")
	}
	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -amount")
	}

	ctx := logger.WithContext(context.Background(), log)
	deps := common.deps(ctx, log)
	defer deps.Store.Close()

	record := domain.TransactionRecord{ID: *id, Date: day, Amount: amt, Description: *description}
	decision, err := pipeline.CheckRecordWithDeps(ctx, deps, record)
	if err != nil {
		log.Fatal().Err(err).Msg("Check failed")
	}

	printDecisions(os.Stdout, []domain.Decision{decision})
}

func runMaintain(log zerolog.Logger) {
	fs := flag.NewFlagSet("maintain", flag.ExitOnError)
	common := registerCommon(fs)
	start := fs.String("start", "", "Only records on or after this date (YYYY-MM-DD)")
	end := fs.String("end", "", "Only records on or before this date (YYYY-MM-DD)")
	dryRun := fs.Bool("dry-run", false, "Show the changes without writing them")
	fs.Parse(os.Args[2:])

	startDate, endDate, err := jobs.ParseDateRange(*start, *end)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid date range")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	deps := common.deps(ctx, log)
	defer deps.Store.Close()

	res, err := pipeline.RunMaintenanceWithDeps(ctx, deps, startDate, endDate, *dryRun)
	if err != nil {
		if res != nil {
			printMaintenanceSummary(os.Stdout, res)
		}
		log.Fatal().Err(err).Msg("Maintenance failed")
	}

	if *dryRun && res.Cluster != nil {
		printUpdates(os.Stdout, res.Cluster.Updates)
	}
	printMaintenanceSummary(os.Stdout, res)
}

func runDuplicates(log zerolog.Logger) {
	fs := flag.NewFlagSet("duplicates", flag.ExitOnError)
	common := registerCommon(fs)
	start := fs.String("start", "", "Only records on or after this date (YYYY-MM-DD)")
	end := fs.String("end", "", "Only records on or before this date (YYYY-MM-DD)")
	fs.Parse(os.Args[2:])

	startDate, endDate, err := jobs.ParseDateRange(*start, *end)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid date range")
	}

	ctx := logger.WithContext(context.Background(), log)
	deps := common.deps(ctx, log)
	defer deps.Store.Close()

	records, err := deps.Store.ListRecords(ctx, startDate, endDate)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list records")
	}

	printDuplicates(os.Stdout, records)
}

func runUpload(log zerolog.Logger) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	bucketName := fs.String("bucket", os.Getenv("GCS_BUCKET"), "GCS bucket name (or set GCS_BUCKET env)")
	objectName := fs.String("object", "", "GCS object name (defaults to imports/<filename>)")
	filePath := fs.String("file", "", "Path to local record file")
	fs.Parse(os.Args[2:])

	if *bucketName == "" || *filePath == "" {
		log.Fatal().Msg("Usage: cli upload -bucket NAME -file PATH")
	}

	if *objectName == "" {
		*objectName = "imports/" + filepath.Base(*filePath)
	}

	ctx := logger.WithContext(context.Background(), log)

	log.Info().
		Str("bucket", *bucketName).
		Str("object", *objectName).
		Str("file", *filePath).
		Msg("Uploading file to GCS")

	if err := gcsuploader.UploadFile(ctx, *bucketName, *objectName, *filePath); err != nil {
		log.Fatal().Err(err).Msg("Upload failed")
	}

	fmt.Printf("Uploaded %s to gs://%s/%s\n", *filePath, *bucketName, *objectName)
}
