package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dvloznov/finance-dedup/internal/api/handlers"
	"github.com/dvloznov/finance-dedup/internal/api/middleware"
	"github.com/dvloznov/finance-dedup/internal/app"
	"github.com/dvloznov/finance-dedup/internal/jobs"
	"github.com/dvloznov/finance-dedup/internal/jobs/inmemory"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/dvloznov/finance-dedup/internal/querycache"
)

func main() {
	storeCfg := app.StoreConfigFromEnv()
	storeCfg.RegisterFlags(flag.CommandLine)

	var (
		port         = flag.String("port", "8080", "HTTP server port")
		bucket       = flag.String("bucket", os.Getenv("GCS_BUCKET"), "GCS bucket for maintenance reports (or set GCS_BUCKET env)")
		dedupConfig  = flag.String("dedup-config", os.Getenv("FT_DEDUP_CONFIG"), "YAML file with dedup tunables (or set FT_DEDUP_CONFIG env)")
		cacheSize    = flag.Int("cache-size", querycache.DefaultSize, "Number of date-range queries kept in the cache")
		jobWorkers   = flag.Int("job-workers", 1, "Concurrent maintenance jobs")
		shutdownWait = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	log := logger.New()

	if *bucket == "" {
		log.Warn().Msg("No GCS bucket configured - maintenance reports will not be archived")
	}

	ctx := context.Background()

	base, err := app.OpenStore(ctx, storeCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open transaction store")
	}
	cache, err := querycache.New(base, *cacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create query cache")
	}
	defer cache.Close()

	deps, err := app.NewDepsWithStore(cache, app.Options{
		Store:           storeCfg,
		DedupConfigPath: *dedupConfig,
		ReportBucket:    *bucket,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise dependencies")
	}

	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(100, jobStore, inmemory.WithWorkers(*jobWorkers))

	workerCtx, cancelWorker := context.WithCancel(logger.WithContext(ctx, log))
	defer cancelWorker()

	if err := jobQueue.Start(workerCtx, jobs.NewMaintenanceHandler(deps)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job worker")
	}

	transactionsHandler := handlers.NewTransactionsHandler(deps, log)
	maintenanceHandler := handlers.NewMaintenanceHandler(jobQueue, log)
	jobsHandler := handlers.NewJobsHandler(jobStore, log)
	healthHandler := handlers.NewHealthHandler(cache)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/transactions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			transactionsHandler.ListTransactions(w, r)
		case http.MethodPost:
			transactionsHandler.IngestTransactions(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/transactions/check", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			transactionsHandler.CheckTransaction(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/dedup/maintenance", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			maintenanceHandler.EnqueueMaintenance(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			jobsHandler.ListJobs(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
		if jobID == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
			return
		}
		jobsHandler.GetJob(w, r, jobID)
	})

	mux.HandleFunc("/health", healthHandler.Health)

	handler := middleware.Chain(mux,
		middleware.Recovery(log),
		middleware.RequestID,
		middleware.Logger(log),
		middleware.CORS,
	)

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", *port).Str("store", storeCfg.Kind).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownWait)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// In-flight maintenance finishes its current batch before stopping.
	cancelWorker()
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	log.Info().Msg("Server exited")
}
