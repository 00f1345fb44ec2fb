package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dvloznov/finance-dedup/internal/api/middleware"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/jobs"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/dvloznov/finance-dedup/internal/pipeline"
	"github.com/dvloznov/finance-dedup/internal/querycache"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 32 << 20

const dateLayout = "2006-01-02"

// TransactionsHandler handles transaction-related endpoints.
type TransactionsHandler struct {
	deps pipeline.Deps
	log  zerolog.Logger
}

// NewTransactionsHandler creates a new transactions handler. deps.Store is
// normally a querycache.Store so listings are served from cache.
func NewTransactionsHandler(deps pipeline.Deps, log zerolog.Logger) *TransactionsHandler {
	return &TransactionsHandler{
		deps: deps,
		log:  log,
	}
}

// ListTransactions handles GET /api/transactions
//
// Query parameters: start_date and end_date (YYYY-MM-DD, default: the last
// year) and duplicates=only|exclude.
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	startDate := time.Now().UTC().AddDate(-1, 0, 0)
	endDate := time.Now().UTC()
	var err error

	if s := query.Get("start_date"); s != "" {
		if startDate, err = time.Parse(dateLayout, s); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid start_date format")
			return
		}
	}
	if s := query.Get("end_date"); s != "" {
		if endDate, err = time.Parse(dateLayout, s); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid end_date format")
			return
		}
	}
	if endDate.Before(startDate) {
		middleware.WriteError(w, http.StatusBadRequest, "end_date is before start_date")
		return
	}

	filter := query.Get("duplicates")
	if filter != "" && filter != "only" && filter != "exclude" {
		middleware.WriteError(w, http.StatusBadRequest, "duplicates must be 'only' or 'exclude'")
		return
	}

	records, err := h.deps.Store.ListRecords(ctx, startDate, endDate)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to query transactions")
		return
	}

	out := make([]domain.TransactionRecord, 0, len(records))
	for _, rec := range records {
		switch {
		case filter == "only" && !rec.IsDuplicate:
			continue
		case filter == "exclude" && rec.IsDuplicate:
			continue
		}
		out = append(out, rec)
	}

	middleware.WriteJSON(w, http.StatusOK, out)
}

// IngestTransactions handles POST /api/transactions
//
// The body is a record file. With ?dry_run=true the decisions are returned
// but nothing is stored.
func (h *TransactionsHandler) IngestTransactions(w http.ResponseWriter, r *http.Request) {
	dryRun, err := boolParam(r, "dry_run")
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := logger.WithContext(r.Context(), h.requestLogger(r))
	res, err := pipeline.IngestFileWithDeps(ctx, h.deps, "api", body, dryRun)
	if err != nil {
		if isInputError(err) {
			middleware.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("Failed to ingest transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to ingest transactions")
		return
	}

	status := http.StatusCreated
	if dryRun || res.Inserted == 0 {
		status = http.StatusOK
	}
	middleware.WriteJSON(w, status, res)
}

// CheckTransaction handles POST /api/transactions/check
//
// The body is a single record; the response is the decision the insert path
// would make. Nothing is stored.
func (h *TransactionsHandler) CheckTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	record, err := pipeline.ParseRecord(body)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := logger.WithContext(r.Context(), h.requestLogger(r))
	decision, err := pipeline.CheckRecordWithDeps(ctx, h.deps, record)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to check transaction")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to check transaction")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, decision)
}

func (h *TransactionsHandler) requestLogger(r *http.Request) zerolog.Logger {
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		return h.log.With().Str("request_id", id).Logger()
	}
	return h.log
}

// MaintenanceHandler handles bulk maintenance endpoints.
type MaintenanceHandler struct {
	publisher jobs.Publisher
	log       zerolog.Logger
}

// NewMaintenanceHandler creates a new maintenance handler.
func NewMaintenanceHandler(publisher jobs.Publisher, log zerolog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		publisher: publisher,
		log:       log,
	}
}

// EnqueueMaintenance handles POST /api/dedup/maintenance
func (h *MaintenanceHandler) EnqueueMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
		DryRun    bool   `json:"dry_run"`
	}

	// An empty body runs over every record.
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if _, _, err := jobs.ParseDateRange(req.StartDate, req.EndDate); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := &jobs.MaintenanceJob{
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		DryRun:    req.DryRun,
		Trigger:   "api",
	}
	if err := h.publisher.PublishMaintenance(r.Context(), job); err != nil {
		h.log.Error().Err(err).Msg("Failed to enqueue maintenance job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue maintenance job")
		return
	}

	h.log.Info().Str("job_id", job.JobID).Bool("dry_run", job.DryRun).Msg("Maintenance job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"status": string(job.Status),
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter jobs.JobFilter

	if s := query.Get("status"); s != "" {
		status, ok := jobs.ParseStatus(s)
		if !ok {
			middleware.WriteError(w, http.StatusBadRequest, "Unknown job status")
			return
		}
		filter.Status = status
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

// HealthHandler reports liveness and query cache statistics.
type HealthHandler struct {
	cache *querycache.Store
	now   func() time.Time
}

// NewHealthHandler creates a health handler. cache may be nil.
func NewHealthHandler(cache *querycache.Store) *HealthHandler {
	return &HealthHandler{cache: cache, now: time.Now}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "healthy",
		"time":   h.now().Format(time.RFC3339),
	}
	if h.cache != nil {
		resp["cache"] = h.cache.Stats()
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	return body, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func boolParam(r *http.Request, name string) (bool, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return v, nil
}

// isInputError reports whether an ingestion failed on the request content
// rather than on the store.
func isInputError(err error) bool {
	var stepErr *pipeline.StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step <= pipeline.ValidationSteps
	}
	return false
}
