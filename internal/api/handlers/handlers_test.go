package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/finance-dedup/internal/dedup"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/infra/inmemory"
	"github.com/dvloznov/finance-dedup/internal/jobs"
	jobsmem "github.com/dvloznov/finance-dedup/internal/jobs/inmemory"
	"github.com/dvloznov/finance-dedup/internal/pipeline"
	"github.com/dvloznov/finance-dedup/internal/querycache"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	PublishMaintenanceFunc func(ctx context.Context, job *jobs.MaintenanceJob) error
}

func (m *mockPublisher) PublishMaintenance(ctx context.Context, job *jobs.MaintenanceJob) error {
	if m.PublishMaintenanceFunc != nil {
		return m.PublishMaintenanceFunc(ctx, job)
	}
	job.JobID = "job-1"
	job.Status = jobs.JobStatusPending
	return nil
}

func (m *mockPublisher) Close() error { return nil }

var discard = zerolog.New(io.Discard)

func seedRecord(id string, day time.Time, amount int64, desc string, dupOf string) domain.TransactionRecord {
	return domain.TransactionRecord{
		ID:          id,
		Date:        day,
		Amount:      decimal.NewFromInt(amount),
		Description: desc,
		IsDuplicate: dupOf != "",
		CanonicalID: dupOf,
	}
}

func newTransactionsHandler(t *testing.T, seed ...domain.TransactionRecord) (*TransactionsHandler, *querycache.Store) {
	t.Helper()
	st := inmemory.NewTransactionStore()
	if len(seed) > 0 {
		require.NoError(t, st.InsertRecords(context.Background(), seed))
	}
	cache, err := querycache.New(st, 8)
	require.NoError(t, err)
	ledger, err := dedup.NewLedger(dedup.DefaultConfig(), discard)
	require.NoError(t, err)
	return NewTransactionsHandler(pipeline.Deps{Store: cache, Ledger: ledger}, discard), cache
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestListTransactions(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	h, cache := newTransactionsHandler(t,
		seedRecord("1", day, -100, "Coffee shop", ""),
		seedRecord("2", day, -100, "Coffee shop", "1"),
		seedRecord("3", day.AddDate(0, 2, 0), -5, "Bus", ""),
	)

	tests := []struct {
		name   string
		query  string
		status int
		want   []string
	}{
		{name: "range", query: "?start_date=2024-03-01&end_date=2024-03-31", status: http.StatusOK, want: []string{"1", "2"}},
		{name: "only duplicates", query: "?start_date=2024-01-01&end_date=2024-12-31&duplicates=only", status: http.StatusOK, want: []string{"2"}},
		{name: "exclude duplicates", query: "?start_date=2024-01-01&end_date=2024-12-31&duplicates=exclude", status: http.StatusOK, want: []string{"1", "3"}},
		{name: "bad start", query: "?start_date=March", status: http.StatusBadRequest},
		{name: "bad end", query: "?start_date=2024-01-01&end_date=x", status: http.StatusBadRequest},
		{name: "inverted", query: "?start_date=2024-12-01&end_date=2024-01-01", status: http.StatusBadRequest},
		{name: "bad filter", query: "?start_date=2024-01-01&end_date=2024-12-31&duplicates=maybe", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ListTransactions(rec, httptest.NewRequest(http.MethodGet, "/api/transactions"+tt.query, nil))
			require.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				return
			}
			var got []domain.TransactionRecord
			decodeBody(t, rec, &got)
			ids := make([]string, 0, len(got))
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	// The repeated range hits the cache.
	rec := httptest.NewRecorder()
	h.ListTransactions(rec, httptest.NewRequest(http.MethodGet, "/api/transactions?start_date=2024-03-01&end_date=2024-03-31", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, cache.Stats().Hits, uint64(1))
}

func TestIngestTransactions(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	h, _ := newTransactionsHandler(t, seedRecord("1", day, -100, "Coffee shop", ""))

	body := `{"transactions": [
		{"id": "a", "date": "2024-03-01", "amount": -100, "description": "Coffee shop"},
		{"id": "b", "date": "2024-03-05", "amount": -20, "description": "Books"}
	]}`

	t.Run("dry run", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.IngestTransactions(rec, httptest.NewRequest(http.MethodPost, "/api/transactions?dry_run=true", strings.NewReader(body)))
		require.Equal(t, http.StatusOK, rec.Code)

		var res pipeline.IngestResult
		decodeBody(t, rec, &res)
		assert.True(t, res.DryRun)
		assert.Equal(t, 0, res.Inserted)
		assert.Equal(t, 1, res.Duplicates)
	})

	t.Run("insert", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.IngestTransactions(rec, httptest.NewRequest(http.MethodPost, "/api/transactions", strings.NewReader(body)))
		require.Equal(t, http.StatusCreated, rec.Code)

		var res pipeline.IngestResult
		decodeBody(t, rec, &res)
		assert.Equal(t, 2, res.Inserted)
		require.Len(t, res.Decisions, 2)
		assert.Equal(t, "1", res.Decisions[0].CanonicalID)
	})

	t.Run("listing sees the insert", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ListTransactions(rec, httptest.NewRequest(http.MethodGet, "/api/transactions?start_date=2024-03-01&end_date=2024-03-31", nil))
		var got []domain.TransactionRecord
		decodeBody(t, rec, &got)
		assert.Len(t, got, 3)
	})

	t.Run("repeat is a no-op", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.IngestTransactions(rec, httptest.NewRequest(http.MethodPost, "/api/transactions", strings.NewReader(body)))
		require.Equal(t, http.StatusOK, rec.Code)
		var res pipeline.IngestResult
		decodeBody(t, rec, &res)
		assert.Equal(t, []string{"a", "b"}, res.AlreadyStored)
	})

	t.Run("invalid file", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.IngestTransactions(rec, httptest.NewRequest(http.MethodPost, "/api/transactions", strings.NewReader(`{"transactions": [{"date": "2024-01-01"}]}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.IngestTransactions(rec, httptest.NewRequest(http.MethodPost, "/api/transactions", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad dry_run", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.IngestTransactions(rec, httptest.NewRequest(http.MethodPost, "/api/transactions?dry_run=perhaps", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCheckTransaction(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	h, cache := newTransactionsHandler(t, seedRecord("1", day, -100, "Coffee shop", ""))

	rec := httptest.NewRecorder()
	h.CheckTransaction(rec, httptest.NewRequest(http.MethodPost, "/api/transactions/check",
		strings.NewReader(`{"id": "new", "date": "2024-03-01", "amount": "-100", "description": "Coffee shop"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var d domain.Decision
	decodeBody(t, rec, &d)
	assert.True(t, d.IsDuplicate)
	assert.Equal(t, domain.MatchExact, d.MatchType)
	assert.Equal(t, "1", d.CanonicalID)

	all, err := cache.ListRecords(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	rec = httptest.NewRecorder()
	h.CheckTransaction(rec, httptest.NewRequest(http.MethodPost, "/api/transactions/check", strings.NewReader(`{"id": "x"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueMaintenance(t *testing.T) {
	var published *jobs.MaintenanceJob
	pub := &mockPublisher{
		PublishMaintenanceFunc: func(ctx context.Context, job *jobs.MaintenanceJob) error {
			job.JobID = "job-42"
			job.Status = jobs.JobStatusPending
			published = job
			return nil
		},
	}
	h := NewMaintenanceHandler(pub, discard)

	rec := httptest.NewRecorder()
	h.EnqueueMaintenance(rec, httptest.NewRequest(http.MethodPost, "/api/dedup/maintenance",
		strings.NewReader(`{"start_date": "2024-01-01", "end_date": "2024-06-30", "dry_run": true}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, "job-42", resp["job_id"])
	assert.Equal(t, "pending", resp["status"])
	require.NotNil(t, published)
	assert.True(t, published.DryRun)
	assert.Equal(t, "2024-01-01", published.StartDate)
	assert.Equal(t, "api", published.Trigger)
}

func TestEnqueueMaintenanceEmptyBody(t *testing.T) {
	h := NewMaintenanceHandler(&mockPublisher{}, discard)

	rec := httptest.NewRecorder()
	h.EnqueueMaintenance(rec, httptest.NewRequest(http.MethodPost, "/api/dedup/maintenance", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestEnqueueMaintenanceErrors(t *testing.T) {
	failing := &mockPublisher{
		PublishMaintenanceFunc: func(ctx context.Context, job *jobs.MaintenanceJob) error {
			return errors.New("queue is closed")
		},
	}

	tests := []struct {
		name   string
		pub    jobs.Publisher
		body   string
		status int
	}{
		{name: "bad json", pub: &mockPublisher{}, body: `{`, status: http.StatusBadRequest},
		{name: "unknown field", pub: &mockPublisher{}, body: `{"start": "2024-01-01"}`, status: http.StatusBadRequest},
		{name: "bad date", pub: &mockPublisher{}, body: `{"start_date": "yesterday"}`, status: http.StatusBadRequest},
		{name: "inverted range", pub: &mockPublisher{}, body: `{"start_date": "2024-02-01", "end_date": "2024-01-01"}`, status: http.StatusBadRequest},
		{name: "publish failure", pub: failing, body: `{}`, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewMaintenanceHandler(tt.pub, discard)
			rec := httptest.NewRecorder()
			h.EnqueueMaintenance(rec, httptest.NewRequest(http.MethodPost, "/api/dedup/maintenance", strings.NewReader(tt.body)))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestJobsHandler(t *testing.T) {
	store := jobsmem.NewStore()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveJob(ctx, &jobs.MaintenanceJob{JobID: "a", Status: jobs.JobStatusCompleted, CreatedAt: base}))
	require.NoError(t, store.SaveJob(ctx, &jobs.MaintenanceJob{JobID: "b", Status: jobs.JobStatusFailed, CreatedAt: base.Add(time.Hour)}))

	h := NewJobsHandler(store, discard)

	t.Run("get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.GetJob(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/a", nil), "a")
		require.Equal(t, http.StatusOK, rec.Code)
		var job jobs.MaintenanceJob
		decodeBody(t, rec, &job)
		assert.Equal(t, jobs.JobStatusCompleted, job.Status)
	})

	t.Run("get missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.GetJob(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/zzz", nil), "zzz")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Jobs  []jobs.MaintenanceJob `json:"jobs"`
			Count int                   `json:"count"`
		}
		decodeBody(t, rec, &resp)
		assert.Equal(t, 2, resp.Count)
		assert.Equal(t, "b", resp.Jobs[0].JobID)
	})

	t.Run("list by status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?status=completed&limit=5", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Count int `json:"count"`
		}
		decodeBody(t, rec, &resp)
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("unknown status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?status=done", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	_, cache := newTransactionsHandler(t)
	health := NewHealthHandler(cache)
	health.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	rec := httptest.NewRecorder()
	health.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "2024-03-01T12:00:00Z", resp["time"])
	assert.Contains(t, resp, "cache")
}
