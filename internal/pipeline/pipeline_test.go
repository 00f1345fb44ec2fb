package pipeline_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/finance-dedup/internal/dedup"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/infra/inmemory"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/dvloznov/finance-dedup/internal/pipeline"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockStorageService is a mock implementation of StorageService for testing.
type MockStorageService struct {
	FetchFromGCSFunc func(ctx context.Context, gcsURI string) ([]byte, error)
	UploadBytesFunc  func(ctx context.Context, bucketName, objectName, contentType string, data []byte) error
}

func (m *MockStorageService) FetchFromGCS(ctx context.Context, gcsURI string) ([]byte, error) {
	if m.FetchFromGCSFunc != nil {
		return m.FetchFromGCSFunc(ctx, gcsURI)
	}
	return []byte(`{"transactions": []}`), nil
}

func (m *MockStorageService) UploadBytes(ctx context.Context, bucketName, objectName, contentType string, data []byte) error {
	if m.UploadBytesFunc != nil {
		return m.UploadBytesFunc(ctx, bucketName, objectName, contentType, data)
	}
	return nil
}

var _ pipeline.StorageService = (*MockStorageService)(nil)

const recordFile = `{
  "transactions": [
    {"id": "a", "date": "2024-03-01", "amount": -100, "description": "Coffee shop"},
    {"id": "b", "date": "2024-03-10", "amount": "-50.00", "description": "Groceries", "source": "barclays"},
    {"id": "c", "date": "2024-03-10", "amount": -50, "description": "Groceries"},
    {"id": "1", "date": "2024-03-01", "amount": -100, "description": "Coffee shop"}
  ]
}`

func record(id, date, amount, desc string) domain.TransactionRecord {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	return domain.TransactionRecord{
		ID:          id,
		Date:        d,
		Amount:      decimal.RequireFromString(amount),
		Description: desc,
		Source:      "test",
	}
}

func newDeps(t *testing.T, seed ...domain.TransactionRecord) (pipeline.Deps, *inmemory.TransactionStore) {
	t.Helper()
	st := inmemory.NewTransactionStore()
	if len(seed) > 0 {
		require.NoError(t, st.InsertRecords(context.Background(), seed))
	}
	ledger, err := dedup.NewLedger(dedup.DefaultConfig(), zerolog.New(io.Discard))
	require.NoError(t, err)
	return pipeline.Deps{Store: st, Ledger: ledger}, st
}

func testContext() context.Context {
	return logger.WithContext(context.Background(), zerolog.New(io.Discard))
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func byID(records []domain.TransactionRecord) map[string]domain.TransactionRecord {
	m := make(map[string]domain.TransactionRecord, len(records))
	for _, r := range records {
		m[r.ID] = r
	}
	return m
}

func TestIngestRecordsWithDeps(t *testing.T) {
	deps, st := newDeps(t, record("1", "2024-03-01", "-100", "Coffee shop"))
	ctx := testContext()

	res, err := pipeline.IngestRecordsWithDeps(ctx, deps, writeFile(t, recordFile), false)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 2, res.Duplicates)
	assert.Equal(t, []string{"1"}, res.AlreadyStored)
	require.Len(t, res.Decisions, 3)

	assert.Equal(t, domain.MatchExact, res.Decisions[0].MatchType)
	assert.Equal(t, "1", res.Decisions[0].CanonicalID)
	assert.Equal(t, domain.MatchUnique, res.Decisions[1].MatchType)
	assert.Equal(t, "b", res.Decisions[2].CanonicalID)

	all, err := st.ListRecords(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	stored := byID(all)
	assert.True(t, stored["a"].IsDuplicate)
	assert.Equal(t, "1", stored["a"].CanonicalID)
	assert.False(t, stored["b"].IsDuplicate)
	assert.Equal(t, "barclays", stored["b"].Source)
	assert.Equal(t, pipeline.DefaultSource, stored["c"].Source)
	assert.NotEmpty(t, stored["c"].Fingerprint)
}

func TestIngestRecordsWithDepsDryRun(t *testing.T) {
	deps, st := newDeps(t, record("1", "2024-03-01", "-100", "Coffee shop"))

	res, err := pipeline.IngestRecordsWithDeps(testContext(), deps, writeFile(t, recordFile), true)
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Duplicates)
	assert.Equal(t, 1, st.Len())
}

func TestIngestRecordsWithDepsIsRepeatable(t *testing.T) {
	deps, st := newDeps(t)
	path := writeFile(t, recordFile)

	_, err := pipeline.IngestRecordsWithDeps(testContext(), deps, path, false)
	require.NoError(t, err)

	res, err := pipeline.IngestRecordsWithDeps(testContext(), deps, path, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Len(t, res.AlreadyStored, 4)
	assert.Equal(t, 4, st.Len())
}

func TestIngestRecordsWithDepsFromGCS(t *testing.T) {
	deps, st := newDeps(t)
	var fetched string
	deps.Storage = &MockStorageService{
		FetchFromGCSFunc: func(ctx context.Context, gcsURI string) ([]byte, error) {
			fetched = gcsURI
			return []byte(recordFile), nil
		},
	}

	res, err := pipeline.IngestRecordsWithDeps(testContext(), deps, "gs://imports/2024/march.json", false)
	require.NoError(t, err)
	assert.Equal(t, "gs://imports/2024/march.json", fetched)
	assert.Equal(t, 4, res.Inserted)
	assert.Equal(t, 4, st.Len())
}

func TestIngestRecordsWithDepsErrors(t *testing.T) {
	t.Run("missing deps", func(t *testing.T) {
		_, err := pipeline.IngestRecordsWithDeps(testContext(), pipeline.Deps{}, "x.json", false)
		assert.ErrorIs(t, err, pipeline.ErrMissingDeps)
	})

	t.Run("gcs source without storage", func(t *testing.T) {
		deps, _ := newDeps(t)
		_, err := pipeline.IngestRecordsWithDeps(testContext(), deps, "gs://bucket/file.json", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipeline step 1 failed")
	})

	t.Run("fetch failure", func(t *testing.T) {
		deps, _ := newDeps(t)
		fetchErr := errors.New("bucket not found")
		deps.Storage = &MockStorageService{
			FetchFromGCSFunc: func(ctx context.Context, gcsURI string) ([]byte, error) {
				return nil, fetchErr
			},
		}
		_, err := pipeline.IngestRecordsWithDeps(testContext(), deps, "gs://bucket/file.json", false)
		assert.ErrorIs(t, err, fetchErr)
	})

	t.Run("malformed file", func(t *testing.T) {
		deps, _ := newDeps(t)
		_, err := pipeline.IngestRecordsWithDeps(testContext(), deps, writeFile(t, `{"rows": []}`), false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipeline step 2 failed")
	})

	t.Run("repeated id", func(t *testing.T) {
		deps, st := newDeps(t)
		file := `{"transactions": [
			{"id": "x", "date": "2024-01-01", "amount": 1, "description": "a"},
			{"id": "x", "date": "2024-01-02", "amount": 2, "description": "b"}
		]}`
		_, err := pipeline.IngestRecordsWithDeps(testContext(), deps, writeFile(t, file), false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipeline step 3 failed")
		assert.Equal(t, 0, st.Len())
	})
}

func TestRunMaintenanceWithDeps(t *testing.T) {
	deps, st := newDeps(t,
		record("1", "2024-03-01", "-100", "Coffee shop"),
		record("2", "2024-03-01", "-100", "Coffee shop"),
		record("3", "2024-03-05", "-20", "Bookstore"),
	)

	var uploads []string
	deps.Storage = &MockStorageService{
		UploadBytesFunc: func(ctx context.Context, bucketName, objectName, contentType string, data []byte) error {
			assert.Equal(t, "reports", bucketName)
			assert.Equal(t, pipeline.ReportContentType, contentType)
			assert.Contains(t, string(data), `"applied": 1`)
			uploads = append(uploads, objectName)
			return nil
		},
	}
	deps.ReportBucket = "reports"

	res, err := pipeline.RunMaintenanceWithDeps(testContext(), deps, time.Time{}, time.Time{}, false)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Applied)
	require.NotNil(t, res.Cluster)
	require.Len(t, res.Cluster.Groups, 1)
	assert.Equal(t, []string{"1", "2"}, res.Cluster.Groups[0].MemberIDs)

	require.Len(t, uploads, 1)
	assert.True(t, strings.HasPrefix(uploads[0], pipeline.DefaultReportPrefix+"/"))
	assert.Equal(t, "gs://reports/"+uploads[0], res.ReportURI)

	all, err := st.ListRecords(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	stored := byID(all)
	assert.True(t, stored["2"].IsDuplicate)
	assert.Equal(t, "1", stored["2"].CanonicalID)
	assert.False(t, stored["1"].IsDuplicate)
	assert.False(t, stored["3"].IsDuplicate)
}

func TestRunMaintenanceWithDepsIsIdempotent(t *testing.T) {
	deps, _ := newDeps(t,
		record("1", "2024-03-01", "-100", "Coffee shop"),
		record("2", "2024-03-01", "-100", "Coffee shop"),
	)

	first, err := pipeline.RunMaintenanceWithDeps(testContext(), deps, time.Time{}, time.Time{}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Applied)

	second, err := pipeline.RunMaintenanceWithDeps(testContext(), deps, time.Time{}, time.Time{}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Applied)
	assert.Empty(t, second.Cluster.Updates)
}

func TestRunMaintenanceWithDepsDryRun(t *testing.T) {
	deps, st := newDeps(t,
		record("1", "2024-03-01", "-100", "Coffee shop"),
		record("2", "2024-03-01", "-100", "Coffee shop"),
	)

	res, err := pipeline.RunMaintenanceWithDeps(testContext(), deps, time.Time{}, time.Time{}, true)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	assert.Len(t, res.Cluster.Updates, 1)
	assert.Empty(t, res.ReportURI)

	all, err := st.ListRecords(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	for _, r := range all {
		assert.False(t, r.IsDuplicate, r.ID)
	}
}

func TestRunMaintenanceWithDepsDateRange(t *testing.T) {
	deps, _ := newDeps(t,
		record("1", "2024-03-01", "-100", "Coffee shop"),
		record("2", "2024-03-01", "-100", "Coffee shop"),
		record("3", "2024-04-01", "-100", "Coffee shop"),
		record("4", "2024-04-01", "-100", "Coffee shop"),
	)

	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	res, err := pipeline.RunMaintenanceWithDeps(testContext(), deps, start, time.Time{}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	require.Len(t, res.Cluster.Groups, 1)
	assert.Equal(t, "3", res.Cluster.Groups[0].CanonicalID)
}

func TestRunMaintenanceWithDepsReportFailure(t *testing.T) {
	deps, _ := newDeps(t,
		record("1", "2024-03-01", "-100", "Coffee shop"),
		record("2", "2024-03-01", "-100", "Coffee shop"),
	)
	deps.ReportBucket = "reports"
	deps.Storage = &MockStorageService{
		UploadBytesFunc: func(ctx context.Context, bucketName, objectName, contentType string, data []byte) error {
			return errors.New("permission denied")
		},
	}

	res, err := pipeline.RunMaintenanceWithDeps(testContext(), deps, time.Time{}, time.Time{}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline step 2 failed")
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Applied)
}

func TestPipelineStopsAtFirstFailure(t *testing.T) {
	var ran []int
	step := func(n int, err error) pipeline.PipelineStep {
		return stepFunc(func(ctx context.Context, state *pipeline.PipelineState) error {
			ran = append(ran, n)
			return err
		})
	}

	boom := errors.New("boom")
	p := pipeline.NewPipeline(step(1, nil), step(2, boom), step(3, nil))
	err := p.Execute(context.Background(), &pipeline.PipelineState{})

	assert.ErrorIs(t, err, boom)
	assert.EqualError(t, err, "pipeline step 2 failed: boom")
	assert.Equal(t, []int{1, 2}, ran)
}

func TestPipelineHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	p := pipeline.NewPipeline(stepFunc(func(ctx context.Context, state *pipeline.PipelineState) error {
		called = true
		return nil
	}))
	err := p.Execute(ctx, &pipeline.PipelineState{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

type stepFunc func(ctx context.Context, state *pipeline.PipelineState) error

func (f stepFunc) Execute(ctx context.Context, state *pipeline.PipelineState) error {
	return f(ctx, state)
}

func TestIngestFileWithDeps(t *testing.T) {
	deps, st := newDeps(t)

	res, err := pipeline.IngestFileWithDeps(testContext(), deps, "request", []byte(recordFile), false)
	require.NoError(t, err)
	assert.Equal(t, "request", res.Source)
	assert.Equal(t, 4, res.Inserted)
	assert.Equal(t, 4, st.Len())

	_, err = pipeline.IngestFileWithDeps(testContext(), deps, "request", []byte(`not json`), false)
	assert.ErrorContains(t, err, "pipeline step 2 failed")
}

func TestCheckRecordWithDeps(t *testing.T) {
	deps, st := newDeps(t, record("1", "2024-03-01", "-100", "Coffee shop"))

	r, err := pipeline.ParseRecord([]byte(`{"id": "n1", "date": "2024-03-02", "amount": -100, "description": "Coffee shop"}`))
	require.NoError(t, err)

	d, err := pipeline.CheckRecordWithDeps(testContext(), deps, r)
	require.NoError(t, err)
	assert.True(t, d.IsDuplicate)
	assert.Equal(t, domain.MatchFuzzy, d.MatchType)
	assert.Equal(t, "1", d.CanonicalID)
	assert.Equal(t, 1, st.Len())

	far := record("n2", "2024-04-01", "-100", "Coffee shop")
	d, err = pipeline.CheckRecordWithDeps(testContext(), deps, far)
	require.NoError(t, err)
	assert.False(t, d.IsDuplicate)
	assert.Equal(t, 0, d.ComparedCount)

	_, err = pipeline.CheckRecordWithDeps(testContext(), pipeline.Deps{}, far)
	assert.ErrorIs(t, err, pipeline.ErrMissingDeps)
}

func TestStepErrorIdentifiesStep(t *testing.T) {
	deps, _ := newDeps(t)
	_, err := pipeline.IngestFileWithDeps(testContext(), deps, "request", []byte(`{"transactions": [{"id": ""}]}`), false)

	var stepErr *pipeline.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 2, stepErr.Step)
	assert.LessOrEqual(t, stepErr.Step, pipeline.ValidationSteps)
}

func TestIngestionHoldsLedgerUntilInsert(t *testing.T) {
	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	at := func(id string, hour int) domain.TransactionRecord {
		r := record(id, "2024-05-10", "-100", "Subscription")
		r.Date = day.Add(time.Duration(hour) * time.Hour)
		return r
	}
	deps, st := newDeps(t, at("r0", 8), at("r1", 9))
	ctx := testContext()

	maintained := make(chan error, 1)
	startMaintenance := stepFunc(func(ctx context.Context, state *pipeline.PipelineState) error {
		go func() {
			_, err := pipeline.RunMaintenanceWithDeps(ctx, deps, time.Time{}, time.Time{}, false)
			maintained <- err
		}()
		assert.Never(t, func() bool { return len(maintained) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
		return nil
	})

	state := &pipeline.PipelineState{Records: []domain.TransactionRecord{at("n", 9)}}
	p := pipeline.NewPipeline(&pipeline.InsertLockedStep{
		Ledger: deps.Ledger,
		Steps: []pipeline.PipelineStep{
			&pipeline.LoadExistingStep{Deps: deps},
			startMaintenance,
			&pipeline.DetectDuplicatesStep{Deps: deps},
			&pipeline.InsertRecordsStep{Deps: deps},
		},
	})
	require.NoError(t, p.Execute(ctx, state))
	require.Len(t, state.Decisions, 1)
	assert.True(t, state.Decisions[0].IsDuplicate)

	select {
	case err := <-maintained:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance did not finish after the insert")
	}

	all, err := st.ListRecords(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	stored := byID(all)
	require.Len(t, stored, 3)
	assert.False(t, stored["r0"].IsDuplicate)
	for _, id := range []string{"r1", "n"} {
		assert.True(t, stored[id].IsDuplicate, id)
		assert.Equal(t, "r0", stored[id].CanonicalID, id)
	}
}

func TestRunMaintenanceWithDepsRepointsRecordsOutsideRange(t *testing.T) {
	r0 := record("r0", "2024-01-10", "-100", "Subscription")
	r0.Date = r0.Date.Add(8 * time.Hour)
	r1 := record("r1", "2024-01-10", "-100", "Subscription")
	r1.Date = r1.Date.Add(9 * time.Hour)
	x := record("x", "2024-01-11", "-100", "Subscription")
	x.IsDuplicate = true
	x.CanonicalID = "r1"
	deps, st := newDeps(t, r0, r1, x)

	jan10 := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	res, err := pipeline.RunMaintenanceWithDeps(testContext(), deps, jan10, jan10, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	all, err := st.ListRecords(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	stored := byID(all)
	assert.False(t, stored["r0"].IsDuplicate)
	assert.Equal(t, "r0", stored["r1"].CanonicalID)
	assert.True(t, stored["x"].IsDuplicate)
	assert.Equal(t, "r0", stored["x"].CanonicalID)
}

func TestIngestSkipsStoredIDOutsideDateWindow(t *testing.T) {
	deps, st := newDeps(t, record("1", "2024-03-01", "-100", "Coffee shop"))
	file := `{"transactions": [
		{"id": "1", "date": "2025-09-01", "amount": -100, "description": "Coffee shop"},
		{"id": "2", "date": "2025-09-01", "amount": -7, "description": "Bakery"}
	]}`

	res, err := pipeline.IngestFileWithDeps(testContext(), deps, "request", []byte(file), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.AlreadyStored)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 2, st.Len())

	all, err := st.ListRecords(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2024, byID(all)["1"].Date.Year())
}
