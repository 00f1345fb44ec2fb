package jobs

import (
	"context"
	"io"
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

type otherJob struct{}

func (otherJob) GetID() string        { return "x" }
func (otherJob) GetType() JobType     { return "other" }
func (otherJob) GetStatus() JobStatus { return JobStatusPending }

func TestParseDateRange(t *testing.T) {
	s, e, err := ParseDateRange("", "")
	require.NoError(t, err)
	assert.True(t, s.IsZero())
	assert.True(t, e.IsZero())

	s, e, err = ParseDateRange("2024-03-01", "2024-03-31")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), s)
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), e)

	_, _, err = ParseDateRange("03/01/2024", "")
	assert.Error(t, err)

	_, _, err = ParseDateRange("2024-03-31", "2024-03-01")
	assert.ErrorContains(t, err, "before start date")
}

func TestMaintenanceHandler(t *testing.T) {
	st := inmemory.NewTransactionStore()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertRecords(context.Background(), []domain.TransactionRecord{
		{ID: "1", Date: day, Amount: decimal.NewFromInt(-100), Description: "Coffee shop"},
		{ID: "2", Date: day, Amount: decimal.NewFromInt(-100), Description: "Coffee shop"},
	}))
	ledger, err := dedup.NewLedger(dedup.DefaultConfig(), zerolog.New(io.Discard))
	require.NoError(t, err)

	handler := NewMaintenanceHandler(pipeline.Deps{Store: st, Ledger: ledger})
	ctx := logger.WithContext(context.Background(), zerolog.New(io.Discard))

	job := &MaintenanceJob{JobID: "j1"}
	require.NoError(t, handler(ctx, job))
	require.NotNil(t, job.Summary)
	assert.Equal(t, 2, job.Summary.Records)
	assert.Equal(t, 1, job.Summary.Groups)
	assert.Equal(t, 1, job.Summary.Applied)
	assert.Equal(t, 1, job.Summary.NewlyMarked)

	err = handler(ctx, &MaintenanceJob{JobID: "j2", StartDate: "bad"})
	assert.ErrorContains(t, err, "invalid start date")

	err = handler(ctx, otherJob{})
	assert.ErrorContains(t, err, "unsupported job type")
}
