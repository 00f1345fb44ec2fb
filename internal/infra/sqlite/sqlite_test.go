package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	in := []domain.TransactionRecord{
		{
			ID:          "1",
			Date:        time.Date(2024, 1, 10, 8, 15, 0, 0, time.UTC),
			Amount:      decimal.RequireFromString("-100.10"),
			Description: "Coffee shop",
			Source:      "monzo",
			Fingerprint: "fp1",
		},
		{
			ID:          "2",
			Date:        time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC),
			Amount:      decimal.RequireFromString("-100.10"),
			Description: "Coffee shop",
			Source:      "barclays",
			Fingerprint: "fp2",
			IsDuplicate: true,
			CanonicalID: "1",
		},
		{
			ID:          "3",
			Date:        time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			Amount:      decimal.RequireFromString("2500"),
			Description: "Salary",
		},
	}
	require.NoError(t, s.InsertRecords(ctx, in))

	got, err := s.ListRecords(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range in {
		assert.Equal(t, in[i].ID, got[i].ID)
		assert.True(t, in[i].Date.Equal(got[i].Date))
		assert.True(t, in[i].Amount.Equal(got[i].Amount), "amount of %s", in[i].ID)
		assert.Equal(t, in[i].Description, got[i].Description)
		assert.Equal(t, in[i].Source, got[i].Source)
		assert.Equal(t, in[i].Fingerprint, got[i].Fingerprint)
		assert.Equal(t, in[i].IsDuplicate, got[i].IsDuplicate)
		assert.Equal(t, in[i].CanonicalID, got[i].CanonicalID)
	}

	january, err := s.ListRecords(ctx, time.Time{}, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, january, 2)
}

func TestStoreRejectsExistingID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := domain.TransactionRecord{ID: "1", Date: time.Now(), Amount: decimal.NewFromInt(1)}

	require.NoError(t, s.InsertRecords(ctx, []domain.TransactionRecord{r}))
	require.Error(t, s.InsertRecords(ctx, []domain.TransactionRecord{r}))
}

func TestStoreApplyDuplicateUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertRecords(ctx, []domain.TransactionRecord{
		{ID: "1", Date: day, Amount: decimal.NewFromInt(-5)},
		{ID: "2", Date: day, Amount: decimal.NewFromInt(-5), IsDuplicate: true, CanonicalID: "3"},
		{ID: "3", Date: day, Amount: decimal.NewFromInt(-5)},
	}))

	require.NoError(t, s.ApplyDuplicateUpdates(ctx, []domain.DuplicateUpdate{
		{ID: "2", IsDuplicate: true, CanonicalID: "1"},
		{ID: "3", IsDuplicate: true, CanonicalID: "1"},
		{ID: "404", IsDuplicate: true, CanonicalID: "1"},
	}))
	require.NoError(t, s.ApplyDuplicateUpdates(ctx, nil))

	got, err := s.ListRecords(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.False(t, got[0].IsDuplicate)
	assert.Equal(t, "1", got[1].CanonicalID)
	assert.Equal(t, "1", got[2].CanonicalID)

	require.NoError(t, s.ApplyDuplicateUpdates(ctx, []domain.DuplicateUpdate{{ID: "3", IsDuplicate: false}}))
	got, err = s.ListRecords(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.False(t, got[2].IsDuplicate)
	assert.Empty(t, got[2].CanonicalID)
}

func TestStoreRepointsDependentsOfDemotedRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jan10 := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertRecords(ctx, []domain.TransactionRecord{
		{ID: "r0", Date: jan10, Amount: decimal.NewFromInt(-100)},
		{ID: "r1", Date: jan10.Add(time.Hour), Amount: decimal.NewFromInt(-100)},
		{ID: "x", Date: jan10.AddDate(0, 0, 1), Amount: decimal.NewFromInt(-100), IsDuplicate: true, CanonicalID: "r1"},
	}))

	require.NoError(t, s.ApplyDuplicateUpdates(ctx, []domain.DuplicateUpdate{
		{ID: "r1", IsDuplicate: true, CanonicalID: "r0"},
	}))

	got, err := s.ListRecords(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.False(t, got[0].IsDuplicate)
	assert.Equal(t, "r0", got[1].CanonicalID)
	assert.Equal(t, "x", got[2].ID)
	assert.True(t, got[2].IsDuplicate)
	assert.Equal(t, "r0", got[2].CanonicalID)
}

func TestStoreExistingIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InsertRecords(ctx, []domain.TransactionRecord{
		{ID: "1", Date: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(1)},
		{ID: "2", Date: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(1)},
	}))

	ids := []string{"1", "2"}
	for i := 0; i < existingIDsChunk; i++ {
		ids = append(ids, fmt.Sprintf("missing-%d", i))
	}

	found, err := s.ExistingIDs(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"1": true, "2": true}, found)

	found, err = s.ExistingIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}
