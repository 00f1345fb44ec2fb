package dedup

import (
	"io"
	"testing"
	"time"

	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func rec(id, date, amount, desc string) domain.TransactionRecord {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		d, err = time.Parse(time.RFC3339, date)
		if err != nil {
			panic(err)
		}
	}
	return domain.TransactionRecord{
		ID:          id,
		Date:        d,
		Amount:      decimal.RequireFromString(amount),
		Description: desc,
		Source:      "test",
	}
}

func dupOf(r domain.TransactionRecord, canonical string) domain.TransactionRecord {
	r.IsDuplicate = true
	r.CanonicalID = canonical
	return r
}

func testEngine(t *testing.T, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 4
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := New(cfg, zerolog.New(io.Discard))
	require.NoError(t, err)
	return e
}

func testLedger(t *testing.T, mutate ...func(*Config)) *Ledger {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 4
	for _, m := range mutate {
		m(&cfg)
	}
	l, err := NewLedger(cfg, zerolog.New(io.Discard))
	require.NoError(t, err)
	return l
}

// applyUpdates returns a copy of records with updates applied.
func applyUpdates(records []domain.TransactionRecord, updates []domain.DuplicateUpdate) []domain.TransactionRecord {
	byID := make(map[string]domain.DuplicateUpdate, len(updates))
	for _, u := range updates {
		byID[u.ID] = u
	}
	out := make([]domain.TransactionRecord, len(records))
	for i, r := range records {
		if u, ok := byID[r.ID]; ok {
			r.IsDuplicate = u.IsDuplicate
			r.CanonicalID = u.CanonicalID
		}
		out[i] = r
	}
	return out
}

func requireRootInvariant(t *testing.T, records []domain.TransactionRecord) {
	t.Helper()
	byID := make(map[string]domain.TransactionRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	for _, r := range records {
		if !r.IsDuplicate {
			require.Empty(t, r.CanonicalID, "record %s is not a duplicate but has a canonical id", r.ID)
			continue
		}
		canonical, ok := byID[r.CanonicalID]
		require.True(t, ok, "record %s points to unknown canonical %s", r.ID, r.CanonicalID)
		require.False(t, canonical.IsDuplicate, "record %s points to %s which is itself a duplicate", r.ID, r.CanonicalID)
	}
}
