package store

import (
	"context"
	"time"

	"github.com/dvloznov/finance-dedup/internal/domain"
)

// TransactionStore is the persistence contract used by the ingestion and
// maintenance pipelines. The dedup engine itself never talks to a store.
type TransactionStore interface {
	// ListRecords returns records whose UTC calendar day falls within
	// [start, end], ordered by date. A zero start or end leaves that side open.
	ListRecords(ctx context.Context, start, end time.Time) ([]domain.TransactionRecord, error)

	// InsertRecords persists new records together with their duplicate state.
	InsertRecords(ctx context.Context, records []domain.TransactionRecord) error

	// ApplyDuplicateUpdates overwrites the duplicate flag and canonical id of
	// the named records. Unknown ids are ignored. An update that marks a
	// record as a duplicate also re-points every other stored record whose
	// canonical id names it, so records outside the caller's snapshot do not
	// end up pointing at a duplicate.
	ApplyDuplicateUpdates(ctx context.Context, updates []domain.DuplicateUpdate) error

	// ExistingIDs returns the subset of ids that are already stored,
	// whatever their date.
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)

	Close() error
}

// Bounds returns the inclusive date range used when start or end is zero.
func Bounds(start, end time.Time) (time.Time, time.Time) {
	if start.IsZero() {
		start = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if end.IsZero() {
		end = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	}
	return start, end
}

// InRange reports whether t falls on a UTC calendar day within [start, end].
// Bounds are compared by calendar day so that an end date given as
// YYYY-MM-DD includes the whole day.
func InRange(t, start, end time.Time) bool {
	start, end = Bounds(start, end)
	day := truncateDay(t)
	return !day.Before(truncateDay(start)) && !day.After(truncateDay(end))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
