package dedup

import (
	"sort"

	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/shopspring/decimal"
)

// Candidates narrows all to the records that could plausibly duplicate
// record: within DateWindowDays calendar days and within the amount
// tolerance of record's amount. A record with the same non-empty id as
// record is never a candidate. Results are ordered by date, then id.
func (e *Engine) Candidates(record domain.TransactionRecord, all []domain.TransactionRecord) []domain.TransactionRecord {
	tol := e.tolerance(record.Amount)
	day := dayIndex(record.Date)

	var out []domain.TransactionRecord
	for _, other := range all {
		if e.isCandidate(record, day, tol, other, dayIndex(other.Date)) {
			out = append(out, other)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return recordLess(out[i], out[j])
	})
	return out
}

// tolerance returns max(AmountTolerance, |amount| * AmountTolerancePercent).
func (e *Engine) tolerance(amount decimal.Decimal) decimal.Decimal {
	rel := amount.Abs().Mul(e.amountTolerancePct)
	if rel.GreaterThan(e.amountTolerance) {
		return rel
	}
	return e.amountTolerance
}

func (e *Engine) isCandidate(record domain.TransactionRecord, recordDay int64, tol decimal.Decimal, other domain.TransactionRecord, otherDay int64) bool {
	if record.ID != "" && other.ID == record.ID {
		return false
	}
	delta := recordDay - otherDay
	if delta < 0 {
		delta = -delta
	}
	if delta > int64(e.cfg.DateWindowDays) {
		return false
	}
	return record.Amount.Sub(other.Amount).Abs().LessThanOrEqual(tol)
}

type indexEntry struct {
	day    int64
	record domain.TransactionRecord
}

// CandidateIndex answers candidate queries against a fixed snapshot by
// binary search on the date window instead of a full scan. It also resolves
// canonical ids of indexed records. Not safe for concurrent mutation.
type CandidateIndex struct {
	engine  *Engine
	entries []indexEntry
	byID    map[string]int
}

// NewCandidateIndex indexes records for repeated candidate queries.
func (e *Engine) NewCandidateIndex(records []domain.TransactionRecord) *CandidateIndex {
	idx := &CandidateIndex{
		engine:  e,
		entries: make([]indexEntry, 0, len(records)),
	}
	for _, r := range records {
		idx.entries = append(idx.entries, indexEntry{day: dayIndex(r.Date), record: r})
	}
	sort.SliceStable(idx.entries, func(i, j int) bool {
		return recordLess(idx.entries[i].record, idx.entries[j].record)
	})
	idx.reindex()
	return idx
}

func (idx *CandidateIndex) reindex() {
	idx.byID = make(map[string]int, len(idx.entries))
	for i, en := range idx.entries {
		if en.record.ID != "" {
			idx.byID[en.record.ID] = i
		}
	}
}

// Len returns the number of indexed records.
func (idx *CandidateIndex) Len() int {
	return len(idx.entries)
}

// Add inserts r keeping date order. A record with an id already present
// replaces the indexed one.
func (idx *CandidateIndex) Add(r domain.TransactionRecord) {
	if i, ok := idx.byID[r.ID]; ok && r.ID != "" {
		idx.entries = append(idx.entries[:i], idx.entries[i+1:]...)
	}
	pos := sort.Search(len(idx.entries), func(i int) bool {
		return recordLess(r, idx.entries[i].record)
	})
	idx.entries = append(idx.entries, indexEntry{})
	copy(idx.entries[pos+1:], idx.entries[pos:])
	idx.entries[pos] = indexEntry{day: dayIndex(r.Date), record: r}
	idx.reindex()
}

// Lookup returns the indexed record with the given id.
func (idx *CandidateIndex) Lookup(id string) (domain.TransactionRecord, bool) {
	i, ok := idx.byID[id]
	if !ok {
		return domain.TransactionRecord{}, false
	}
	return idx.entries[i].record, true
}

// Candidates returns the same result as Engine.Candidates over the indexed
// records.
func (idx *CandidateIndex) Candidates(record domain.TransactionRecord) []domain.TransactionRecord {
	e := idx.engine
	tol := e.tolerance(record.Amount)
	day := dayIndex(record.Date)
	lo := day - int64(e.cfg.DateWindowDays)
	hi := day + int64(e.cfg.DateWindowDays)

	start := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].day >= lo
	})

	var out []domain.TransactionRecord
	for i := start; i < len(idx.entries) && idx.entries[i].day <= hi; i++ {
		en := idx.entries[i]
		if e.isCandidate(record, day, tol, en.record, en.day) {
			out = append(out, en.record)
		}
	}
	return out
}
