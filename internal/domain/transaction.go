package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRecord is one ingested transaction as seen by the deduplication
// engine. Records arrive from bank exports or API pulls with a caller-supplied
// ID; the engine derives Fingerprint and the duplicate state.
type TransactionRecord struct {
	ID          string          `json:"id"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"` // positive = inflow, negative = outflow
	Description string          `json:"description"`
	Source      string          `json:"source,omitempty"`

	Fingerprint string `json:"fingerprint,omitempty"`

	// IsDuplicate and CanonicalID are only ever set together. CanonicalID
	// always names a record that is not itself a duplicate.
	IsDuplicate bool   `json:"is_duplicate"`
	CanonicalID string `json:"canonical_id,omitempty"`
}

// MatchType classifies how a decision was reached.
type MatchType string

const (
	// MatchUnique means no candidate was close enough.
	MatchUnique MatchType = "unique"
	// MatchExact means a candidate had identical date, amount and description.
	MatchExact MatchType = "exact"
	// MatchFuzzy means the best candidate scored at or above the similarity threshold.
	MatchFuzzy MatchType = "fuzzy"
)

// SimilarityBreakdown carries the sub-scores of a comparison for debugging.
type SimilarityBreakdown struct {
	Overall float64 `json:"overall"`
	Text    float64 `json:"text"`
	Amount  float64 `json:"amount"`
	Date    float64 `json:"date"`
}

// Decision is the immutable outcome of checking one incoming record against
// the existing set. The caller decides whether to apply it.
type Decision struct {
	RecordID      string               `json:"record_id"`
	Fingerprint   string               `json:"fingerprint"`
	IsDuplicate   bool                 `json:"is_duplicate"`
	CanonicalID   string               `json:"canonical_id,omitempty"`
	MatchType     MatchType            `json:"match_type"`
	Confidence    float64              `json:"confidence"`
	MatchedID     string               `json:"matched_id,omitempty"`
	Similarity    *SimilarityBreakdown `json:"similarity,omitempty"`
	ComparedCount int                  `json:"compared_count"`
}

// Apply copies the fingerprint and duplicate state of the decision onto r.
func (d Decision) Apply(r *TransactionRecord) {
	r.Fingerprint = d.Fingerprint
	r.IsDuplicate = d.IsDuplicate
	if d.IsDuplicate {
		r.CanonicalID = d.CanonicalID
	} else {
		r.CanonicalID = ""
	}
}

// DuplicateUpdate is one change to a stored record's duplicate state.
// An update with IsDuplicate=false clears CanonicalID.
type DuplicateUpdate struct {
	ID          string `json:"id"`
	IsDuplicate bool   `json:"is_duplicate"`
	CanonicalID string `json:"canonical_id,omitempty"`
}
