package dedup

import (
	"github.com/dvloznov/finance-dedup/internal/domain"
)

// recordLookup resolves an existing record by id.
type recordLookup func(id string) (domain.TransactionRecord, bool)

// DetectDuplicate classifies record against existing. An exact content
// match is always a duplicate, regardless of thresholds. Otherwise the
// best-scoring candidate wins when it reaches SimilarityThreshold. The
// returned CanonicalID always names a root record.
func (e *Engine) DetectDuplicate(record domain.TransactionRecord, existing []domain.TransactionRecord) domain.Decision {
	record = sanitize(record)
	byID := make(map[string]domain.TransactionRecord, len(existing))
	for _, r := range existing {
		if r.ID != "" {
			byID[r.ID] = r
		}
	}
	lookup := func(id string) (domain.TransactionRecord, bool) {
		r, ok := byID[id]
		return r, ok
	}
	return e.decide(record, e.Candidates(record, existing), lookup)
}

// decide expects candidates in date, id order.
func (e *Engine) decide(record domain.TransactionRecord, candidates []domain.TransactionRecord, lookup recordLookup) domain.Decision {
	fp := Fingerprint(record)
	decision := domain.Decision{
		RecordID:      record.ID,
		Fingerprint:   fp,
		MatchType:     domain.MatchUnique,
		ComparedCount: len(candidates),
	}

	// Candidates are sorted, so the first exact match is the earliest.
	for _, c := range candidates {
		if Fingerprint(c) == fp {
			return e.markDuplicate(decision, record, c, domain.MatchExact, 1.0, nil, lookup)
		}
	}

	var (
		best      domain.TransactionRecord
		bestScore Similarity
		found     bool
	)
	for _, c := range candidates {
		s := e.Score(record, c)
		// Strictly greater keeps the earliest candidate on ties.
		if !found || s.Overall > bestScore.Overall {
			best, bestScore, found = c, s, true
		}
	}

	if !found {
		return decision
	}
	decision.Similarity = bestScore.Breakdown()
	decision.Confidence = bestScore.Overall
	if bestScore.Overall < e.cfg.SimilarityThreshold {
		return decision
	}
	return e.markDuplicate(decision, record, best, domain.MatchFuzzy, bestScore.Overall, decision.Similarity, lookup)
}

func (e *Engine) markDuplicate(
	decision domain.Decision,
	record, match domain.TransactionRecord,
	matchType domain.MatchType,
	confidence float64,
	similarity *domain.SimilarityBreakdown,
	lookup recordLookup,
) domain.Decision {
	root := resolveRoot(match, lookup)
	if root == "" || (record.ID != "" && root == record.ID) {
		// The match already points back at record, so record is the root.
		e.log.Debug().
			Str("record_id", record.ID).
			Str("matched_id", match.ID).
			Msg("Match resolves to the record itself")
		decision.MatchedID = match.ID
		return decision
	}

	decision.IsDuplicate = true
	decision.CanonicalID = root
	decision.MatchType = matchType
	decision.Confidence = confidence
	decision.MatchedID = match.ID
	decision.Similarity = similarity
	return decision
}

// resolveRoot follows canonical ids from r until it reaches a record that
// is not a duplicate. An id that cannot be resolved is trusted as the root.
// A cycle resolves to its earliest member, as the bulk repair does.
func resolveRoot(r domain.TransactionRecord, lookup recordLookup) string {
	pos := map[string]int{}
	var path []domain.TransactionRecord
	cur := r
	for cur.IsDuplicate && cur.CanonicalID != "" {
		if p, seen := pos[cur.ID]; seen {
			return earliestRecord(path[p:]).ID
		}
		pos[cur.ID] = len(path)
		path = append(path, cur)
		next, ok := lookup(cur.CanonicalID)
		if !ok {
			return cur.CanonicalID
		}
		cur = next
	}
	return cur.ID
}

func earliestRecord(records []domain.TransactionRecord) domain.TransactionRecord {
	best := records[0]
	for _, r := range records[1:] {
		if recordLess(r, best) {
			best = r
		}
	}
	return best
}
