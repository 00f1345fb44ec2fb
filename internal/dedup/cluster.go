package dedup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dvloznov/finance-dedup/internal/domain"
	"golang.org/x/sync/errgroup"
)

// DuplicateGroup is a set of records believed to describe the same event.
type DuplicateGroup struct {
	// CanonicalID is the root every member points at. It is the earliest
	// member unless that member was already a duplicate of a record outside
	// the group, in which case it is that record.
	CanonicalID string `json:"canonical_id"`
	// MemberIDs are ordered by date, then id.
	MemberIDs []string `json:"member_ids"`
}

// BatchUpdates is the outcome of clustering one batch.
type BatchUpdates struct {
	Index   int                      `json:"index"`
	Total   int                      `json:"total"`
	Records int                      `json:"records"`
	Groups  []DuplicateGroup         `json:"groups"`
	Updates []domain.DuplicateUpdate `json:"updates"`
}

// ApplyFunc persists the updates of one batch. Batches are delivered in
// order; an error stops the run.
type ApplyFunc func(ctx context.Context, batch BatchUpdates) error

// ClusterResult summarizes a bulk run.
type ClusterResult struct {
	// Updates holds the net change per record against the input snapshot.
	Updates []domain.DuplicateUpdate `json:"updates"`
	Groups  []DuplicateGroup         `json:"groups"`

	NewlyMarked int `json:"newly_marked"`
	Repointed   int `json:"repointed"`
	Cleared     int `json:"cleared"`
	Repaired    int `json:"repaired"`
	Skipped     int `json:"skipped"`

	Records     int           `json:"records"`
	Batches     int           `json:"batches"`
	Buckets     int           `json:"buckets"`
	Comparisons int           `json:"comparisons"`
	Duration    time.Duration `json:"duration"`
}

// ClusterAndMark groups near-duplicates across records and returns the
// resulting duplicate-state changes. Running it again over a snapshot that
// already carries those changes yields no updates.
func (e *Engine) ClusterAndMark(ctx context.Context, records []domain.TransactionRecord) (*ClusterResult, error) {
	return e.clusterAndMark(ctx, records, nil)
}

func (e *Engine) clusterAndMark(ctx context.Context, records []domain.TransactionRecord, apply ApplyFunc) (*ClusterResult, error) {
	start := time.Now()

	prepared, skipped, err := e.prepare(records)
	if err != nil {
		return nil, fmt.Errorf("ClusterAndMark: %w", err)
	}

	state := newAssignmentState(prepared)
	batches := chunk(prepared, e.cfg.BatchSize)
	result := &ClusterResult{
		Skipped:  skipped,
		Records:  len(prepared),
		Batches:  len(batches),
		Repaired: state.normalize(),
	}
	if result.Repaired > 0 {
		e.log.Warn().Int("records", result.Repaired).Msg("Repaired inconsistent duplicate state in snapshot")
	}

	finish := func() {
		result.Updates, result.NewlyMarked, result.Repointed, result.Cleared = state.emittedChanges()
		result.Duration = time.Since(start)
	}

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			finish()
			return result, err
		}

		groups, stats, err := e.clusterBatch(ctx, batch)
		if err != nil {
			finish()
			return result, fmt.Errorf("ClusterAndMark: batch %d: %w", i+1, err)
		}

		for j := range groups {
			groups[j].CanonicalID = state.applyGroup(groups[j])
		}
		bu := BatchUpdates{
			Index:   i,
			Total:   len(batches),
			Records: len(batch),
			Groups:  groups,
			Updates: state.flush(),
		}

		if apply != nil {
			if err := apply(ctx, bu); err != nil {
				finish()
				return result, fmt.Errorf("ClusterAndMark: applying batch %d: %w", i+1, err)
			}
		}

		result.Groups = append(result.Groups, groups...)
		result.Buckets += stats.buckets
		result.Comparisons += stats.comparisons

		e.log.Debug().
			Int("batch", i+1).
			Int("of", len(batches)).
			Int("records", len(batch)).
			Int("groups", len(groups)).
			Int("updates", len(bu.Updates)).
			Msg("Clustered batch")
	}

	finish()
	return result, nil
}

// prepare substitutes defaults, drops records without an id, rejects
// repeated ids and sorts by date, then id.
func (e *Engine) prepare(records []domain.TransactionRecord) ([]domain.TransactionRecord, int, error) {
	seen := make(map[string]struct{}, len(records))
	out := make([]domain.TransactionRecord, 0, len(records))
	skipped := 0

	for i, r := range records {
		r = sanitize(r)
		if r.ID == "" {
			skipped++
			e.log.Warn().Int("index", i).Msg("Skipping record without id")
			continue
		}
		if _, dup := seen[r.ID]; dup {
			return nil, skipped, fmt.Errorf("%w: %q", ErrDuplicateRecordID, r.ID)
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return recordLess(out[i], out[j]) })
	return out, skipped, nil
}

func chunk(records []domain.TransactionRecord, size int) [][]domain.TransactionRecord {
	var batches [][]domain.TransactionRecord
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}

type bucketKey struct {
	day  int64
	band int64
}

type batchStats struct {
	buckets     int
	comparisons int
}

type bucketResult struct {
	groups      []DuplicateGroup
	comparisons int
}

// clusterBatch clusters the buckets of one batch concurrently. Cancellation
// is checked before each bucket starts; a cancelled batch yields nothing.
func (e *Engine) clusterBatch(ctx context.Context, batch []domain.TransactionRecord) ([]DuplicateGroup, batchStats, error) {
	buckets := e.bucketize(batch)
	results := make([]bucketResult, len(buckets))

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)

	started := 0
	for i := range buckets {
		if ctx.Err() != nil {
			break
		}
		started++
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = e.clusterBucket(buckets[i])
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, batchStats{}, err
	}
	if started < len(buckets) {
		return nil, batchStats{}, ctx.Err()
	}

	stats := batchStats{buckets: len(buckets)}
	var groups []DuplicateGroup
	for _, r := range results {
		groups = append(groups, r.groups...)
		stats.comparisons += r.comparisons
	}
	return groups, stats, nil
}

// bucketize splits a sorted batch by (UTC day, rounded amount band). Buckets
// come back in key order with members still sorted.
func (e *Engine) bucketize(batch []domain.TransactionRecord) [][]domain.TransactionRecord {
	byKey := make(map[bucketKey][]domain.TransactionRecord)
	for _, r := range batch {
		key := bucketKey{
			day:  dayIndex(r.Date),
			band: r.Amount.Div(e.bucketWidth).Round(0).IntPart(),
		}
		byKey[key] = append(byKey[key], r)
	}

	keys := make([]bucketKey, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].day != keys[j].day {
			return keys[i].day < keys[j].day
		}
		return keys[i].band < keys[j].band
	})

	out := make([][]domain.TransactionRecord, len(keys))
	for i, k := range keys {
		out[i] = byKey[k]
	}
	return out
}

// clusterBucket finds connected components breadth-first. Two records are
// linked when their content is identical, when they meet the strict
// threshold, or when they meet the soft threshold within the date window.
func (e *Engine) clusterBucket(members []domain.TransactionRecord) bucketResult {
	var res bucketResult
	if len(members) < 2 {
		return res
	}

	fps := make([]string, len(members))
	for i, m := range members {
		fps[i] = Fingerprint(m)
	}

	visited := make(map[string]bool, len(members))
	for i := range members {
		if visited[members[i].ID] {
			continue
		}
		visited[members[i].ID] = true

		queue := []int{i}
		var component []domain.TransactionRecord
		for len(queue) > 0 {
			ci := queue[0]
			cur := members[ci]
			queue = queue[1:]
			component = append(component, cur)

			for j := range members {
				other := members[j]
				if visited[other.ID] {
					continue
				}
				res.comparisons++
				if fps[ci] == fps[j] || e.linked(cur, other) {
					visited[other.ID] = true
					queue = append(queue, j)
				}
			}
		}

		if len(component) > 1 {
			res.groups = append(res.groups, newGroup(component))
		}
	}
	return res
}

func (e *Engine) linked(a, b domain.TransactionRecord) bool {
	s := e.Score(a, b)
	if s.Overall >= e.cfg.SimilarityThreshold {
		return true
	}
	return s.Overall >= e.cfg.SoftSimilarityThreshold && dayDelta(a.Date, b.Date) <= int64(e.cfg.DateWindowDays)
}

func newGroup(component []domain.TransactionRecord) DuplicateGroup {
	sort.Slice(component, func(i, j int) bool { return recordLess(component[i], component[j]) })
	ids := make([]string, len(component))
	for i, r := range component {
		ids[i] = r.ID
	}
	return DuplicateGroup{CanonicalID: ids[0], MemberIDs: ids}
}
