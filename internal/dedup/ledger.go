package dedup

import (
	"context"
	"fmt"
	"sync"

	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/rs/zerolog"
)

// Ledger is the integration point between the engine and the ingestion
// layer. It never writes to a store: OnInsert returns decisions and the
// bulk operations return (or stream) duplicate-state updates.
//
// A bulk run holds the ledger exclusively; insert checks share it. Callers
// that run both against the same record set must use the same Ledger.
type Ledger struct {
	engine *Engine
	log    zerolog.Logger
	mu     sync.RWMutex
}

// NewLedger validates cfg and builds a Ledger around a new Engine.
func NewLedger(cfg Config, log zerolog.Logger) (*Ledger, error) {
	engine, err := New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("NewLedger: %w", err)
	}
	return &Ledger{engine: engine, log: engine.log}, nil
}

// Engine exposes the underlying engine for read-only use such as scoring.
func (l *Ledger) Engine() *Engine {
	return l.engine
}

// InsertView decides records while the ledger's shared lock is held. It is
// only valid inside the function passed to WithInsertLock.
type InsertView struct {
	l *Ledger
}

// BulkView runs maintenance while the ledger's exclusive lock is held. It is
// only valid inside the function passed to WithBulkLock.
type BulkView struct {
	l *Ledger
}

// WithInsertLock runs fn holding the shared lock. Callers read their
// snapshot, decide and persist inside fn so that no bulk run can change the
// store in between. Insert checks may run concurrently with each other.
func (l *Ledger) WithInsertLock(fn func(InsertView) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(InsertView{l: l})
}

// WithBulkLock runs fn holding the exclusive lock, from snapshot read to the
// last applied batch.
func (l *Ledger) WithBulkLock(fn func(BulkView) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(BulkView{l: l})
}

// OnInsert fingerprints record and checks it against existing.
func (l *Ledger) OnInsert(record domain.TransactionRecord, existing []domain.TransactionRecord) domain.Decision {
	var d domain.Decision
	_ = l.WithInsertLock(func(v InsertView) error {
		d = v.OnInsert(record, existing)
		return nil
	})
	return d
}

// OnInsertBatch decides records in order. Each record is checked against
// existing plus the records decided before it, so two copies of the same
// row in one import are caught. Decisions are returned in input order.
func (l *Ledger) OnInsertBatch(records []domain.TransactionRecord, existing []domain.TransactionRecord) []domain.Decision {
	var ds []domain.Decision
	_ = l.WithInsertLock(func(v InsertView) error {
		ds = v.OnInsertBatch(records, existing)
		return nil
	})
	return ds
}

// OnInsert is Ledger.OnInsert without taking the lock.
func (v InsertView) OnInsert(record domain.TransactionRecord, existing []domain.TransactionRecord) domain.Decision {
	decision := v.l.engine.DetectDuplicate(record, existing)
	v.l.logDecision(decision)
	return decision
}

// OnInsertBatch is Ledger.OnInsertBatch without taking the lock.
func (v InsertView) OnInsertBatch(records []domain.TransactionRecord, existing []domain.TransactionRecord) []domain.Decision {
	idx := v.l.engine.NewCandidateIndex(existing)
	decisions := make([]domain.Decision, 0, len(records))
	for _, r := range records {
		r = sanitize(r)
		d := v.l.engine.decide(r, idx.Candidates(r), idx.Lookup)
		v.l.logDecision(d)
		decisions = append(decisions, d)

		d.Apply(&r)
		idx.Add(r)
	}
	return decisions
}

func (l *Ledger) logDecision(d domain.Decision) {
	if !d.IsDuplicate {
		return
	}
	l.log.Debug().
		Str("record_id", d.RecordID).
		Str("canonical_id", d.CanonicalID).
		Str("match_type", string(d.MatchType)).
		Float64("confidence", d.Confidence).
		Int("compared", d.ComparedCount).
		Msg("Duplicate detected")
}

// OnBulkMaintenance clusters existing and returns the net duplicate-state
// changes. Records not included are left as they are.
func (l *Ledger) OnBulkMaintenance(ctx context.Context, existing []domain.TransactionRecord) ([]domain.DuplicateUpdate, error) {
	res, err := l.OnBulkMaintenanceBatches(ctx, existing, nil)
	if err != nil {
		return nil, err
	}
	return res.Updates, nil
}

// OnBulkMaintenanceBatches clusters existing and hands each batch's updates
// to apply as soon as the batch is complete. On cancellation the batches
// already applied stay valid and the returned result covers them.
func (l *Ledger) OnBulkMaintenanceBatches(ctx context.Context, existing []domain.TransactionRecord, apply ApplyFunc) (*ClusterResult, error) {
	var (
		res *ClusterResult
		err error
	)
	_ = l.WithBulkLock(func(v BulkView) error {
		res, err = v.OnBulkMaintenanceBatches(ctx, existing, apply)
		return nil
	})
	return res, err
}

// OnBulkMaintenanceBatches is Ledger.OnBulkMaintenanceBatches without
// taking the lock.
func (v BulkView) OnBulkMaintenanceBatches(ctx context.Context, existing []domain.TransactionRecord, apply ApplyFunc) (*ClusterResult, error) {
	l := v.l
	res, err := l.engine.clusterAndMark(ctx, existing, apply)
	if err != nil {
		return res, err
	}

	l.log.Info().
		Int("records", res.Records).
		Int("batches", res.Batches).
		Int("groups", len(res.Groups)).
		Int("newly_marked", res.NewlyMarked).
		Int("repointed", res.Repointed).
		Int("cleared", res.Cleared).
		Int("comparisons", res.Comparisons).
		Dur("duration", res.Duration).
		Msg("Bulk maintenance completed")
	return res, nil
}
