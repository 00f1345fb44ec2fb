package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finance-dedup/internal/dedup"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/logger"
)

// ErrMissingDeps is returned when a pipeline is started without a store or ledger.
var ErrMissingDeps = errors.New("pipeline: store and ledger are required")

// IngestRecordsWithDeps ingests one record file (local path or gs:// URI).
// New records are stored with their duplicate state already decided. Ids
// that are already stored are skipped. With dryRun nothing is written.
func IngestRecordsWithDeps(ctx context.Context, deps Deps, source string, dryRun bool) (*IngestResult, error) {
	res, err := ingest(ctx, deps, &PipelineState{Source: source, DryRun: dryRun})
	if err != nil {
		return nil, fmt.Errorf("IngestRecordsWithDeps: %w", err)
	}
	return res, nil
}

// IngestFileWithDeps ingests record file contents that are already in
// memory, such as an HTTP request body. name is only used for reporting.
func IngestFileWithDeps(ctx context.Context, deps Deps, name string, data []byte, dryRun bool) (*IngestResult, error) {
	res, err := ingest(ctx, deps, &PipelineState{Source: name, RawFile: data, DryRun: dryRun})
	if err != nil {
		return nil, fmt.Errorf("IngestFileWithDeps: %w", err)
	}
	return res, nil
}

func ingest(ctx context.Context, deps Deps, state *PipelineState) (*IngestResult, error) {
	if deps.Store == nil || deps.Ledger == nil {
		return nil, ErrMissingDeps
	}
	log := logger.FromContext(ctx)
	log.Info().Str("source", state.Source).Bool("dry_run", state.DryRun).Msg("Starting ingestion")

	if err := NewIngestionPipeline(deps).Execute(ctx, state); err != nil {
		log.Error().Err(err).Str("source", state.Source).Msg("Ingestion failed")
		return nil, err
	}

	res := &IngestResult{
		Source:        state.Source,
		Total:         len(state.Records),
		DryRun:        state.DryRun,
		AlreadyStored: state.AlreadyStored,
		Decisions:     state.Decisions,
	}
	for _, d := range state.Decisions {
		if d.IsDuplicate {
			res.Duplicates++
		}
	}
	if !state.DryRun {
		res.Inserted = len(state.ToInsert)
	}

	log.Info().
		Str("source", state.Source).
		Int("total", res.Total).
		Int("inserted", res.Inserted).
		Int("duplicates", res.Duplicates).
		Int("already_stored", len(res.AlreadyStored)).
		Msg("Ingestion completed")
	return res, nil
}

// CheckRecordWithDeps decides record against the stored records within the
// date window without writing anything.
func CheckRecordWithDeps(ctx context.Context, deps Deps, record domain.TransactionRecord) (domain.Decision, error) {
	if deps.Store == nil || deps.Ledger == nil {
		return domain.Decision{}, ErrMissingDeps
	}

	var d domain.Decision
	err := deps.Ledger.WithInsertLock(func(v dedup.InsertView) error {
		state := &PipelineState{Records: []domain.TransactionRecord{record}}
		if err := (&LoadExistingStep{Deps: deps}).Execute(ctx, state); err != nil {
			return err
		}
		d = v.OnInsert(record, state.Existing)
		return nil
	})
	if err != nil {
		return domain.Decision{}, fmt.Errorf("CheckRecordWithDeps: %w", err)
	}
	return d, nil
}

// RunMaintenanceWithDeps re-clusters the stored records dated within
// [start, end] and applies the resulting duplicate-state changes batch by
// batch. Zero bounds leave that side open. With dryRun nothing is written
// to the store, though a report is still archived when configured.
//
// When the run fails part way, the returned result covers the batches
// already applied.
func RunMaintenanceWithDeps(ctx context.Context, deps Deps, start, end time.Time, dryRun bool) (*MaintenanceResult, error) {
	if deps.Store == nil || deps.Ledger == nil {
		return nil, ErrMissingDeps
	}
	log := logger.FromContext(ctx)
	log.Info().Time("start", start).Time("end", end).Bool("dry_run", dryRun).Msg("Starting maintenance")

	state := &PipelineState{Start: start, End: end, DryRun: dryRun}
	err := NewMaintenancePipeline(deps).Execute(ctx, state)
	res := maintenanceResult(state)
	if err != nil {
		log.Error().Err(err).Int("applied", res.Applied).Msg("Maintenance failed")
		return res, fmt.Errorf("RunMaintenanceWithDeps: %w", err)
	}

	log.Info().
		Int("records", len(state.Existing)).
		Int("applied", res.Applied).
		Str("report_uri", res.ReportURI).
		Msg("Maintenance completed")
	return res, nil
}

func maintenanceResult(state *PipelineState) *MaintenanceResult {
	return &MaintenanceResult{
		Start:     state.Start,
		End:       state.End,
		DryRun:    state.DryRun,
		Cluster:   state.Cluster,
		Applied:   state.Applied,
		ReportURI: state.ReportURI,
	}
}
