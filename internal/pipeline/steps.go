package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvloznov/finance-dedup/internal/dedup"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/google/uuid"
)

// PipelineStep represents a single step in a pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	Source string
	DryRun bool

	// Start and End bound the maintenance snapshot. Zero means open.
	Start time.Time
	End   time.Time

	RawFile  []byte
	Records  []domain.TransactionRecord
	Existing []domain.TransactionRecord

	// ToInsert holds the new records with their decisions applied.
	ToInsert      []domain.TransactionRecord
	AlreadyStored []string
	Decisions     []domain.Decision

	Cluster   *dedup.ClusterResult
	Applied   int
	ReportURI string

	// Set while InsertLockedStep or BulkLockedStep holds the ledger.
	insertView *dedup.InsertView
	bulkView   *dedup.BulkView
}

// InsertLockedStep runs Steps while holding the ledger's shared lock, so
// the snapshot they read is still current when they insert.
type InsertLockedStep struct {
	Ledger *dedup.Ledger
	Steps  []PipelineStep
}

func (s *InsertLockedStep) Execute(ctx context.Context, state *PipelineState) error {
	return s.Ledger.WithInsertLock(func(v dedup.InsertView) error {
		state.insertView = &v
		defer func() { state.insertView = nil }()
		return NewPipeline(s.Steps...).Execute(ctx, state)
	})
}

// BulkLockedStep runs Steps while holding the ledger exclusively, from
// snapshot read to the last applied batch.
type BulkLockedStep struct {
	Ledger *dedup.Ledger
	Steps  []PipelineStep
}

func (s *BulkLockedStep) Execute(ctx context.Context, state *PipelineState) error {
	return s.Ledger.WithBulkLock(func(v dedup.BulkView) error {
		state.bulkView = &v
		defer func() { state.bulkView = nil }()
		return NewPipeline(s.Steps...).Execute(ctx, state)
	})
}

// LoadSourceStep reads the record file unless its contents are already set.
type LoadSourceStep struct {
	Storage StorageService
}

func (s *LoadSourceStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.RawFile != nil {
		return nil
	}
	data, err := loadSource(ctx, s.Storage, state.Source)
	if err != nil {
		return err
	}
	state.RawFile = data
	return nil
}

// TransformRecordsStep decodes the record file into records.
type TransformRecordsStep struct{}

func (s *TransformRecordsStep) Execute(ctx context.Context, state *PipelineState) error {
	raw, err := decodeRecordFile(state.RawFile)
	if err != nil {
		return err
	}
	records, err := transformRecordFile(raw)
	if err != nil {
		return err
	}
	state.Records = records
	return nil
}

// ValidateRecordsStep rejects files with missing or repeated ids.
type ValidateRecordsStep struct{}

func (s *ValidateRecordsStep) Execute(ctx context.Context, state *PipelineState) error {
	return ValidateRecords(state.Records)
}

// LoadExistingStep loads the stored records that can match the new ones:
// everything within the date window around the file's date range.
type LoadExistingStep struct {
	Deps Deps
}

func (s *LoadExistingStep) Execute(ctx context.Context, state *PipelineState) error {
	if len(state.Records) == 0 {
		return nil
	}

	minDate, maxDate := state.Records[0].Date, state.Records[0].Date
	for _, r := range state.Records[1:] {
		if r.Date.Before(minDate) {
			minDate = r.Date
		}
		if r.Date.After(maxDate) {
			maxDate = r.Date
		}
	}
	window := s.Deps.Ledger.Engine().Config().DateWindowDays
	start := minDate.UTC().AddDate(0, 0, -window)
	end := maxDate.UTC().AddDate(0, 0, window)

	existing, err := s.Deps.Store.ListRecords(ctx, start, end)
	if err != nil {
		return fmt.Errorf("LoadExistingStep: %w", err)
	}
	state.Existing = existing
	return nil
}

// DetectDuplicatesStep decides every new record against the stored ones
// and against the records earlier in the same file.
type DetectDuplicatesStep struct {
	Deps Deps
}

func (s *DetectDuplicatesStep) Execute(ctx context.Context, state *PipelineState) error {
	ids := make([]string, len(state.Records))
	for i, r := range state.Records {
		ids[i] = r.ID
	}
	stored, err := s.Deps.Store.ExistingIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("DetectDuplicatesStep: %w", err)
	}

	fresh := make([]domain.TransactionRecord, 0, len(state.Records))
	for _, r := range state.Records {
		if stored[r.ID] {
			state.AlreadyStored = append(state.AlreadyStored, r.ID)
			continue
		}
		fresh = append(fresh, r)
	}

	var decisions []domain.Decision
	if state.insertView != nil {
		decisions = state.insertView.OnInsertBatch(fresh, state.Existing)
	} else {
		decisions = s.Deps.Ledger.OnInsertBatch(fresh, state.Existing)
	}
	for i := range fresh {
		decisions[i].Apply(&fresh[i])
	}
	state.ToInsert = fresh
	state.Decisions = decisions
	return nil
}

// InsertRecordsStep stores the decided records.
type InsertRecordsStep struct {
	Deps Deps
}

func (s *InsertRecordsStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.DryRun || len(state.ToInsert) == 0 {
		return nil
	}
	if err := s.Deps.Store.InsertRecords(ctx, state.ToInsert); err != nil {
		return fmt.Errorf("InsertRecordsStep: %w", err)
	}
	return nil
}

// LoadSnapshotStep loads the records a maintenance run covers.
type LoadSnapshotStep struct {
	Deps Deps
}

func (s *LoadSnapshotStep) Execute(ctx context.Context, state *PipelineState) error {
	records, err := s.Deps.Store.ListRecords(ctx, state.Start, state.End)
	if err != nil {
		return fmt.Errorf("LoadSnapshotStep: %w", err)
	}
	state.Existing = records
	return nil
}

// ClusterStep clusters the snapshot and writes each batch's updates as soon
// as the batch completes.
type ClusterStep struct {
	Deps Deps
}

func (s *ClusterStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)

	apply := func(ctx context.Context, batch dedup.BatchUpdates) error {
		log.Debug().
			Int("batch", batch.Index+1).
			Int("of", batch.Total).
			Int("records", batch.Records).
			Int("updates", len(batch.Updates)).
			Msg("Batch clustered")

		if state.DryRun || len(batch.Updates) == 0 {
			return nil
		}
		if err := s.Deps.Store.ApplyDuplicateUpdates(ctx, batch.Updates); err != nil {
			return fmt.Errorf("batch %d: %w", batch.Index+1, err)
		}
		state.Applied += len(batch.Updates)
		return nil
	}

	var (
		res *dedup.ClusterResult
		err error
	)
	if state.bulkView != nil {
		res, err = state.bulkView.OnBulkMaintenanceBatches(ctx, state.Existing, apply)
	} else {
		res, err = s.Deps.Ledger.OnBulkMaintenanceBatches(ctx, state.Existing, apply)
	}
	state.Cluster = res
	if err != nil {
		return fmt.Errorf("ClusterStep: %w", err)
	}
	return nil
}

// ArchiveReportStep uploads the maintenance summary as JSON when a report
// bucket is configured.
type ArchiveReportStep struct {
	Deps Deps
	Now  func() time.Time
}

func (s *ArchiveReportStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Deps.ReportBucket == "" || s.Deps.Storage == nil {
		return nil
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	objectName := fmt.Sprintf("%s/%s/%s.json", DefaultReportPrefix, now().UTC().Format("2006-01-02"), uuid.NewString())

	report := maintenanceResult(state)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("ArchiveReportStep: marshal: %w", err)
	}
	if err := s.Deps.Storage.UploadBytes(ctx, s.Deps.ReportBucket, objectName, ReportContentType, data); err != nil {
		return fmt.Errorf("ArchiveReportStep: %w", err)
	}

	state.ReportURI = fmt.Sprintf("gs://%s/%s", s.Deps.ReportBucket, objectName)
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// ValidationSteps is the number of leading ingestion steps that only read
// and check the input. A failure within them is the caller's fault.
const ValidationSteps = 3

// StepError reports which step (1-based) of a pipeline failed.
type StepError struct {
	Step int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline step %d failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Execute runs all steps in the pipeline sequentially, stopping at the
// first failure.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: i + 1, Err: err}
		}
		if err := step.Execute(ctx, state); err != nil {
			return &StepError{Step: i + 1, Err: err}
		}
	}
	return nil
}

// NewIngestionPipeline creates the pipeline that loads a record file,
// decides duplicates and stores the new records. Loading the existing
// records, deciding and inserting run as one step under the ledger's
// shared lock.
func NewIngestionPipeline(deps Deps) *Pipeline {
	return NewPipeline(
		&LoadSourceStep{Storage: deps.Storage},
		&TransformRecordsStep{},
		&ValidateRecordsStep{},
		&InsertLockedStep{
			Ledger: deps.Ledger,
			Steps: []PipelineStep{
				&LoadExistingStep{Deps: deps},
				&DetectDuplicatesStep{Deps: deps},
				&InsertRecordsStep{Deps: deps},
			},
		},
	)
}

// NewMaintenancePipeline creates the pipeline that re-clusters stored
// records and archives a report of the run.
func NewMaintenancePipeline(deps Deps) *Pipeline {
	return NewPipeline(
		&BulkLockedStep{
			Ledger: deps.Ledger,
			Steps: []PipelineStep{
				&LoadSnapshotStep{Deps: deps},
				&ClusterStep{Deps: deps},
			},
		},
		&ArchiveReportStep{Deps: deps},
	)
}
