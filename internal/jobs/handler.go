package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/dvloznov/finance-dedup/internal/pipeline"
)

// DateLayout is the format of MaintenanceJob.StartDate and EndDate.
const DateLayout = "2006-01-02"

// ParseDateRange parses optional YYYY-MM-DD bounds. Empty strings give zero times.
func ParseDateRange(start, end string) (time.Time, time.Time, error) {
	var s, e time.Time
	var err error
	if start != "" {
		if s, err = time.Parse(DateLayout, start); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q: %w", start, err)
		}
	}
	if end != "" {
		if e, err = time.Parse(DateLayout, end); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q: %w", end, err)
		}
	}
	if !s.IsZero() && !e.IsZero() && e.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s is before start date %s", end, start)
	}
	return s, e, nil
}

// NewMaintenanceHandler returns a JobHandler that runs the maintenance
// pipeline for each MaintenanceJob and records its summary on the job.
func NewMaintenanceHandler(deps pipeline.Deps) JobHandler {
	return func(ctx context.Context, job Job) error {
		mj, ok := job.(*MaintenanceJob)
		if !ok {
			return fmt.Errorf("maintenance handler: unsupported job type %q", job.GetType())
		}

		log := logger.FromContext(ctx).With().Str("job_id", mj.JobID).Logger()
		ctx = logger.WithContext(ctx, log)

		start, end, err := ParseDateRange(mj.StartDate, mj.EndDate)
		if err != nil {
			return fmt.Errorf("maintenance handler: %w", err)
		}

		res, err := pipeline.RunMaintenanceWithDeps(ctx, deps, start, end, mj.DryRun)
		if res != nil {
			mj.Summary = summarize(res)
		}
		if err != nil {
			return fmt.Errorf("maintenance handler: %w", err)
		}
		return nil
	}
}

func summarize(res *pipeline.MaintenanceResult) *MaintenanceSummary {
	s := &MaintenanceSummary{
		Applied:   res.Applied,
		ReportURI: res.ReportURI,
	}
	if c := res.Cluster; c != nil {
		s.Records = c.Records
		s.Groups = len(c.Groups)
		s.NewlyMarked = c.NewlyMarked
		s.Repointed = c.Repointed
		s.Cleared = c.Cleared
		s.Repaired = c.Repaired
	}
	return s
}
