package jobs

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned by a JobStore for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeMaintenance re-clusters stored records and repairs their
	// duplicate state.
	JobTypeMaintenance JobType = "maintenance"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// DefaultMaxRetries is used when a published job does not set MaxRetries.
const DefaultMaxRetries = 3

// ParseStatus converts s into a JobStatus, reporting whether it is known.
func ParseStatus(s string) (JobStatus, bool) {
	switch st := JobStatus(s); st {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusRetrying:
		return st, true
	}
	return "", false
}

// MaintenanceSummary is what a finished maintenance job reports.
type MaintenanceSummary struct {
	Records     int    `json:"records"`
	Groups      int    `json:"groups"`
	Applied     int    `json:"applied"`
	NewlyMarked int    `json:"newly_marked"`
	Repointed   int    `json:"repointed"`
	Cleared     int    `json:"cleared"`
	Repaired    int    `json:"repaired"`
	ReportURI   string `json:"report_uri,omitempty"`
}

// MaintenanceJob represents a bulk maintenance run over stored records.
type MaintenanceJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// StartDate and EndDate bound the records by date (YYYY-MM-DD).
	// Empty leaves that side open.
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`

	// DryRun computes the changes without writing them.
	DryRun bool `json:"dry_run"`

	// Trigger names who asked for the run, e.g. "api" or "schedule".
	Trigger string `json:"trigger,omitempty"`

	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Summary is set once the job completes.
	Summary *MaintenanceSummary `json:"summary,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *MaintenanceJob) Clone() *MaintenanceJob {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Summary != nil {
		s := *j.Summary
		c.Summary = &s
	}
	return &c
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *MaintenanceJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *MaintenanceJob) GetType() JobType {
	return JobTypeMaintenance
}

// GetStatus implements the Job interface.
func (j *MaintenanceJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	// PublishMaintenance publishes a maintenance job.
	PublishMaintenance(ctx context.Context, job *MaintenanceJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler is a function that processes a job.
// It should return an error if the job failed and should be retried.
type JobHandler func(ctx context.Context, job Job) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *MaintenanceJob) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*MaintenanceJob, error)

	// ListJobs retrieves jobs, newest first, with optional filtering.
	ListJobs(ctx context.Context, filter JobFilter) ([]*MaintenanceJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
