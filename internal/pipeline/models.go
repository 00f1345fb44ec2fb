package pipeline

import (
	"time"

	"github.com/dvloznov/finance-dedup/internal/dedup"
	"github.com/dvloznov/finance-dedup/internal/domain"
)

// IngestResult summarizes one ingestion run.
type IngestResult struct {
	Source     string `json:"source"`
	Total      int    `json:"total"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	DryRun     bool   `json:"dry_run"`

	// AlreadyStored lists ids that were present in the store and skipped.
	AlreadyStored []string          `json:"already_stored,omitempty"`
	Decisions     []domain.Decision `json:"decisions"`
}

// MaintenanceResult summarizes one maintenance run.
type MaintenanceResult struct {
	Start     time.Time            `json:"start"`
	End       time.Time            `json:"end"`
	DryRun    bool                 `json:"dry_run"`
	Cluster   *dedup.ClusterResult `json:"cluster"`
	Applied   int                  `json:"applied"`
	ReportURI string               `json:"report_uri,omitempty"`
}
