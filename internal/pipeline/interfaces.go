package pipeline

import (
	"context"

	"github.com/dvloznov/finance-dedup/internal/dedup"
	"github.com/dvloznov/finance-dedup/internal/store"
)

// StorageService is the subset of gcs.StorageService the pipelines use.
type StorageService interface {
	FetchFromGCS(ctx context.Context, gcsURI string) ([]byte, error)
	UploadBytes(ctx context.Context, bucketName, objectName, contentType string, data []byte) error
}

// Deps bundles the collaborators of both pipelines.
type Deps struct {
	Store  store.TransactionStore
	Ledger *dedup.Ledger

	// Storage is required to read gs:// sources and to archive reports.
	Storage StorageService

	// ReportBucket enables report archiving when set.
	ReportBucket string
}
