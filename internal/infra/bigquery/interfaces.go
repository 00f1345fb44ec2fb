package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/store"
)

const (
	DefaultDatasetID  = "finance"
	transactionsTable = "transactions"
	dateFormat        = "2006-01-02"
)

var _ store.TransactionStore = (*TransactionStore)(nil)

// TransactionStore is the BigQuery implementation of store.TransactionStore.
// It holds a shared BigQuery client to avoid creating a new connection for
// each operation.
type TransactionStore struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

// NewTransactionStore creates a store backed by projectID.datasetID.
func NewTransactionStore(ctx context.Context, projectID, datasetID string) (*TransactionStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("NewTransactionStore: project id is required")
	}
	if datasetID == "" {
		datasetID = DefaultDatasetID
	}
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewTransactionStore: creating client: %w", err)
	}
	return NewTransactionStoreWithClient(client, projectID, datasetID), nil
}

// NewTransactionStoreWithClient wraps an existing client. Close closes it.
func NewTransactionStoreWithClient(client *bigquery.Client, projectID, datasetID string) *TransactionStore {
	return &TransactionStore{client: client, projectID: projectID, datasetID: datasetID}
}

// Close closes the BigQuery client connection.
func (s *TransactionStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// InsertRecords delegates to InsertTransactionsWithClient.
func (s *TransactionStore) InsertRecords(ctx context.Context, records []domain.TransactionRecord) error {
	now := time.Now()
	rows := make([]*TransactionRow, len(records))
	for i, r := range records {
		rows[i] = rowFromRecord(r, now)
	}
	return InsertTransactionsWithClient(ctx, s.client, s.projectID, s.datasetID, rows)
}

// ListRecords delegates to QueryTransactionsByDateRangeWithClient.
func (s *TransactionStore) ListRecords(ctx context.Context, start, end time.Time) ([]domain.TransactionRecord, error) {
	rows, err := QueryTransactionsByDateRangeWithClient(ctx, s.client, s.projectID, s.datasetID, start, end)
	if err != nil {
		return nil, err
	}
	records := make([]domain.TransactionRecord, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRecord()
		if err != nil {
			return nil, fmt.Errorf("ListRecords: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}

// ApplyDuplicateUpdates delegates to UpdateDuplicateStateWithClient.
func (s *TransactionStore) ApplyDuplicateUpdates(ctx context.Context, updates []domain.DuplicateUpdate) error {
	return UpdateDuplicateStateWithClient(ctx, s.client, s.projectID, s.datasetID, updates)
}

// ExistingIDs delegates to ExistingTransactionIDsWithClient.
func (s *TransactionStore) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	return ExistingTransactionIDsWithClient(ctx, s.client, s.projectID, s.datasetID, ids)
}
