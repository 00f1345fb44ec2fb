package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/store"
	"google.golang.org/api/iterator"
)

// updateChunkSize bounds the size of the @updates array in one DML statement.
const updateChunkSize = 1000

func tableRef(projectID, datasetID, table string) string {
	return "`" + projectID + "." + datasetID + "." + table + "`"
}

// InsertTransactionsWithClient streams rows into the transactions table.
// Streamed rows are not visible to DML until the streaming buffer flushes,
// so duplicate state must be decided before insertion.
func InsertTransactionsWithClient(ctx context.Context, client *bigquery.Client, projectID, datasetID string, rows []*TransactionRow) error {
	if len(rows) == 0 {
		return nil
	}

	table := client.DatasetInProject(projectID, datasetID).Table(transactionsTable)
	inserter := table.Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("InsertTransactions: inserting rows: %w", err)
	}

	return nil
}

// QueryTransactionsByDateRangeWithClient queries transactions whose
// transaction_date is within [startDate, endDate]. Zero bounds are open.
func QueryTransactionsByDateRangeWithClient(ctx context.Context, client *bigquery.Client, projectID, datasetID string, startDate, endDate time.Time) ([]*TransactionRow, error) {
	startDate, endDate = store.Bounds(startDate, endDate)

	q := client.Query(`
		SELECT
			transaction_id,
			transaction_date,
			transaction_ts,
			amount,
			description,
			source,
			fingerprint,
			is_duplicate,
			canonical_transaction_id,
			created_ts,
			updated_ts
		FROM ` + tableRef(projectID, datasetID, transactionsTable) + `
		WHERE transaction_date >= @start_date
		  AND transaction_date <= @end_date
		ORDER BY transaction_ts, transaction_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "start_date", Value: startDate.UTC().Format(dateFormat)},
		{Name: "end_date", Value: endDate.UTC().Format(dateFormat)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QueryTransactionsByDateRange: query read: %w", err)
	}

	var rows []*TransactionRow
	for {
		var r TransactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QueryTransactionsByDateRange: iter next: %w", err)
		}
		rows = append(rows, &r)
	}

	return rows, nil
}

// UpdateDuplicateStateWithClient applies duplicate-state updates with one
// UPDATE ... FROM UNNEST statement per chunk, then moves records that
// pointed at a newly demoted record to its canonical.
func UpdateDuplicateStateWithClient(ctx context.Context, client *bigquery.Client, projectID, datasetID string, updates []domain.DuplicateUpdate) error {
	table := tableRef(projectID, datasetID, transactionsTable)
	for start := 0; start < len(updates); start += updateChunkSize {
		end := start + updateChunkSize
		if end > len(updates) {
			end = len(updates)
		}
		chunk := updates[start:end]

		q := client.Query(`
			UPDATE ` + table + ` t
			SET is_duplicate = u.is_duplicate,
			    canonical_transaction_id = NULLIF(u.canonical_id, ''),
			    updated_ts = CURRENT_TIMESTAMP()
			FROM UNNEST(@updates) u
			WHERE t.transaction_id = u.id
		`)
		q.Parameters = []bigquery.QueryParameter{
			{Name: "updates", Value: updateParams(chunk)},
		}
		if err := runDML(ctx, q); err != nil {
			return fmt.Errorf("UpdateDuplicateState: rows %d-%d: %w", start, end, err)
		}

		demoted := repointParams(chunk)
		if len(demoted) == 0 {
			continue
		}
		q = client.Query(`
			UPDATE ` + table + ` t
			SET canonical_transaction_id = u.canonical_id,
			    updated_ts = CURRENT_TIMESTAMP()
			FROM UNNEST(@demoted) u
			WHERE t.is_duplicate
			  AND t.canonical_transaction_id = u.id
			  AND t.transaction_id != u.canonical_id
		`)
		q.Parameters = []bigquery.QueryParameter{
			{Name: "demoted", Value: demoted},
		}
		if err := runDML(ctx, q); err != nil {
			return fmt.Errorf("UpdateDuplicateState: repointing rows %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// ExistingTransactionIDsWithClient returns the subset of ids present in the
// transactions table.
func ExistingTransactionIDsWithClient(ctx context.Context, client *bigquery.Client, projectID, datasetID string, ids []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(ids) == 0 {
		return found, nil
	}

	q := client.Query(`
		SELECT DISTINCT transaction_id
		FROM ` + tableRef(projectID, datasetID, transactionsTable) + `
		WHERE transaction_id IN UNNEST(@ids)
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "ids", Value: ids},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ExistingTransactionIDs: query read: %w", err)
	}
	for {
		var row struct {
			TransactionID string `bigquery:"transaction_id"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ExistingTransactionIDs: iter next: %w", err)
		}
		found[row.TransactionID] = true
	}
	return found, nil
}
