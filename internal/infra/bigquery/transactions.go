package bigquery

import (
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/shopspring/decimal"
)

// numericScale is the number of fractional digits of a BigQuery NUMERIC.
const numericScale = 9

type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED

	TransactionDate civil.Date `bigquery:"transaction_date"` // REQUIRED, partition column
	TransactionTS   time.Time  `bigquery:"transaction_ts"`   // REQUIRED

	Amount *big.Rat `bigquery:"amount"` // REQUIRED NUMERIC

	Description string `bigquery:"description"` // REQUIRED STRING
	Source      string `bigquery:"source"`      // NULLABLE in schema, empty when unknown

	Fingerprint            string              `bigquery:"fingerprint"`              // REQUIRED
	IsDuplicate            bool                `bigquery:"is_duplicate"`             // REQUIRED
	CanonicalTransactionID bigquery.NullString `bigquery:"canonical_transaction_id"` // NULLABLE

	CreatedTS time.Time              `bigquery:"created_ts"` // REQUIRED
	UpdatedTS bigquery.NullTimestamp `bigquery:"updated_ts"` // NULLABLE
}

// rowFromRecord converts a record for insertion. createdAt stamps created_ts.
func rowFromRecord(r domain.TransactionRecord, createdAt time.Time) *TransactionRow {
	return &TransactionRow{
		TransactionID:   r.ID,
		TransactionDate: civil.DateOf(r.Date.UTC()),
		TransactionTS:   r.Date.UTC(),
		Amount:          r.Amount.Rat(),
		Description:     r.Description,
		Source:          r.Source,
		Fingerprint:     r.Fingerprint,
		IsDuplicate:     r.IsDuplicate,
		CanonicalTransactionID: bigquery.NullString{
			StringVal: r.CanonicalID,
			Valid:     r.IsDuplicate && r.CanonicalID != "",
		},
		CreatedTS: createdAt.UTC(),
	}
}

// toRecord converts a stored row back into a record.
func (row *TransactionRow) toRecord() (domain.TransactionRecord, error) {
	amount := decimal.Zero
	if row.Amount != nil {
		var err error
		amount, err = decimal.NewFromString(row.Amount.FloatString(numericScale))
		if err != nil {
			return domain.TransactionRecord{}, fmt.Errorf("toRecord: amount of %s: %w", row.TransactionID, err)
		}
	}

	date := row.TransactionTS
	if date.IsZero() {
		date = row.TransactionDate.In(time.UTC)
	}

	r := domain.TransactionRecord{
		ID:          row.TransactionID,
		Date:        date.UTC(),
		Amount:      amount,
		Description: row.Description,
		Source:      row.Source,
		Fingerprint: row.Fingerprint,
		IsDuplicate: row.IsDuplicate,
	}
	if row.CanonicalTransactionID.Valid {
		r.CanonicalID = row.CanonicalTransactionID.StringVal
	}
	return r, nil
}

// duplicateUpdateParam is one element of the @updates array parameter.
type duplicateUpdateParam struct {
	ID          string `bigquery:"id"`
	IsDuplicate bool   `bigquery:"is_duplicate"`
	CanonicalID string `bigquery:"canonical_id"`
}

func updateParams(updates []domain.DuplicateUpdate) []duplicateUpdateParam {
	params := make([]duplicateUpdateParam, len(updates))
	for i, u := range updates {
		params[i] = duplicateUpdateParam{ID: u.ID, IsDuplicate: u.IsDuplicate}
		if u.IsDuplicate {
			params[i].CanonicalID = u.CanonicalID
		}
	}
	return params
}

// repointParams keeps the updates that demote a record to a duplicate of a
// named canonical. Their dependents must follow.
func repointParams(updates []domain.DuplicateUpdate) []duplicateUpdateParam {
	var params []duplicateUpdateParam
	for _, u := range updates {
		if u.IsDuplicate && u.CanonicalID != "" {
			params = append(params, duplicateUpdateParam{ID: u.ID, IsDuplicate: true, CanonicalID: u.CanonicalID})
		}
	}
	return params
}
