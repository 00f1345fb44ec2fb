package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/store"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	transaction_id           TEXT PRIMARY KEY,
	transaction_date         TEXT NOT NULL,
	transaction_ts           TEXT NOT NULL,
	amount                   TEXT NOT NULL,
	description              TEXT NOT NULL DEFAULT '',
	source                   TEXT NOT NULL DEFAULT '',
	fingerprint              TEXT NOT NULL DEFAULT '',
	is_duplicate             INTEGER NOT NULL DEFAULT 0,
	canonical_transaction_id TEXT,
	created_at               TEXT NOT NULL,
	updated_at               TEXT
);
CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(transaction_date);
CREATE INDEX IF NOT EXISTS idx_transactions_canonical ON transactions(canonical_transaction_id);
`

const (
	dateFormat = "2006-01-02"
	// Fixed width keeps lexical order equal to time order.
	tsFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

var _ store.TransactionStore = (*Store)(nil)

// Store is a store.TransactionStore backed by a local SQLite file.
type Store struct {
	db *sql.DB
}

// New opens (and if needed creates) the database at path.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite.New: creating directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("sqlite.New: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite.New: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite.New: initializing schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertRecords inserts records in one transaction. An id that already
// exists fails the whole call.
func (s *Store) InsertRecords(ctx context.Context, records []domain.TransactionRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("InsertRecords: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (
			transaction_id, transaction_date, transaction_ts, amount,
			description, source, fingerprint, is_duplicate,
			canonical_transaction_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("InsertRecords: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(tsFormat)
	for _, r := range records {
		var canonical sql.NullString
		if r.IsDuplicate && r.CanonicalID != "" {
			canonical = sql.NullString{String: r.CanonicalID, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			r.ID,
			r.Date.UTC().Format(dateFormat),
			r.Date.UTC().Format(tsFormat),
			r.Amount.String(),
			r.Description,
			r.Source,
			r.Fingerprint,
			r.IsDuplicate,
			canonical,
			now,
		)
		if err != nil {
			return fmt.Errorf("InsertRecords: inserting %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("InsertRecords: commit: %w", err)
	}
	return nil
}

// ListRecords returns records with a transaction date within [start, end].
func (s *Store) ListRecords(ctx context.Context, start, end time.Time) ([]domain.TransactionRecord, error) {
	start, end = store.Bounds(start, end)

	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, transaction_ts, amount, description, source,
		       fingerprint, is_duplicate, canonical_transaction_id
		FROM transactions
		WHERE transaction_date >= ? AND transaction_date <= ?
		ORDER BY transaction_ts, transaction_id
	`, start.UTC().Format(dateFormat), end.UTC().Format(dateFormat))
	if err != nil {
		return nil, fmt.Errorf("ListRecords: query: %w", err)
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		var (
			r         domain.TransactionRecord
			ts        string
			amount    string
			canonical sql.NullString
		)
		if err := rows.Scan(&r.ID, &ts, &amount, &r.Description, &r.Source, &r.Fingerprint, &r.IsDuplicate, &canonical); err != nil {
			return nil, fmt.Errorf("ListRecords: scan: %w", err)
		}
		if r.Date, err = time.Parse(tsFormat, ts); err != nil {
			return nil, fmt.Errorf("ListRecords: date of %s: %w", r.ID, err)
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ListRecords: amount of %s: %w", r.ID, err)
		}
		if canonical.Valid {
			r.CanonicalID = canonical.String
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListRecords: rows: %w", err)
	}
	return records, nil
}

// ApplyDuplicateUpdates applies updates in one transaction. Records that
// pointed at a record the updates demote are moved to its new canonical in
// the same transaction.
func (s *Store) ApplyDuplicateUpdates(ctx context.Context, updates []domain.DuplicateUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ApplyDuplicateUpdates: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE transactions
		SET is_duplicate = ?, canonical_transaction_id = ?, updated_at = ?
		WHERE transaction_id = ?
	`)
	if err != nil {
		return fmt.Errorf("ApplyDuplicateUpdates: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(tsFormat)
	for _, u := range updates {
		var canonical sql.NullString
		if u.IsDuplicate && u.CanonicalID != "" {
			canonical = sql.NullString{String: u.CanonicalID, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, u.IsDuplicate, canonical, now, u.ID); err != nil {
			return fmt.Errorf("ApplyDuplicateUpdates: updating %s: %w", u.ID, err)
		}
	}

	repoint, err := tx.PrepareContext(ctx, `
		UPDATE transactions
		SET canonical_transaction_id = ?, updated_at = ?
		WHERE canonical_transaction_id = ? AND is_duplicate = 1 AND transaction_id != ?
	`)
	if err != nil {
		return fmt.Errorf("ApplyDuplicateUpdates: prepare repoint: %w", err)
	}
	defer repoint.Close()

	for _, u := range updates {
		if !u.IsDuplicate || u.CanonicalID == "" {
			continue
		}
		if _, err := repoint.ExecContext(ctx, u.CanonicalID, now, u.ID, u.CanonicalID); err != nil {
			return fmt.Errorf("ApplyDuplicateUpdates: repointing dependents of %s: %w", u.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ApplyDuplicateUpdates: commit: %w", err)
	}
	return nil
}

// existingIDsChunk stays well below SQLite's bound-parameter limit.
const existingIDsChunk = 500

// ExistingIDs returns the subset of ids that are stored.
func (s *Store) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool)
	for start := 0; start < len(ids); start += existingIDsChunk {
		end := start + existingIDsChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		rows, err := s.db.QueryContext(ctx,
			`SELECT transaction_id FROM transactions WHERE transaction_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("ExistingIDs: query: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("ExistingIDs: scan: %w", err)
			}
			found[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("ExistingIDs: rows: %w", err)
		}
	}
	return found, nil
}
