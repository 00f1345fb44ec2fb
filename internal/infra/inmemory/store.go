package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/store"
)

var _ store.TransactionStore = (*TransactionStore)(nil)

// TransactionStore is an in-memory implementation of store.TransactionStore
// for tests and local runs.
type TransactionStore struct {
	mu      sync.RWMutex
	records map[string]domain.TransactionRecord
}

// NewTransactionStore creates an empty store.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		records: make(map[string]domain.TransactionRecord),
	}
}

// InsertRecords stores records. An id that already exists fails the whole
// call and nothing is stored.
func (s *TransactionStore) InsertRecords(ctx context.Context, records []domain.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("InsertRecords: record without id")
		}
		if _, exists := s.records[r.ID]; exists {
			return fmt.Errorf("InsertRecords: record %s already exists", r.ID)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("InsertRecords: record %s repeated in batch", r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	for _, r := range records {
		if !r.IsDuplicate {
			r.CanonicalID = ""
		}
		s.records[r.ID] = r
	}
	return nil
}

// ListRecords returns copies of the stored records within [start, end].
func (s *TransactionStore) ListRecords(ctx context.Context, start, end time.Time) ([]domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TransactionRecord
	for _, r := range s.records {
		if store.InRange(r.Date, start, end) {
			out = append(out, r)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ApplyDuplicateUpdates overwrites duplicate state of known records, then
// moves records that pointed at a newly demoted record to its canonical.
func (s *TransactionStore) ApplyDuplicateUpdates(ctx context.Context, updates []domain.DuplicateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := make(map[string]struct{}, len(updates))
	repoint := make(map[string]string)
	for _, u := range updates {
		r, ok := s.records[u.ID]
		if !ok {
			continue
		}
		updated[u.ID] = struct{}{}
		r.IsDuplicate = u.IsDuplicate
		r.CanonicalID = ""
		if u.IsDuplicate {
			r.CanonicalID = u.CanonicalID
			if u.CanonicalID != "" {
				repoint[u.ID] = u.CanonicalID
			}
		}
		s.records[u.ID] = r
	}

	for id, r := range s.records {
		if _, ok := updated[id]; ok || !r.IsDuplicate {
			continue
		}
		if root, ok := repoint[r.CanonicalID]; ok && root != id {
			r.CanonicalID = root
			s.records[id] = r
		}
	}
	return nil
}

// ExistingIDs returns the subset of ids that are stored.
func (s *TransactionStore) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[string]bool)
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			found[id] = true
		}
	}
	return found, nil
}

// Len returns the number of stored records.
func (s *TransactionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close is a no-op.
func (s *TransactionStore) Close() error {
	return nil
}
