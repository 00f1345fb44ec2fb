// Package querycache caches record listings in front of a
// store.TransactionStore. Any write through the cache purges it, so a
// listing never outlives a change made by this process.
package querycache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/store"
)

// DefaultSize is the number of distinct date ranges kept.
const DefaultSize = 64

type rangeKey struct {
	start, end int64
}

func keyOf(start, end time.Time) rangeKey {
	var k rangeKey
	if !start.IsZero() {
		k.start = start.UnixNano()
	}
	if !end.IsZero() {
		k.end = end.UnixNano()
	}
	return k
}

// Stats counts cache lookups.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

// Store is a store.TransactionStore that caches ListRecords results.
type Store struct {
	next  store.TransactionStore
	cache *lru.Cache[rangeKey, []domain.TransactionRecord]

	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ store.TransactionStore = (*Store)(nil)

// New wraps next with a cache of size entries. A size <= 0 uses DefaultSize.
func New(next store.TransactionStore, size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[rangeKey, []domain.TransactionRecord](size)
	if err != nil {
		return nil, fmt.Errorf("querycache.New: %w", err)
	}
	return &Store{next: next, cache: cache}, nil
}

// ListRecords serves from the cache when possible. Callers get their own
// copy of the slice.
func (s *Store) ListRecords(ctx context.Context, start, end time.Time) ([]domain.TransactionRecord, error) {
	key := keyOf(start, end)
	if records, ok := s.cache.Get(key); ok {
		s.hits.Add(1)
		return clone(records), nil
	}
	s.misses.Add(1)

	records, err := s.next.ListRecords(ctx, start, end)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, clone(records))
	return records, nil
}

// ExistingIDs is never cached.
func (s *Store) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	return s.next.ExistingIDs(ctx, ids)
}

// InsertRecords writes through and purges the cache.
func (s *Store) InsertRecords(ctx context.Context, records []domain.TransactionRecord) error {
	defer s.Invalidate()
	return s.next.InsertRecords(ctx, records)
}

// ApplyDuplicateUpdates writes through and purges the cache.
func (s *Store) ApplyDuplicateUpdates(ctx context.Context, updates []domain.DuplicateUpdate) error {
	defer s.Invalidate()
	return s.next.ApplyDuplicateUpdates(ctx, updates)
}

// Invalidate drops every cached listing.
func (s *Store) Invalidate() {
	s.cache.Purge()
}

// Stats returns hit and miss counts since creation.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Size:   s.cache.Len(),
	}
}

// Close closes the wrapped store.
func (s *Store) Close() error {
	s.Invalidate()
	return s.next.Close()
}

func clone(records []domain.TransactionRecord) []domain.TransactionRecord {
	if records == nil {
		return nil
	}
	out := make([]domain.TransactionRecord, len(records))
	copy(out, records)
	return out
}
