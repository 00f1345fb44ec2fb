// Package dedup detects and reconciles duplicate transaction records.
//
// Records imported from different sources (bank exports, API pulls) often
// describe the same economic event with small differences in formatting,
// posting date or description text. The package offers two entry points:
//
//   - Insert path: Ledger.OnInsert checks one incoming record against the
//     existing set and returns an immutable domain.Decision. Exact content
//     matches (same fingerprint) win immediately; otherwise the best fuzzy
//     candidate is accepted when its similarity reaches SimilarityThreshold.
//
//   - Maintenance path: Ledger.OnBulkMaintenance clusters an entire snapshot
//     into duplicate groups. Records are sorted, cut into batches, split into
//     (day, amount band) buckets and each bucket is traversed breadth-first
//     over a two-tier similarity relation. The earliest record of a group
//     (lowest id on ties) becomes its canonical record.
//
// The engine performs no I/O. Persisting decisions and updates is up to the
// caller; see internal/pipeline for the ingestion and maintenance flows.
//
// Example usage:
//
//	ledger, err := dedup.NewLedger(dedup.DefaultConfig(), log)
//	if err != nil {
//	    return err
//	}
//	decision := ledger.OnInsert(record, existing)
//	decision.Apply(&record)
package dedup
