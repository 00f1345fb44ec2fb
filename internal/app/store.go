// Package app wires the stores, ledger and storage shared by the binaries.
package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	infraBQ "github.com/dvloznov/finance-dedup/internal/infra/bigquery"
	"github.com/dvloznov/finance-dedup/internal/infra/inmemory"
	"github.com/dvloznov/finance-dedup/internal/infra/sqlite"
	"github.com/dvloznov/finance-dedup/internal/store"
)

// Store kinds accepted by OpenStore.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreBigQuery = "bigquery"
)

// DefaultSQLitePath is used when FT_SQLITE_PATH is not set.
const DefaultSQLitePath = "data/transactions.db"

// StoreConfig selects and configures the transaction store.
type StoreConfig struct {
	Kind       string
	SQLitePath string
	BQProject  string
	BQDataset  string
}

// StoreConfigFromEnv reads FT_STORE, FT_SQLITE_PATH, FT_BQ_PROJECT and FT_BQ_DATASET.
func StoreConfigFromEnv() StoreConfig {
	return StoreConfig{
		Kind:       envOr("FT_STORE", StoreSQLite),
		SQLitePath: envOr("FT_SQLITE_PATH", DefaultSQLitePath),
		BQProject:  os.Getenv("FT_BQ_PROJECT"),
		BQDataset:  envOr("FT_BQ_DATASET", infraBQ.DefaultDatasetID),
	}
}

// RegisterFlags binds the config to fs, using the current values as defaults.
func (c *StoreConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Kind, "store", c.Kind, "Transaction store: memory, sqlite or bigquery (or set FT_STORE env)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", c.SQLitePath, "SQLite database file (or set FT_SQLITE_PATH env)")
	fs.StringVar(&c.BQProject, "bq-project", c.BQProject, "BigQuery project ID (or set FT_BQ_PROJECT env)")
	fs.StringVar(&c.BQDataset, "bq-dataset", c.BQDataset, "BigQuery dataset ID (or set FT_BQ_DATASET env)")
}

// OpenStore opens the configured transaction store.
func OpenStore(ctx context.Context, cfg StoreConfig) (store.TransactionStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case StoreMemory:
		return inmemory.NewTransactionStore(), nil
	case StoreSQLite, "":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return s, nil
	case StoreBigQuery:
		if cfg.BQProject == "" {
			return nil, fmt.Errorf("OpenStore: bigquery store needs a project ID")
		}
		s, err := infraBQ.NewTransactionStore(ctx, cfg.BQProject, cfg.BQDataset)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("OpenStore: unknown store %q", cfg.Kind)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
