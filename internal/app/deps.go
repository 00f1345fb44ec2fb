package app

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-dedup/internal/dedup"
	"github.com/dvloznov/finance-dedup/internal/gcsuploader"
	"github.com/dvloznov/finance-dedup/internal/pipeline"
	"github.com/dvloznov/finance-dedup/internal/store"
	"github.com/rs/zerolog"
)

// Options configure NewDeps.
type Options struct {
	Store StoreConfig

	// DedupConfigPath is an optional YAML file of engine tunables.
	DedupConfigPath string

	// ReportBucket enables maintenance report archiving.
	ReportBucket string
}

// NewDeps opens the store and builds the ledger. The caller closes the
// returned store.
func NewDeps(ctx context.Context, opts Options, log zerolog.Logger) (pipeline.Deps, error) {
	st, err := OpenStore(ctx, opts.Store)
	if err != nil {
		return pipeline.Deps{}, err
	}
	deps, err := NewDepsWithStore(st, opts, log)
	if err != nil {
		st.Close()
		return pipeline.Deps{}, err
	}
	return deps, nil
}

// NewDepsWithStore builds the ledger around an already open store.
func NewDepsWithStore(st store.TransactionStore, opts Options, log zerolog.Logger) (pipeline.Deps, error) {
	cfg, err := dedup.LoadConfig(opts.DedupConfigPath)
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("NewDeps: %w", err)
	}
	ledger, err := dedup.NewLedger(cfg, log)
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("NewDeps: %w", err)
	}

	log.Debug().Str("store", opts.Store.Kind).Str("dedup_config", cfg.String()).Msg("Dependencies ready")

	return pipeline.Deps{
		Store:        st,
		Ledger:       ledger,
		Storage:      gcsuploader.NewGCSStorageService(),
		ReportBucket: opts.ReportBucket,
	}, nil
}
