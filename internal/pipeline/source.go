package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/dvloznov/finance-dedup/internal/gcsuploader"
)

// loadSource reads a record file from a local path or a gs:// URI.
func loadSource(ctx context.Context, storage StorageService, source string) ([]byte, error) {
	if gcsuploader.IsGCSURI(source) {
		if storage == nil {
			return nil, fmt.Errorf("loadSource: no storage service configured for %q", source)
		}
		data, err := storage.FetchFromGCS(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("loadSource: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("loadSource: %w", err)
	}
	return data, nil
}
