package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/your-org/facerec/internal/config"
)

// Open builds the blob backend selected by cfg.Store.Backend. A local backend
// holds the data-dir lock until Close.
func Open(ctx context.Context, cfg *config.Config) (BlobStore, error) {
	switch cfg.Store.Backend {
	case config.BackendLocal:
		return NewLocalStore(cfg.Store.DataDir)
	case config.BackendMinIO:
		s, err := NewMinIOStore(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Close releases b if the backend holds resources.
func Close(b BlobStore) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
