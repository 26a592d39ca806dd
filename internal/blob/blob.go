// Package blob stores the raw bytes of uploaded documents.
package blob

import (
	"context"
	"fmt"

	"github.com/ericksa/contractlens/internal/config"
)

// Store keeps uploaded documents by key. Keys are opaque to callers.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// New builds the backend selected in cfg.
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Backend {
	case "fs", "":
		return NewFSStore(cfg.FS.BasePath)
	case "minio":
		s, err := NewMinIOStore(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported blob backend: %q", cfg.Backend)
	}
}
