// Package storage provides the DurableStore backends: in-memory, one JSON
// file per key, and a SQLite key-value table.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"clawremote/internal/domain"
	"clawremote/internal/infra/config"
)

// Store is a DurableStore that owns resources.
type Store interface {
	domain.DurableStore
	Close() error
}

// Open builds the backend named by cfg. An empty backend selects the
// platform default.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = defaultBackend
	}

	if backend != "memory" {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	var (
		s   Store
		err error
	)
	switch backend {
	case "memory":
		s = NewMemoryStore()
	case "file":
		s, err = NewFileStore(cfg.Path)
	case "sqlite":
		s, err = openSQLite(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
	if err != nil {
		return nil, err
	}
	logger.Debug("durable store opened", "backend", backend, "path", cfg.Path)
	return s, nil
}

func storageErr(op, key string, err error) error {
	return fmt.Errorf("%s %q: %w: %w", op, key, domain.ErrStorage, err)
}
