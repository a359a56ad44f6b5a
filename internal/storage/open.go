package storage

import (
	"fmt"

	"github.com/crowdsieve/crowdsieve/internal/config"
)

// Open constructs the configured backend behind the uniform Store
// interface, so callers never branch on storage.type themselves.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "embedded", "":
		return NewSQLiteStore(cfg.Path)
	case "relational":
		return NewPostgresStore(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
