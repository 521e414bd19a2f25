package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("key not found")

// KV is a durable slot per key. Values are replaced whole on every Put.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

type Config struct {
	Backend     string
	Dir         string
	SQLitePath  string
	DatabaseURL string
}

// New opens the backend named by cfg.Backend.
func New(ctx context.Context, cfg Config) (KV, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(cfg.Dir)
	case "sqlite":
		return NewSQLite(ctx, cfg.SQLitePath)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func validKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage key is required")
	}
	return key, nil
}
