package store

import (
	"context"
	"fmt"
	"strings"
)

const (
	LedgerBackendStore = "store"
	LedgerBackendRedis = "redis"
)

type Options struct {
	DatabaseURL   string
	LedgerBackend string
	Redis         RedisOptions
}

// Open creates a postgres-backed store when configured, otherwise in-memory.
// With the redis ledger backend, credit operations go to Redis instead.
func Open(ctx context.Context, opts Options) (Store, error) {
	var base Store
	if strings.TrimSpace(opts.DatabaseURL) == "" {
		base = NewInMemoryStore()
	} else {
		pg, err := NewPostgresStore(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		base = pg
	}

	switch strings.ToLower(strings.TrimSpace(opts.LedgerBackend)) {
	case "", LedgerBackendStore:
		return base, nil
	case LedgerBackendRedis:
		ledger, err := NewRedisLedger(ctx, opts.Redis)
		if err != nil {
			_ = base.Close()
			return nil, err
		}
		return &withLedger{Store: base, ledger: ledger}, nil
	default:
		_ = base.Close()
		return nil, fmt.Errorf("unknown ledger backend %q", opts.LedgerBackend)
	}
}
