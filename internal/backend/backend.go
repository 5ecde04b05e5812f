package backend

import (
	"context"
	"fmt"

	"github.com/lzyats/core-offline-go/internal/config"
	"github.com/lzyats/core-offline-go/internal/db"
	"github.com/lzyats/core-offline-go/pkg/offline"
	"github.com/lzyats/core-offline-go/pkg/store/bolt"
	"github.com/lzyats/core-offline-go/pkg/store/memory"
	redisstore "github.com/lzyats/core-offline-go/pkg/store/redis"
	"github.com/lzyats/core-offline-go/pkg/store/sqlkv"
	"github.com/lzyats/core-offline-go/pkg/store/storeiface"
)

// Cache is a store able to hold cache namespaces; every such backend also
// serves as a KV.
type Cache interface {
	storeiface.CacheStore
	storeiface.KV
}

func nop() error { return nil }

// OpenCache opens the namespace store named by cfg.Backend.
func OpenCache(cfg config.Store, rs offline.RedisSettings) (Cache, func() error, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nop, nil
	case "bolt":
		s, err := bolt.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt %s: %w", cfg.Path, err)
		}
		return s, s.Close, nil
	case "redis":
		s, err := redisstore.New(rs)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("store backend %q cannot hold cache namespaces", cfg.Backend)
}

// OpenKV opens the queue store named by cfg.Backend. SQL backends keep the
// queue in a single offline_kv table.
func OpenKV(ctx context.Context, cfg config.Store, rs offline.RedisSettings) (storeiface.KV, func() error, error) {
	switch cfg.Backend {
	case "mysql", "sqlite":
		d, err := db.Open(db.Options{
			Driver:       cfg.Backend,
			DSN:          cfg.DSN,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
			ConnMaxLife:  cfg.ConnMaxLife,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", cfg.Backend, err)
		}
		dialect, err := sqlkv.DialectFor(d.Driver)
		if err != nil {
			_ = d.Close()
			return nil, nil, err
		}
		s, err := sqlkv.New(ctx, d.DB, dialect)
		if err != nil {
			_ = d.Close()
			return nil, nil, err
		}
		return s, d.Close, nil
	}
	return OpenCache(cfg, rs)
}
