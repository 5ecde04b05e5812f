package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/lzyats/core-offline-go/pkg/offline"
)

const (
	cacheBucket = "cache"
	kvBucket    = "kv"
)

// Store provides a BoltDB-backed cache store and KV. Every cache namespace
// is a sub-bucket of the cache bucket, so rotating a namespace is a single
// bucket delete.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Open(ctx context.Context, ns string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ns == "" {
		return offline.ErrInvalidArgument
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := root(tx).CreateBucketIfNotExists([]byte(ns))
		return err
	})
}

func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return root(tx).ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket
				out = append(out, string(k))
			}
			return nil
		})
	})
	sort.Strings(out)
	return out, err
}

func (s *Store) DeleteNamespace(ctx context.Context, ns string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	deleted := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		r := root(tx)
		if r.Bucket([]byte(ns)) == nil {
			return nil
		}
		deleted = true
		return r.DeleteBucket([]byte(ns))
	})
	return deleted, err
}

func (s *Store) Match(ctx context.Context, ns, key string) (offline.CachedEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return offline.CachedEntry{}, false, err
	}
	var (
		entry offline.CachedEntry
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := root(tx).Bucket([]byte(ns))
		if b == nil {
			return nil
		}
		payload := b.Get([]byte(key))
		if payload == nil {
			return nil
		}
		if err := json.Unmarshal(payload, &entry); err != nil {
			return fmt.Errorf("unmarshal cache entry: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return offline.CachedEntry{}, false, err
	}
	return entry, found, nil
}

func (s *Store) Put(ctx context.Context, ns, key string, e offline.CachedEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := root(tx).Bucket([]byte(ns))
		if b == nil {
			return offline.ErrNamespaceNotFound
		}
		return b.Put([]byte(key), payload)
	})
}

func (s *Store) PutAll(ctx context.Context, ns string, entries map[string]offline.CachedEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ns == "" {
		return offline.ErrInvalidArgument
	}
	payloads := make(map[string][]byte, len(entries))
	for k, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal cache entry %s: %w", k, err)
		}
		payloads[k] = b
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := root(tx).CreateBucketIfNotExists([]byte(ns))
		if err != nil {
			return fmt.Errorf("create namespace bucket: %w", err)
		}
		for k, p := range payloads {
			if err := b.Put([]byte(k), p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Keys(ctx context.Context, ns string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := root(tx).Bucket([]byte(ns))
		if b == nil {
			return offline.ErrNamespaceNotFound
		}
		return b.ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var (
		out []byte
		ok  bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(kvBucket)).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	return out, ok, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(kvBucket)).Put([]byte(key), value)
	})
}

func (s *Store) Update(ctx context.Context, key string, fn func(cur []byte, ok bool) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var next []byte
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(kvBucket))
		v := b.Get([]byte(key))
		var cur []byte
		if v != nil {
			cur = append([]byte(nil), v...)
		}
		out, err := fn(cur, v != nil)
		if err != nil {
			return err
		}
		next = out
		return b.Put([]byte(key), out)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{cacheBucket, kvBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func root(tx *bbolt.Tx) *bbolt.Bucket {
	return tx.Bucket([]byte(cacheBucket))
}
