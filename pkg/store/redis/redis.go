package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lzyats/core-offline-go/pkg/offline"
)

// maxTxRetries bounds optimistic WATCH/MULTI retries in Update.
const maxTxRetries = 32

type Store struct {
	cli    *redis.Client
	prefix string
}

func New(cfg offline.RedisSettings) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("redis: missing host")
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if cfg.Pool.MaxActive > 0 {
		opts.PoolSize = cfg.Pool.MaxActive
	}
	if cfg.Pool.MaxIdle > 0 {
		opts.MinIdleConns = cfg.Pool.MaxIdle
	}
	return NewWithClient(redis.NewClient(opts), cfg.Prefix), nil
}

// NewWithClient wraps an existing client. prefix namespaces every key.
func NewWithClient(cli *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "offline:"
	}
	return &Store{cli: cli, prefix: prefix}
}

func (s *Store) Close() error { return s.cli.Close() }

func (s *Store) Client() *redis.Client { return s.cli }

/*
Keys:
  - {prefix}cache:namespaces        SET of namespace names
  - {prefix}cache:ns:{ns}           HASH request key -> JSON CachedEntry
  - {prefix}kv:{key}                STRING document
*/
func (s *Store) namespacesKey() string { return s.prefix + "cache:namespaces" }
func (s *Store) nsKey(ns string) string { return s.prefix + "cache:ns:" + ns }
func (s *Store) kvKey(key string) string { return s.prefix + "kv:" + key }

// putIfLive writes a hash field only while the namespace is still registered,
// so a late background write cannot resurrect a rotated namespace.
var putIfLive = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
  redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
  return 1
end
return 0
`)

func (s *Store) Open(ctx context.Context, ns string) error {
	if ns == "" {
		return offline.ErrInvalidArgument
	}
	return s.cli.SAdd(ctx, s.namespacesKey(), ns).Err()
}

func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	out, err := s.cli.SMembers(ctx, s.namespacesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) DeleteNamespace(ctx context.Context, ns string) (bool, error) {
	var srem *redis.IntCmd
	_, err := s.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		srem = pipe.SRem(ctx, s.namespacesKey(), ns)
		pipe.Del(ctx, s.nsKey(ns))
		return nil
	})
	if err != nil {
		return false, err
	}
	return srem.Val() > 0, nil
}

func (s *Store) Match(ctx context.Context, ns, key string) (offline.CachedEntry, bool, error) {
	b, err := s.cli.HGet(ctx, s.nsKey(ns), key).Bytes()
	if err == redis.Nil {
		return offline.CachedEntry{}, false, nil
	}
	if err != nil {
		return offline.CachedEntry{}, false, err
	}
	var e offline.CachedEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return offline.CachedEntry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return e, true, nil
}

func (s *Store) Put(ctx context.Context, ns, key string, e offline.CachedEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	n, err := putIfLive.Run(ctx, s.cli, []string{s.namespacesKey(), s.nsKey(ns)}, ns, key, string(b)).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return offline.ErrNamespaceNotFound
	}
	return nil
}

func (s *Store) PutAll(ctx context.Context, ns string, entries map[string]offline.CachedEntry) error {
	if ns == "" {
		return offline.ErrInvalidArgument
	}
	fields := make([]any, 0, len(entries)*2)
	for k, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode cache entry %s: %w", k, err)
		}
		fields = append(fields, k, string(b))
	}
	_, err := s.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(fields) > 0 {
			pipe.HSet(ctx, s.nsKey(ns), fields...)
		}
		pipe.SAdd(ctx, s.namespacesKey(), ns)
		return nil
	})
	return err
}

func (s *Store) Keys(ctx context.Context, ns string) ([]string, error) {
	ok, err := s.cli.SIsMember(ctx, s.namespacesKey(), ns).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, offline.ErrNamespaceNotFound
	}
	out, err := s.cli.HKeys(ctx, s.nsKey(ns)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.cli.Get(ctx, s.kvKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.cli.Set(ctx, s.kvKey(key), value, 0).Err()
}

// Update is a WATCH/MULTI read-modify-write; a concurrent writer on the
// same key makes EXEC fail and the whole closure is retried.
func (s *Store) Update(ctx context.Context, key string, fn func(cur []byte, ok bool) ([]byte, error)) ([]byte, error) {
	k := s.kvKey(key)
	var next []byte
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		ok := true
		if err == redis.Nil {
			cur, ok = nil, false
		} else if err != nil {
			return err
		}
		out, err := fn(cur, ok)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, out, 0)
			return nil
		})
		if err == nil {
			next = out
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.cli.Watch(ctx, txf, k)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("redis: update %s: too much contention", key)
}
