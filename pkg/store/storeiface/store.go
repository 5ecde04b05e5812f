package storeiface

import (
	"context"

	"github.com/lzyats/core-offline-go/pkg/offline"
)

// CacheStore is the origin-scoped response cache, partitioned into
// versioned namespaces. Writes are last-writer-wins per key.
type CacheStore interface {
	// Open creates ns if it does not exist yet.
	Open(ctx context.Context, ns string) error
	Namespaces(ctx context.Context) ([]string, error)
	DeleteNamespace(ctx context.Context, ns string) (bool, error)

	Match(ctx context.Context, ns, key string) (offline.CachedEntry, bool, error)
	// Put fails with offline.ErrNamespaceNotFound when ns was deleted.
	Put(ctx context.Context, ns, key string, e offline.CachedEntry) error
	// PutAll creates ns and stores every entry, or stores nothing.
	PutAll(ctx context.Context, ns string, entries map[string]offline.CachedEntry) error
	Keys(ctx context.Context, ns string) ([]string, error)
}

// KV persists small JSON documents (the action queue, the sync timestamp).
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Update runs fn against the current value and stores its result as one
	// atomic read-modify-write. It returns what was stored.
	Update(ctx context.Context, key string, fn func(cur []byte, ok bool) ([]byte, error)) ([]byte, error)
}
