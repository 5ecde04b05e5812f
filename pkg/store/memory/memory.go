package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/lzyats/core-offline-go/pkg/offline"
)

// Store keeps cache namespaces and KV documents in process memory.
// It satisfies both storeiface.CacheStore and storeiface.KV.
type Store struct {
	mu    sync.RWMutex
	cache map[string]map[string]offline.CachedEntry
	kv    map[string][]byte
}

func New() *Store {
	return &Store{
		cache: make(map[string]map[string]offline.CachedEntry),
		kv:    make(map[string][]byte),
	}
}

func (s *Store) Open(ctx context.Context, ns string) error {
	if ns == "" {
		return offline.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[ns]; !ok {
		s.cache[ns] = make(map[string]offline.CachedEntry)
	}
	return nil
}

func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.cache))
	for ns := range s.cache {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) DeleteNamespace(ctx context.Context, ns string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cache[ns]
	delete(s.cache, ns)
	return ok, nil
}

func (s *Store) Match(ctx context.Context, ns, key string) (offline.CachedEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.cache[ns]
	if !ok {
		return offline.CachedEntry{}, false, nil
	}
	e, ok := entries[key]
	if !ok {
		return offline.CachedEntry{}, false, nil
	}
	return clone(e), true, nil
}

func (s *Store) Put(ctx context.Context, ns, key string, e offline.CachedEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.cache[ns]
	if !ok {
		return offline.ErrNamespaceNotFound
	}
	entries[key] = clone(e)
	return nil
}

func (s *Store) PutAll(ctx context.Context, ns string, entries map[string]offline.CachedEntry) error {
	if ns == "" {
		return offline.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dst, ok := s.cache[ns]
	if !ok {
		dst = make(map[string]offline.CachedEntry, len(entries))
		s.cache[ns] = dst
	}
	for k, e := range entries {
		dst[k] = clone(e)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, ns string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.cache[ns]
	if !ok {
		return nil, offline.ErrNamespaceNotFound
	}
	out := make([]string, 0, len(entries))
	for k := range entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.kv[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	return nil
}

func (s *Store) Update(ctx context.Context, key string, fn func(cur []byte, ok bool) ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.kv[key]
	next, err := fn(append([]byte(nil), cur...), ok)
	if err != nil {
		return nil, err
	}
	s.kv[key] = append([]byte(nil), next...)
	return next, nil
}

func clone(e offline.CachedEntry) offline.CachedEntry {
	out := e
	out.Header = e.Header.Clone()
	out.Body = append([]byte(nil), e.Body...)
	return out
}
