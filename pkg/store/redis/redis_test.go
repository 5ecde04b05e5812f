package redisstore

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lzyats/core-offline-go/pkg/offline"
	"github.com/lzyats/core-offline-go/pkg/store/storetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestCacheStore(t *testing.T) {
	s, _ := newTestStore(t)
	storetest.CacheStore(t, s)
}

func TestKV(t *testing.T) {
	s, _ := newTestStore(t)
	storetest.KV(t, s)
}

func TestKeysArePrefixed(t *testing.T) {
	s, mr := newTestStore(t)
	if err := s.Set(t.Context(), "offline_queue", []byte("[]")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("test:kv:offline_queue") {
		t.Fatalf("keys = %v, want test:kv:offline_queue", mr.Keys())
	}
}

func TestNewRequiresHost(t *testing.T) {
	if _, err := New(offline.RedisSettings{}); err == nil {
		t.Fatalf("new without host: want error")
	}
}
