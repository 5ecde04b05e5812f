// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/lzyats/core-offline-go/pkg/offline"
	"github.com/lzyats/core-offline-go/pkg/store/storeiface"
)

func entry(body string) offline.CachedEntry {
	h := make(http.Header)
	h.Set("Content-Type", "text/html")
	return offline.CachedEntry{Status: 200, Header: h, Body: []byte(body), StoredAt: time.UnixMilli(1_700_000_000_000).UTC()}
}

// CacheStore exercises namespace lifecycle and entry round trips.
func CacheStore(t *testing.T, s storeiface.CacheStore) {
	t.Helper()
	ctx := context.Background()

	if err := s.PutAll(ctx, "app-cache-v1", map[string]offline.CachedEntry{
		"/":           entry("root"),
		"/index.html": entry("shell"),
	}); err != nil {
		t.Fatalf("put all: %v", err)
	}
	keys, err := s.Keys(ctx, "app-cache-v1")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if want := []string{"/", "/index.html"}; !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}

	got, ok, err := s.Match(ctx, "app-cache-v1", "/index.html")
	if err != nil || !ok {
		t.Fatalf("match: ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "shell" || got.Status != 200 || got.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("match = %+v", got)
	}
	if !got.StoredAt.Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Fatalf("stored at = %v", got.StoredAt)
	}

	if _, ok, err := s.Match(ctx, "app-cache-v1", "/missing"); err != nil || ok {
		t.Fatalf("match missing: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.Match(ctx, "nope", "/"); err != nil || ok {
		t.Fatalf("match in unknown namespace: ok=%v err=%v", ok, err)
	}

	if err := s.Put(ctx, "app-cache-v1", "/app.js", entry("js")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Open(ctx, "app-cache-v2"); err != nil {
		t.Fatalf("open v2: %v", err)
	}
	names, err := s.Namespaces(ctx)
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	if want := []string{"app-cache-v1", "app-cache-v2"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("namespaces = %v, want %v", names, want)
	}

	deleted, err := s.DeleteNamespace(ctx, "app-cache-v1")
	if err != nil || !deleted {
		t.Fatalf("delete v1: deleted=%v err=%v", deleted, err)
	}
	if deleted, err := s.DeleteNamespace(ctx, "app-cache-v1"); err != nil || deleted {
		t.Fatalf("delete v1 again: deleted=%v err=%v", deleted, err)
	}
	if _, err := s.Keys(ctx, "app-cache-v1"); !errors.Is(err, offline.ErrNamespaceNotFound) {
		t.Fatalf("keys after delete err = %v", err)
	}
	if err := s.Put(ctx, "app-cache-v1", "/late.js", entry("late")); !errors.Is(err, offline.ErrNamespaceNotFound) {
		t.Fatalf("put into deleted namespace err = %v, want ErrNamespaceNotFound", err)
	}
	names, err = s.Namespaces(ctx)
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"app-cache-v2"}) {
		t.Fatalf("namespaces after delete = %v", names)
	}
}

// KV exercises Get/Set and the atomicity of Update.
func KV(t *testing.T, kv storeiface.KV) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := kv.Get(ctx, "offline_queue"); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}
	if err := kv.Set(ctx, "offline_queue", []byte("[]")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := kv.Get(ctx, "offline_queue")
	if err != nil || !ok || string(v) != "[]" {
		t.Fatalf("get = %q ok=%v err=%v", v, ok, err)
	}

	boom := errors.New("boom")
	if _, err := kv.Update(ctx, "offline_queue", func([]byte, bool) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("update err = %v, want boom", err)
	}
	if v, _, _ := kv.Get(ctx, "offline_queue"); string(v) != "[]" {
		t.Fatalf("failed update changed value to %q", v)
	}

	const workers, rounds = 2, 20
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_, err := kv.Update(ctx, "counter", func(cur []byte, ok bool) ([]byte, error) {
					return append(cur, 'x'), nil
				})
				if err != nil {
					t.Errorf("update: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	v, _, err = kv.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if len(v) != workers*rounds {
		t.Fatalf("counter = %d, want %d (lost updates)", len(v), workers*rounds)
	}
}
