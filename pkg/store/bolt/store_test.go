package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lzyats/core-offline-go/pkg/offline"
	"github.com/lzyats/core-offline-go/pkg/store/storetest"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s, path
}

func TestCacheStore(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	storetest.CacheStore(t, s)
}

func TestKV(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	storetest.KV(t, s)
}

func TestNamespacesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)
	if err := s.Put(ctx, "app-cache-v1", "/index.html", offline.CachedEntry{Status: 200, Body: []byte("shell")}); err == nil {
		t.Fatalf("put before open: want ErrNamespaceNotFound")
	}
	if err := s.PutAll(ctx, "app-cache-v1", map[string]offline.CachedEntry{
		"/index.html": {Status: 200, Body: []byte("shell")},
	}); err != nil {
		t.Fatalf("put all: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s.Close()
	e, ok, err := s.Match(ctx, "app-cache-v1", "/index.html")
	if err != nil || !ok || string(e.Body) != "shell" {
		t.Fatalf("match after reopen = %q ok=%v err=%v", e.Body, ok, err)
	}
}
