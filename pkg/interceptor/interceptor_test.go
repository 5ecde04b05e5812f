package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/lzyats/core-offline-go/pkg/event"
	"github.com/lzyats/core-offline-go/pkg/offline"
	"github.com/lzyats/core-offline-go/pkg/store/memory"
)

// origin is an in-process upstream that can be switched off to simulate
// a lost network.
type origin struct {
	mu      sync.Mutex
	down    bool
	files   map[string]string
	headers map[string]http.Header
	calls   map[string]int
}

func newOrigin(files map[string]string) *origin {
	return &origin{files: files, headers: make(map[string]http.Header), calls: make(map[string]int)}
}

func (o *origin) Do(req *http.Request) (*http.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	uri := req.URL.RequestURI()
	o.calls[uri]++
	if o.down {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	rec := httptest.NewRecorder()
	body, ok := o.files[uri]
	if !ok {
		http.NotFound(rec, req)
		return rec.Result(), nil
	}
	rec.Header().Set("Content-Type", "text/plain")
	for k, vs := range o.headers[uri] {
		rec.Header()[k] = vs
	}
	if rng := req.Header.Get("Range"); rng == "bytes=0-3" && len(body) > 4 {
		rec.Header().Set("Content-Range", fmt.Sprintf("bytes 0-3/%d", len(body)))
		rec.WriteHeader(http.StatusPartialContent)
		body = body[:4]
	}
	_, _ = io.WriteString(rec, body)
	return rec.Result(), nil
}

func (o *origin) setHeader(uri, key, value string) {
	o.mu.Lock()
	if o.headers[uri] == nil {
		o.headers[uri] = make(http.Header)
	}
	o.headers[uri].Set(key, value)
	o.mu.Unlock()
}

func (o *origin) setDown(v bool) {
	o.mu.Lock()
	o.down = v
	o.mu.Unlock()
}

func (o *origin) set(uri, body string) {
	o.mu.Lock()
	o.files[uri] = body
	o.mu.Unlock()
}

func (o *origin) count(uri string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[uri]
}

func newTestInterceptor(t *testing.T, o *origin) (*Interceptor, *memory.Store) {
	t.Helper()
	up, err := url.Parse("http://origin.test")
	if err != nil {
		t.Fatalf("parse upstream: %v", err)
	}
	st := memory.New()
	i := New(st, o, event.NewBus(), zap.NewNop(), Options{Upstream: up, PublicHost: "app.test"})
	return i, st
}

func shellRelease(version string) Release {
	return Release{Version: version, Manifest: []string{"/", "/index.html"}}
}

func shellFiles() map[string]string {
	return map[string]string{
		"/":           "<html>root</html>",
		"/index.html": "<html>shell</html>",
		"/app.js":     "console.log('v1')",
		"/api/tasks":  `[]`,
		"/dashboard":  "<html>dashboard</html>",
	}
}

func get(t *testing.T, i *Interceptor, target string, navigate bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Host = "app.test"
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
		req.Header.Set("Accept", "text/html")
	}
	rec := httptest.NewRecorder()
	i.ServeHTTP(rec, req)
	return rec
}

func TestInstallSeedsManifest(t *testing.T) {
	ctx := context.Background()
	i, st := newTestInterceptor(t, newOrigin(shellFiles()))

	if err := i.Install(ctx, shellRelease("app-cache-v1")); err != nil {
		t.Fatalf("install: %v", err)
	}
	keys, err := st.Keys(ctx, "app-cache-v1")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if want := []string{"/", "/index.html"}; !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	if got := i.Status().State; got != StateInstalled {
		t.Fatalf("state = %v, want installed", got)
	}
	if i.Live() != "" {
		t.Fatalf("installed namespace must not serve before activation")
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(shellFiles())
	i, st := newTestInterceptor(t, o)
	if err := i.EnsureActive(ctx, shellRelease("app-cache-v1")); err != nil {
		t.Fatalf("ensure v1: %v", err)
	}

	bad := Release{Version: "app-cache-v2", Manifest: []string{"/", "/index.html", "/missing.png"}}
	err := i.Install(ctx, bad)
	var ie *InstallError
	if !errors.As(err, &ie) {
		t.Fatalf("install err = %v, want *InstallError", err)
	}
	if ie.Path != "/missing.png" || ie.Version != "app-cache-v2" {
		t.Fatalf("install error = %+v", ie)
	}

	names, err := st.Namespaces(ctx)
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"app-cache-v1"}) {
		t.Fatalf("namespaces = %v, want only v1", names)
	}
	if i.Live() != "app-cache-v1" {
		t.Fatalf("live = %q, want previous version to keep serving", i.Live())
	}
	status := i.Status()
	if status.State != StateActive || status.Live != "app-cache-v1" {
		t.Fatalf("status = %+v, want v1 still active", status)
	}
	if status.Failed != "app-cache-v2" || !strings.Contains(status.Error, "/missing.png") {
		t.Fatalf("failed release not reported: %+v", status)
	}

	if err := i.EnsureActive(ctx, shellRelease("app-cache-v3")); err != nil {
		t.Fatalf("ensure v3: %v", err)
	}
	if status := i.Status(); status.Failed != "" || status.Live != "app-cache-v3" {
		t.Fatalf("status after recovery = %+v", status)
	}
}

func TestFirstInstallFailureIsRedundant(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(shellFiles())
	o.setDown(true)
	i, _ := newTestInterceptor(t, o)

	if err := i.EnsureActive(ctx, shellRelease("app-cache-v1")); err == nil {
		t.Fatalf("ensure offline: want error")
	}
	status := i.Status()
	if status.State != StateRedundant || status.Live != "" || status.Failed != "app-cache-v1" {
		t.Fatalf("status = %+v", status)
	}
	b, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	if !strings.Contains(string(b), `"state":"redundant"`) || !strings.Contains(string(b), `"failed":"app-cache-v1"`) {
		t.Fatalf("status json = %s", b)
	}
}

func TestActivateDeletesStaleNamespaces(t *testing.T) {
	ctx := context.Background()
	i, st := newTestInterceptor(t, newOrigin(shellFiles()))

	var kinds []event.Kind
	i.bus.Subscribe(func(e event.Event) { kinds = append(kinds, e.Kind) })

	if err := i.EnsureActive(ctx, shellRelease("app-cache-v1")); err != nil {
		t.Fatalf("ensure v1: %v", err)
	}
	if err := st.Put(ctx, "app-cache-v1", "/app.js", offline.CachedEntry{Status: 200, Body: []byte("old")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := i.EnsureActive(ctx, shellRelease("app-cache-v2")); err != nil {
		t.Fatalf("ensure v2: %v", err)
	}

	names, err := st.Namespaces(ctx)
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"app-cache-v2"}) {
		t.Fatalf("namespaces = %v, want only v2", names)
	}
	if _, err := st.Keys(ctx, "app-cache-v1"); !errors.Is(err, offline.ErrNamespaceNotFound) {
		t.Fatalf("keys v1 err = %v, want ErrNamespaceNotFound", err)
	}
	if i.Live() != "app-cache-v2" {
		t.Fatalf("live = %q", i.Live())
	}

	claims := 0
	for _, k := range kinds {
		if k == event.ControllerChange {
			claims++
		}
	}
	if claims != 2 {
		t.Fatalf("controllerchange events = %d, want 2 (%v)", claims, kinds)
	}
}

func TestEnsureActiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(shellFiles())
	i, _ := newTestInterceptor(t, o)

	for n := 0; n < 3; n++ {
		if err := i.EnsureActive(ctx, shellRelease("app-cache-v1")); err != nil {
			t.Fatalf("ensure #%d: %v", n, err)
		}
	}
	if got := o.count("/index.html"); got != 1 {
		t.Fatalf("seed fetches = %d, want 1", got)
	}
}

func TestResumeKeepsPreviousVersionServing(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	if err := st.PutAll(ctx, "app-cache-v1", map[string]offline.CachedEntry{
		"/index.html": {Status: 200, Body: []byte("<html>old shell</html>")},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	o := newOrigin(shellFiles())
	o.setDown(true)
	up, _ := url.Parse("http://origin.test")
	i := New(st, o, nil, zap.NewNop(), Options{Upstream: up})

	if err := i.Resume(ctx, shellRelease("app-cache-v2")); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if i.Live() != "app-cache-v1" {
		t.Fatalf("live = %q, want app-cache-v1", i.Live())
	}
	if err := i.EnsureActive(ctx, shellRelease("app-cache-v2")); err == nil {
		t.Fatalf("ensure v2 offline: want error")
	}

	rec := get(t, i, "/anything", true)
	if rec.Code != http.StatusOK || rec.Body.String() != "<html>old shell</html>" {
		t.Fatalf("offline navigation = %d %q", rec.Code, rec.Body.String())
	}
}

func TestNavigationFallsBackToShell(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(shellFiles())
	i, _ := newTestInterceptor(t, o)
	if err := i.EnsureActive(ctx, shellRelease("app-cache-v1")); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	rec := get(t, i, "/dashboard", true)
	if rec.Code != http.StatusOK || rec.Body.String() != "<html>dashboard</html>" {
		t.Fatalf("online navigation = %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderCache); got != SourceNetwork {
		t.Fatalf("source = %q, want network", got)
	}
	i.Wait()

	o.setDown(true)
	rec = get(t, i, "/never-visited", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("offline navigation status = %d", rec.Code)
	}
	if rec.Body.String() != "<html>shell</html>" {
		t.Fatalf("offline navigation body = %q, want cached shell", rec.Body.String())
	}
	if got := rec.Header().Get(HeaderCache); got != SourceFallback {
		t.Fatalf("source = %q, want fallback", got)
	}
}

func TestNavigationNon2xxFallsBackToShell(t *testing.T) {
	ctx := context.Background()
	i, _ := newTestInterceptor(t, newOrigin(shellFiles()))
	if err := i.EnsureActive(ctx, shellRelease("app-cache-v1")); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	rec := get(t, i, "/deep/link", true)
	if rec.Code != http.StatusOK || rec.Body.String() != "<html>shell</html>" {
		t.Fatalf("navigation to 404 = %d %q, want shell", rec.Code, rec.Body.String())
	}
}

func TestNavigationWithoutShellTimesOut(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(shellFiles())
	i, _ := newTestInterceptor(t, o)
	if err := i.EnsureActive(ctx, Release{Version: "app-cache-v1", Manifest: []string{"/"}}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	o.setDown(true)

	rec := get(t, i, "/dashboard", true)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(shellFiles())
	i, st := newTestInterceptor(t, o)
	if err := i.EnsureActive(ctx, shellRelease("app-cache-v1")); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	rec := get(t, i, "/app.js", false)
	if rec.Code != http.StatusOK || rec.Body.String() != "console.log('v1')" {
		t.Fatalf("miss = %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderCache); got != SourceMiss {
		t.Fatalf("source = %q, want miss", got)
	}
	i.Wait()
	if _, ok, err := st.Match(ctx, "app-cache-v1", "/app.js"); err != nil || !ok {
		t.Fatalf("match after miss: ok=%v err=%v", ok, err)
	}

	o.setDown(true)
	rec = get(t, i, "/app.js", false)
	if rec.Code != http.StatusOK || rec.Body.String() != "console.log('v1')" {
		t.Fatalf("offline hit = %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderCache); got != SourceHit {
		t.Fatalf("source = %q, want hit", got)
	}
	i.Wait()

	o.setDown(false)
	o.set("/app.js", "console.log('v2')")
	rec = get(t, i, "/app.js", false)
	if rec.Body.String() != "console.log('v1')" {
		t.Fatalf("stale body = %q, want cached copy first", rec.Body.String())
	}
	i.Wait()
	rec = get(t, i, "/app.js", false)
	if rec.Body.String() != "console.log('v2')" {
		t.Fatalf("revalidated body = %q", rec.Body.String())
	}
}

func TestSubresourceMissOfflineIsBadGateway(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(shellFiles())
	i, _ := newTestInterceptor(t, o)
	if err := i.EnsureActive(ctx, shellRelease("app-cache-v1")); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	o.setDown(true)

	rec := get(t, i, "/app.js", false)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestAPIRequestsAreNeverCached(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(shellFiles())
	i, st := newTestInterceptor(t, o)
	if err := i.EnsureActive(ctx, shellRelease("app-cache-v1")); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	rec := get(t, i, "/api/tasks", false)
	if rec.Code != http.StatusOK || rec.Header().Get(HeaderCache) != SourceBypass {
		t.Fatalf("api = %d source=%q", rec.Code, rec.Header().Get(HeaderCache))
	}
	i.Wait()
	if _, ok, _ := st.Match(ctx, "app-cache-v1", "/api/tasks"); ok {
		t.Fatalf("api response was cached")
	}

	req := httptest.NewRequest(http.MethodPost, "/app.js", nil)
	req.Host = "app.test"
	rec = httptest.NewRecorder()
	i.ServeHTTP(rec, req)
	if rec.Header().Get(HeaderCache) != SourceBypass {
		t.Fatalf("POST source = %q, want bypass", rec.Header().Get(HeaderCache))
	}
}

func TestCrossOriginIsBypassed(t *testing.T) {
	ctx := context.Background()
	i, st := newTestInterceptor(t, newOrigin(shellFiles()))
	if err := i.EnsureActive(ctx, shellRelease("app-cache-v1")); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	req.Host = "cdn.other.test"
	rec := httptest.NewRecorder()
	i.ServeHTTP(rec, req)
	if rec.Header().Get(HeaderCache) != SourceBypass {
		t.Fatalf("source = %q, want bypass", rec.Header().Get(HeaderCache))
	}
	i.Wait()
	if _, ok, _ := st.Match(ctx, "app-cache-v1", "/app.js"); ok {
		t.Fatalf("cross-origin response was cached")
	}
}

func TestNoLiveNamespacePassesThrough(t *testing.T) {
	i, _ := newTestInterceptor(t, newOrigin(shellFiles()))

	rec := get(t, i, "/app.js", false)
	if rec.Code != http.StatusOK || rec.Header().Get(HeaderCache) != SourceBypass {
		t.Fatalf("pass-through = %d source=%q", rec.Code, rec.Header().Get(HeaderCache))
	}
}

func TestRangeRequestsAreNotCached(t *testing.T) {
	ctx := context.Background()
	files := shellFiles()
	files["/video.mp4"] = "0123456789"
	o := newOrigin(files)
	i, st := newTestInterceptor(t, o)
	if err := i.EnsureActive(ctx, shellRelease("app-cache-v1")); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/video.mp4", nil)
	req.Host = "app.test"
	req.Header.Set("Range", "bytes=0-3")
	rec := httptest.NewRecorder()
	i.ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "0123" {
		t.Fatalf("range = %d %q", rec.Code, rec.Body.String())
	}
	i.Wait()
	if _, ok, _ := st.Match(ctx, "app-cache-v1", "/video.mp4"); ok {
		t.Fatalf("partial response was cached")
	}

	rec = get(t, i, "/video.mp4", false)
	if rec.Code != http.StatusOK || rec.Body.String() != "0123456789" {
		t.Fatalf("full GET = %d %q source=%s", rec.Code, rec.Body.String(), rec.Header().Get(HeaderCache))
	}
	if rec.Header().Get(HeaderCache) != SourceMiss {
		t.Fatalf("source = %q, want miss", rec.Header().Get(HeaderCache))
	}
}

func TestCachedEntriesDropSetCookie(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(shellFiles())
	o.setHeader("/app.js", "Set-Cookie", "sid=A; HttpOnly")
	i, st := newTestInterceptor(t, o)
	if err := i.EnsureActive(ctx, shellRelease("app-cache-v1")); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	rec := get(t, i, "/app.js", false)
	if rec.Header().Get("Set-Cookie") != "sid=A; HttpOnly" {
		t.Fatalf("first client lost its cookie: %q", rec.Header().Get("Set-Cookie"))
	}
	i.Wait()
	e, ok, err := st.Match(ctx, "app-cache-v1", "/app.js")
	if err != nil || !ok {
		t.Fatalf("match: ok=%v err=%v", ok, err)
	}
	if e.Header.Get("Set-Cookie") != "" {
		t.Fatalf("stored Set-Cookie = %q", e.Header.Get("Set-Cookie"))
	}

	o.setDown(true)
	rec = get(t, i, "/app.js", false)
	if rec.Header().Get(HeaderCache) != SourceHit || rec.Header().Get("Set-Cookie") != "" {
		t.Fatalf("hit source=%q Set-Cookie=%q", rec.Header().Get(HeaderCache), rec.Header().Get("Set-Cookie"))
	}
}

func TestPrivateResponsesAreNotStored(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(shellFiles())
	o.setHeader("/app.js", "Cache-Control", "private, max-age=60")
	o.setHeader("/dashboard", "Cache-Control", "no-store")
	i, st := newTestInterceptor(t, o)
	if err := i.EnsureActive(ctx, shellRelease("app-cache-v1")); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if rec := get(t, i, "/app.js", false); rec.Code != http.StatusOK {
		t.Fatalf("app.js = %d", rec.Code)
	}
	if rec := get(t, i, "/dashboard", true); rec.Code != http.StatusOK || rec.Header().Get(HeaderCache) != SourceNetwork {
		t.Fatalf("dashboard = %d source=%q", rec.Code, rec.Header().Get(HeaderCache))
	}
	i.Wait()
	for _, key := range []string{"/app.js", "/dashboard"} {
		if _, ok, _ := st.Match(ctx, "app-cache-v1", key); ok {
			t.Fatalf("%s was cached", key)
		}
	}
}
