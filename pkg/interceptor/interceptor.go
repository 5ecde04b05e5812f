package interceptor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lzyats/core-offline-go/internal/metrics"
	"github.com/lzyats/core-offline-go/pkg/event"
	"github.com/lzyats/core-offline-go/pkg/offline"
	"github.com/lzyats/core-offline-go/pkg/store/storeiface"
)

// HeaderCache names how a response was produced.
const HeaderCache = "X-Offline-Cache"

const (
	SourceHit      = "hit"
	SourceMiss     = "miss"
	SourceNetwork  = "network"
	SourceFallback = "fallback"
	SourceBypass   = "bypass"
)

// Fetcher performs upstream requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	// Upstream is the origin every intercepted and forwarded request goes to.
	Upstream *url.URL
	// PublicHost is the host clients address. Empty accepts any host.
	PublicHost string
	ShellPath  string
	APIPrefix  string
}

func (o Options) withDefaults() Options {
	if o.ShellPath == "" {
		o.ShellPath = offline.DefaultShellPath
	}
	if o.APIPrefix == "" {
		o.APIPrefix = offline.DefaultAPIPrefix
	}
	return o
}

// Interceptor sits between clients and the upstream origin and answers
// same-origin GETs from the live cache namespace.
type Interceptor struct {
	*Manager

	store   storeiface.CacheStore
	fetcher Fetcher
	opts    Options
	log     *zap.Logger

	flight singleflight.Group
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(store storeiface.CacheStore, fetcher Fetcher, bus *event.Bus, log *zap.Logger, opts Options) *Interceptor {
	if log == nil {
		log = zap.NewNop()
	}
	i := &Interceptor{
		store:   store,
		fetcher: fetcher,
		opts:    opts.withDefaults(),
		log:     log,
		now:     time.Now,
	}
	i.Manager = newManager(store, i.seed, bus, log)
	return i
}

// Wait blocks until every background cache write and revalidation started
// so far has finished.
func (i *Interceptor) Wait() { i.wg.Wait() }

// Fetch answers r. The returned response always carries HeaderCache.
func (i *Interceptor) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	ns := i.Live()
	if ns == "" || !i.intercepts(r) {
		metrics.Bypassed.Inc()
		resp, err := i.forward(ctx, r)
		if err != nil {
			return nil, err
		}
		resp.Header.Set(HeaderCache, SourceBypass)
		return resp, nil
	}
	key := cacheKey(r.URL)
	if isNavigation(r) {
		return i.networkFirst(ctx, r, ns, key)
	}
	return i.staleWhileRevalidate(ctx, r, ns, key)
}

func (i *Interceptor) networkFirst(ctx context.Context, r *http.Request, ns, key string) (*http.Response, error) {
	resp, err := i.forward(ctx, r)
	if err == nil && ok(resp.StatusCode) {
		e, rerr := i.readEntry(resp)
		if rerr == nil {
			i.storeAsync(ns, key, e)
			return toResponse(e, r, SourceNetwork), nil
		}
		resp, err = nil, rerr
	}

	shell, found, merr := i.store.Match(ctx, ns, i.opts.ShellPath)
	if merr != nil {
		i.log.Warn("shell lookup failed", zap.String("namespace", ns), zap.Error(merr))
	}
	if found {
		if resp != nil {
			drain(resp)
		}
		metrics.ShellFallbacks.Inc()
		return toResponse(shell, r, SourceFallback), nil
	}
	if resp != nil {
		resp.Header.Set(HeaderCache, SourceNetwork)
		return resp, nil
	}
	return nil, err
}

func (i *Interceptor) staleWhileRevalidate(ctx context.Context, r *http.Request, ns, key string) (*http.Response, error) {
	e, found, err := i.store.Match(ctx, ns, key)
	if err != nil {
		i.log.Warn("cache lookup failed", zap.String("namespace", ns), zap.String("key", key), zap.Error(err))
	}
	if found {
		metrics.CacheHits.Inc()
		i.revalidate(r, ns, key)
		return toResponse(e, r, SourceHit), nil
	}

	metrics.CacheMisses.Inc()
	resp, err := i.forward(ctx, r)
	if err != nil {
		return nil, err
	}
	if !ok(resp.StatusCode) {
		resp.Header.Set(HeaderCache, SourceMiss)
		return resp, nil
	}
	e, err = i.readEntry(resp)
	if err != nil {
		return nil, err
	}
	i.storeAsync(ns, key, e)
	return toResponse(e, r, SourceMiss), nil
}

// revalidate refreshes key in the background. Concurrent hits on the same
// key share one upstream request.
func (i *Interceptor) revalidate(r *http.Request, ns, key string) {
	ctx := context.WithoutCancel(r.Context())
	req := r.Clone(ctx)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		_, err, _ := i.flight.Do(ns+"\x00"+key, func() (any, error) {
			resp, err := i.forward(ctx, req)
			if err != nil {
				return nil, err
			}
			if !ok(resp.StatusCode) {
				drain(resp)
				return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
			}
			e, err := i.readEntry(resp)
			if err != nil {
				return nil, err
			}
			return nil, i.put(ctx, ns, key, e)
		})
		if err != nil {
			metrics.RevalidateFail.Inc()
			i.log.Debug("revalidate failed", zap.String("namespace", ns), zap.String("key", key), zap.Error(err))
		}
	}()
}

func (i *Interceptor) storeAsync(ns, key string, e offline.CachedEntry) {
	if !storable(e) {
		i.log.Debug("response not cacheable", zap.String("key", key), zap.Int("status", e.Status))
		return
	}
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		if err := i.put(context.Background(), ns, key, e); err != nil {
			i.log.Debug("cache write dropped", zap.String("namespace", ns), zap.String("key", key), zap.Error(err))
		}
	}()
}

func (i *Interceptor) put(ctx context.Context, ns, key string, e offline.CachedEntry) error {
	if !storable(e) {
		return nil
	}
	if err := i.store.Put(ctx, ns, key, shared(e)); err != nil {
		metrics.CacheWriteFail.Inc()
		return err
	}
	metrics.CacheWrites.Inc()
	return nil
}

// seed fetches one manifest asset for installation.
func (i *Interceptor) seed(ctx context.Context, path string) (offline.CachedEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.upstreamURL(path), nil)
	if err != nil {
		return offline.CachedEntry{}, err
	}
	resp, err := i.fetcher.Do(req)
	if err != nil {
		return offline.CachedEntry{}, err
	}
	if !ok(resp.StatusCode) {
		drain(resp)
		return offline.CachedEntry{}, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	e, err := i.readEntry(resp)
	if err != nil {
		return offline.CachedEntry{}, err
	}
	return shared(e), nil
}

func (i *Interceptor) forward(ctx context.Context, r *http.Request) (*http.Response, error) {
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, i.upstreamURL(r.URL.RequestURI()), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = r.ContentLength
	}
	copyHeader(req.Header, r.Header)
	if r.Host != "" {
		req.Header.Set("X-Forwarded-Host", r.Host)
	}
	return i.fetcher.Do(req)
}

func (i *Interceptor) upstreamURL(requestURI string) string {
	if i.opts.Upstream == nil {
		return requestURI
	}
	base := strings.TrimSuffix(i.opts.Upstream.String(), "/")
	return base + requestURI
}

func (i *Interceptor) intercepts(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	// Partial responses are never a resource's full copy.
	if r.Header.Get("Range") != "" {
		return false
	}
	if h := i.opts.PublicHost; h != "" {
		if r.URL.Host != "" && !strings.EqualFold(r.URL.Host, h) {
			return false
		}
		if r.Host != "" && !strings.EqualFold(r.Host, h) {
			return false
		}
	}
	p := r.URL.Path
	prefix := i.opts.APIPrefix
	if strings.HasPrefix(p, prefix) || p == strings.TrimSuffix(prefix, "/") {
		return false
	}
	return true
}

func (i *Interceptor) readEntry(resp *http.Response) (offline.CachedEntry, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return offline.CachedEntry{}, err
	}
	h := make(http.Header, len(resp.Header))
	copyHeader(h, resp.Header)
	h.Del(HeaderCache)
	return offline.CachedEntry{
		Status:   resp.StatusCode,
		Header:   h,
		Body:     b,
		StoredAt: i.now().UTC(),
	}, nil
}

func toResponse(e offline.CachedEntry, r *http.Request, source string) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set(HeaderCache, source)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       r,
	}
}

func isNavigation(r *http.Request) bool {
	if m := r.Header.Get("Sec-Fetch-Mode"); m != "" {
		return m == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func cacheKey(u *url.URL) string { return u.RequestURI() }

func ok(status int) bool { return status >= 200 && status < 300 }

// storable reports whether e may go into the shared cache: a complete 2xx
// response the origin did not mark private or no-store.
func storable(e offline.CachedEntry) bool {
	if !ok(e.Status) || e.Status == http.StatusPartialContent {
		return false
	}
	for _, v := range e.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(d), "=")
			switch strings.ToLower(name) {
			case "no-store", "private":
				return false
			}
		}
	}
	return true
}

// shared strips per-client headers before an entry is served to others.
func shared(e offline.CachedEntry) offline.CachedEntry {
	h := e.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Del("Set-Cookie")
	h.Del(HeaderCache)
	e.Header = h
	return e
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	for _, k := range hopHeaders {
		dst.Del(k)
	}
}
