package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lzyats/core-offline-go/internal/backend"
	"github.com/lzyats/core-offline-go/internal/config"
	"github.com/lzyats/core-offline-go/internal/hub"
	"github.com/lzyats/core-offline-go/internal/metrics"
	"github.com/lzyats/core-offline-go/pkg/event"
	"github.com/lzyats/core-offline-go/pkg/interceptor"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var (
		cfgPaths string
		dev      bool
	)
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.BoolVar(&dev, "dev", false, "development logging")
	flag.Parse()

	log := newLogger(dev)
	defer log.Sync()

	cfg, err := config.LoadProxy(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	upstream, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		log.Fatal("bad upstream url", zap.String("url", cfg.Upstream.URL), zap.Error(err))
	}
	log.Info("sw-proxy starting",
		zap.String("version", Version),
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("upstream", upstream.String()),
		zap.String("store", cfg.Store.Backend),
		zap.String("cache_version", cfg.Offline.Cache.Version))

	metrics.RegisterProxy()

	store, closeStore, err := backend.OpenCache(cfg.Store, cfg.Offline.Redis)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}
	defer closeStore()

	bus := event.NewBus()
	events := hub.New(cfg.Events.Buffer, cfg.Events.WriteTimeout, log)
	bus.Subscribe(events.Publish)

	ic := interceptor.New(store, &http.Client{Timeout: cfg.Upstream.Timeout}, bus, log, interceptor.Options{
		Upstream:   upstream,
		PublicHost: cfg.HTTP.PublicHost,
		ShellPath:  cfg.Offline.Cache.ShellPath,
		APIPrefix:  cfg.Offline.Cache.APIPrefix,
	})
	rel := interceptor.Release{Version: cfg.Offline.Cache.Version, Manifest: cfg.Offline.Cache.Manifest}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ic.Resume(ctx, rel); err != nil {
		log.Warn("resume cache namespaces failed", zap.Error(err))
	}
	go ensureActive(ctx, ic, rel, cfg.Install.RetryMin, cfg.Install.RetryMax, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/_offline/events", events)
	mux.HandleFunc("/_offline/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ic.Status())
	})
	mux.Handle("/", ic)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		log.Info("sw-proxy listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
	ic.Wait()
}

// ensureActive keeps retrying installation of rel; until it succeeds the
// previously live namespace (if any) keeps serving.
func ensureActive(ctx context.Context, ic *interceptor.Interceptor, rel interceptor.Release, minWait, maxWait time.Duration, log *zap.Logger) {
	wait := minWait
	for retry := 1; ; retry++ {
		err := ic.EnsureActive(ctx, rel)
		if err == nil {
			return
		}
		if retry == 1 || retry%10 == 0 {
			log.Warn("cache namespace not active yet",
				zap.String("version", rel.Version),
				zap.Int("retry", retry),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, maxWait)
	}
}

func newLogger(dev bool) *zap.Logger {
	if dev {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}
