package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"github.com/lzyats/core-offline-go/internal/agentapi"
	"github.com/lzyats/core-offline-go/internal/backend"
	"github.com/lzyats/core-offline-go/internal/breaker"
	"github.com/lzyats/core-offline-go/internal/config"
	"github.com/lzyats/core-offline-go/internal/hub"
	"github.com/lzyats/core-offline-go/internal/metrics"
	"github.com/lzyats/core-offline-go/pkg/event"
	"github.com/lzyats/core-offline-go/pkg/install"
	"github.com/lzyats/core-offline-go/pkg/offline"
	"github.com/lzyats/core-offline-go/pkg/producer"
	"github.com/lzyats/core-offline-go/pkg/provider/httpapi"
	"github.com/lzyats/core-offline-go/pkg/runner"
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

	cfg, err := config.LoadAgent(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("sync-agent starting",
		zap.String("version", Version),
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("store", cfg.Store.Backend),
		zap.String("sender", cfg.Sender.Kind))

	metrics.RegisterAgent()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, closeStore, err := backend.OpenKV(ctx, cfg.Store, cfg.Offline.Redis)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}
	defer closeStore()

	sender, closeSender, err := newSender(cfg)
	if err != nil {
		log.Fatal("sender init failed", zap.Error(err))
	}
	defer closeSender()

	// Circuit breaker (optional)
	if cfg.Breaker.Enabled {
		brk := breaker.New(breaker.Options{
			Threshold: cfg.Breaker.Threshold,
			Window:    cfg.Breaker.Window,
			OpenFor:   cfg.Breaker.OpenFor,
		})
		sender = breaker.Wrap(sender, brk, endpoint(cfg))
	}

	sf := sonyflake.NewSonyflake(sonyflake.Settings{})
	if sf == nil {
		log.Fatal("sonyflake init failed")
	}

	bus := event.NewBus()
	events := hub.New(cfg.Events.Buffer, cfg.Events.WriteTimeout, log)
	bus.Subscribe(events.Publish)

	agent, err := runner.NewAgent(ctx, cfg.Offline, runner.Options{
		KV:     kv,
		Sender: sender,
		Bridge: install.New(bus, log),
		Bus:    bus,
		Log:    log,
	})
	if err != nil {
		log.Fatal("agent init failed", zap.Error(err))
	}
	defer agent.Close()

	api := agentapi.New(agent, agentapi.Options{
		IDs:           sf,
		Events:        events,
		PromptURL:     cfg.Install.PromptURL,
		PromptTimeout: cfg.Install.Timeout,
		Log:           log,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/", api)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		log.Info("sync-agent listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agent.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	<-done
}

func newSender(cfg *config.Agent) (offline.Sender, func() error, error) {
	switch cfg.Sender.Kind {
	case "http":
		if cfg.Sender.BaseURL == "" {
			return nil, nil, errors.New("sender.base_url is required for the http sender")
		}
		return httpapi.New(cfg.Sender.BaseURL, cfg.Sender.Path, cfg.Sender.Timeout), func() error { return nil }, nil
	case "rocketmq":
		p := producer.NewRocketMQ(cfg.Offline.RocketMQ)
		return p, p.Close, nil
	}
	return nil, nil, errors.New("sender.kind must be http or rocketmq")
}

// endpoint names where actions go, for breaker keys.
func endpoint(cfg *config.Agent) string {
	if cfg.Sender.Kind == "rocketmq" {
		return "rocketmq:" + cfg.Offline.RocketMQ.Topic
	}
	return strings.TrimRight(cfg.Sender.BaseURL, "/") + cfg.Sender.Path
}

func newLogger(dev bool) *zap.Logger {
	if dev {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}
