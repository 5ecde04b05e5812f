package metrics

import "github.com/prometheus/client_golang/prometheus"

// interceptor
var (
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_hits_total",
		Help: "Total sub-resource requests answered from the cache.",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_misses_total",
		Help: "Total sub-resource requests with no cached entry.",
	})
	CacheWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_writes_total",
		Help: "Total background cache writes that succeeded.",
	})
	CacheWriteFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_write_fail_total",
		Help: "Total background cache writes that failed.",
	})
	RevalidateFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_revalidate_fail_total",
		Help: "Total stale-while-revalidate refreshes that failed (non-fatal).",
	})
	ShellFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_shell_fallback_total",
		Help: "Total navigation requests answered with the cached shell.",
	})
	Bypassed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_bypass_total",
		Help: "Total requests forwarded without caching (API, non-GET, foreign origin).",
	})
	InstallFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_install_fail_total",
		Help: "Total namespace installations aborted by a seed failure.",
	})
	Activations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_activations_total",
		Help: "Total namespace activations.",
	})
	NamespacesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_namespaces_deleted_total",
		Help: "Total stale cache namespaces deleted on activation.",
	})
)

// queue + connectivity + install
var (
	QueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offline_queue_length",
		Help: "Current number of queued offline actions.",
	})
	Enqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_queue_enqueued_total",
		Help: "Total actions enqueued.",
	})
	PersistFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_queue_persist_fail_total",
		Help: "Total queue persistence failures (queue continues in memory).",
	})
	SyncAcked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_sync_acked_total",
		Help: "Total actions acknowledged by the server and removed from the queue.",
	})
	SyncFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_sync_fail_total",
		Help: "Total sync passes stopped by a delivery failure.",
	})
	BreakerOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_breaker_open_total",
		Help: "Total times the delivery circuit breaker opened.",
	})
	Online = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offline_online",
		Help: "1 when the platform reports the network reachable.",
	})
	InstallPrompts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_install_prompts_total",
		Help: "Install prompts shown, by outcome.",
	}, []string{"outcome"})

	// websocket broadcast (both binaries)
	EventClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offline_event_clients",
		Help: "Current websocket event subscribers.",
	})
	EventDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_event_drops_total",
		Help: "Total events dropped because a subscriber's outbound queue was full.",
	})
)

func RegisterProxy() {
	prometheus.MustRegister(
		CacheHits, CacheMisses, CacheWrites, CacheWriteFail,
		RevalidateFail, ShellFallbacks, Bypassed,
		InstallFail, Activations, NamespacesDeleted,
		EventClients, EventDrops,
	)
}

func RegisterAgent() {
	prometheus.MustRegister(
		QueueLength, Enqueued, PersistFail,
		SyncAcked, SyncFail, BreakerOpen,
		Online, InstallPrompts,
		EventClients, EventDrops,
	)
}
