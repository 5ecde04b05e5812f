package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/core-offline-go/internal/outbox"
	"github.com/lzyats/core-offline-go/pkg/connectivity"
	"github.com/lzyats/core-offline-go/pkg/event"
	"github.com/lzyats/core-offline-go/pkg/install"
	"github.com/lzyats/core-offline-go/pkg/offline"
	"github.com/lzyats/core-offline-go/pkg/producer"
	"github.com/lzyats/core-offline-go/pkg/queue"
	"github.com/lzyats/core-offline-go/pkg/store/memory"
	redisstore "github.com/lzyats/core-offline-go/pkg/store/redis"
	"github.com/lzyats/core-offline-go/pkg/store/storeiface"
)

type Options struct {
	// KV backs the queue and the last sync time. Nil selects redis when
	// enabled in settings, else memory.
	KV storeiface.KV
	// Sender delivers actions. Nil selects RocketMQ when a name server is
	// configured.
	Sender offline.Sender
	Source connectivity.Source
	// Bridge defaults to install.Default.
	Bridge *install.Bridge
	Bus    *event.Bus
	Log    *zap.Logger
}

// Agent ties connectivity, the action queue and the install bridge together
// and exposes the combined state the UI renders.
type Agent struct {
	st  offline.Settings
	log *zap.Logger

	bus     *event.Bus
	monitor *connectivity.Monitor
	queue   *queue.Queue
	bridge  *install.Bridge

	closers []func() error
	wg      sync.WaitGroup
}

func NewAgent(ctx context.Context, st offline.Settings, opts Options) (*Agent, error) {
	st = st.WithDefaults()
	a := &Agent{st: st, log: opts.Log, bus: opts.Bus, bridge: opts.Bridge}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	if a.bus == nil {
		a.bus = event.NewBus()
	}
	if a.bridge == nil {
		a.bridge = install.Default
	}

	kv := opts.KV
	if kv == nil {
		if offline.Enabled(st.Redis.Enabled) {
			rs, err := redisstore.New(st.Redis)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, rs.Close)
			kv = rs
		} else {
			kv = memory.New()
		}
	}

	sender := opts.Sender
	if sender == nil && st.RocketMQ.NameServer != "" {
		p := producer.NewRocketMQ(st.RocketMQ)
		a.closers = append(a.closers, p.Close)
		sender = p
	}

	a.monitor = connectivity.New(ctx, opts.Source, connectivity.Options{
		KV:      kv,
		SyncKey: st.Queue.SyncKey,
		Bus:     a.bus,
		Log:     a.log,
	})
	a.queue = queue.New(ctx, kv, queue.Options{
		Key:        st.Queue.Key,
		Sender:     sender,
		Sync:       a.monitor,
		Online:     a.monitor.IsOnline,
		Optimistic: offline.Enabled(st.Queue.Optimistic),
		Bus:        a.bus,
		Log:        a.log,
	})
	return a, nil
}

func (a *Agent) Bus() *event.Bus                { return a.bus }
func (a *Agent) Monitor() *connectivity.Monitor { return a.monitor }
func (a *Agent) Queue() *queue.Queue            { return a.queue }
func (a *Agent) Bridge() *install.Bridge        { return a.bridge }

func (a *Agent) State() offline.State {
	c := a.monitor.State()
	return offline.State{
		Online:      c.Online,
		Queue:       a.queue.Snapshot(),
		LastSynced:  c.LastSynced,
		Installable: a.bridge.Installable(),
		Installed:   a.bridge.Installed(),
	}
}

func (a *Agent) Enqueue(ctx context.Context, act offline.Action) error {
	return a.queue.Enqueue(ctx, act)
}

func (a *Agent) Clear(ctx context.Context) { a.queue.Clear(ctx) }

func (a *Agent) SyncNow(ctx context.Context) (queue.SyncResult, error) {
	return a.queue.SyncNow(ctx)
}

func (a *Agent) SetOnline(online bool) { a.monitor.SetOnline(online) }

func (a *Agent) Install(ctx context.Context) (bool, error) {
	return a.bridge.Install(ctx)
}

// Run syncs on every offline to online transition (when auto-sync is on)
// and keeps retrying a non-empty queue while online, until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	unsubscribe := func() {}
	if offline.Enabled(a.st.Queue.AutoSync) {
		unsubscribe = a.monitor.Subscribe(func(online bool) {
			if !online {
				return
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.autoSync(ctx)
			}()
		})
	}

	w := outbox.NewWorker(a.queue, a.monitor.IsOnline, a.log, outbox.Options{Tick: a.st.Queue.FlushEvery})
	w.Start()
	defer w.Stop()

	a.log.Info("offline agent started",
		zap.Bool("online", a.monitor.IsOnline()),
		zap.Int("queued", a.queue.Len()),
		zap.String("auto_sync", a.st.Queue.AutoSync),
		zap.Duration("flush_every", a.st.Queue.FlushEvery))

	<-ctx.Done()
	unsubscribe()
	a.wg.Wait()
	return ctx.Err()
}

func (a *Agent) autoSync(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := a.queue.SyncNow(ctx)
	switch {
	case err == nil:
		a.log.Info("auto sync done", zap.Int("acked", res.Acked), zap.Int("pending", res.Pending))
	case errors.Is(err, offline.ErrSyncInProgress), errors.Is(err, offline.ErrOffline):
	default:
		a.log.Warn("auto sync failed", zap.Int("acked", res.Acked), zap.Int("pending", res.Pending), zap.Error(err))
	}
}

func (a *Agent) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
