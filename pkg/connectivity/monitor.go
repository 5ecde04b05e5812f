package connectivity

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/core-offline-go/internal/metrics"
	"github.com/lzyats/core-offline-go/pkg/event"
	"github.com/lzyats/core-offline-go/pkg/offline"
	"github.com/lzyats/core-offline-go/pkg/store/storeiface"
)

// Source reports the platform's current reachability signal. known is
// false when the platform cannot tell.
type Source interface {
	Reachable() (online, known bool)
}

type SourceFunc func() (online, known bool)

func (f SourceFunc) Reachable() (bool, bool) { return f() }

type Options struct {
	// KV persists the last sync time. Nil keeps it in memory only.
	KV      storeiface.KV
	SyncKey string
	Bus     *event.Bus
	Log     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.SyncKey == "" {
		o.SyncKey = offline.DefaultSyncKey
	}
	if o.Bus == nil {
		o.Bus = event.NewBus()
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// Monitor tracks whether the network is reachable and when the queue last
// drained. It never polls: transitions arrive through SetOnline or Watch.
type Monitor struct {
	opts Options

	mu         sync.RWMutex
	online     bool
	lastSynced time.Time
}

func New(ctx context.Context, src Source, opts Options) *Monitor {
	m := &Monitor{opts: opts.withDefaults(), online: true}
	if src != nil {
		if online, known := src.Reachable(); known {
			m.online = online
		}
	}
	m.lastSynced = m.load(ctx)
	metrics.Online.Set(boolGauge(m.online))
	return m
}

func (m *Monitor) load(ctx context.Context) time.Time {
	if m.opts.KV == nil {
		return time.Time{}
	}
	raw, ok, err := m.opts.KV.Get(ctx, m.opts.SyncKey)
	if err != nil {
		m.opts.Log.Warn("load last sync failed", zap.String("key", m.opts.SyncKey), zap.Error(err))
		return time.Time{}
	}
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		m.opts.Log.Warn("last sync corrupt", zap.String("key", m.opts.SyncKey), zap.String("raw", string(raw)))
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

func (m *Monitor) LastSynced() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSynced
}

func (m *Monitor) State() offline.ConnectivityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return offline.ConnectivityState{Online: m.online, LastSynced: m.lastSynced}
}

// SetOnline records a platform transition. Subscribers hear about changes
// only; repeating the current state is a no-op.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	metrics.Online.Set(boolGauge(online))
	kind := event.Offline
	if online {
		kind = event.Online
	}
	m.opts.Log.Info("connectivity changed", zap.Bool("online", online))
	m.opts.Bus.Publish(event.New(kind).WithOnline(online))
}

// Watch applies transitions from ch until ctx ends or ch closes.
func (m *Monitor) Watch(ctx context.Context, ch <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			m.SetOnline(v)
		}
	}
}

// MarkSynced records t as the last successful sync. A persistence failure
// is logged; the in-memory value still moves.
func (m *Monitor) MarkSynced(ctx context.Context, t time.Time) {
	t = t.Truncate(time.Millisecond)
	m.mu.Lock()
	m.lastSynced = t
	m.mu.Unlock()

	if m.opts.KV != nil {
		v := strconv.FormatInt(t.UnixMilli(), 10)
		if err := m.opts.KV.Set(ctx, m.opts.SyncKey, []byte(v)); err != nil {
			metrics.PersistFail.Inc()
			m.opts.Log.Warn("persist last sync failed", zap.String("key", m.opts.SyncKey), zap.Error(err))
		}
	}
	e := event.New(event.Synced)
	e.Meta = map[string]string{"last_synced": strconv.FormatInt(t.UnixMilli(), 10)}
	m.opts.Bus.Publish(e)
}

// Subscribe calls fn on every online/offline transition.
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	return m.opts.Bus.Subscribe(func(e event.Event) {
		if (e.Kind == event.Online || e.Kind == event.Offline) && e.Online != nil {
			fn(*e.Online)
		}
	})
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
