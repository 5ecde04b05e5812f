package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/core-offline-go/internal/metrics"
	"github.com/lzyats/core-offline-go/pkg/event"
	"github.com/lzyats/core-offline-go/pkg/offline"
	"github.com/lzyats/core-offline-go/pkg/store/storeiface"
)

// SyncRecorder receives the time of a pass that drained the queue.
type SyncRecorder interface {
	MarkSynced(ctx context.Context, t time.Time)
}

type Options struct {
	Key    string
	Sender offline.Sender
	Sync   SyncRecorder
	// Online gates SyncNow. Nil means always online.
	Online func() bool
	// Optimistic clears the queue and marks it synced without waiting for
	// acknowledgements.
	Optimistic bool
	Bus        *event.Bus
	Log        *zap.Logger
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Key == "" {
		o.Key = offline.DefaultQueueKey
	}
	if o.Online == nil {
		o.Online = func() bool { return true }
	}
	if o.Bus == nil {
		o.Bus = event.NewBus()
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type SyncResult struct {
	Acked   int `json:"acked"`
	Pending int `json:"pending"`
}

// Queue is the durable FIFO of actions awaiting delivery. Every mutation is
// merged into the persisted list atomically so several processes sharing
// one KV never lose each other's actions.
type Queue struct {
	kv   storeiface.KV
	opts Options

	mu       sync.Mutex
	items    []offline.Action
	degraded bool

	syncing atomic.Bool
}

func New(ctx context.Context, kv storeiface.KV, opts Options) *Queue {
	q := &Queue{kv: kv, opts: opts.withDefaults()}
	if kv == nil {
		q.degraded = true
		return q
	}
	raw, ok, err := kv.Get(ctx, q.opts.Key)
	if err != nil {
		q.degrade(err)
		return q
	}
	if ok {
		items, err := decode(raw)
		if err != nil {
			q.opts.Log.Warn("offline queue corrupt, starting empty", zap.String("key", q.opts.Key), zap.Error(err))
		}
		q.items = items
	}
	metrics.QueueLength.Set(float64(len(q.items)))
	return q
}

func (q *Queue) Enqueue(ctx context.Context, a offline.Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	q.mutate(ctx, func(list []offline.Action) []offline.Action {
		return append(list, a)
	})
	metrics.Enqueued.Inc()
	return nil
}

func (q *Queue) Clear(ctx context.Context) {
	q.mutate(ctx, func([]offline.Action) []offline.Action { return []offline.Action{} })
}

// remove drops acknowledged actions. IDs are not unique, so each one
// removes only the earliest entry carrying it.
func (q *Queue) remove(ctx context.Context, acked ...offline.Action) {
	q.mutate(ctx, func(list []offline.Action) []offline.Action {
		for _, a := range acked {
			if i := slices.IndexFunc(list, func(x offline.Action) bool { return x.ID == a.ID }); i >= 0 {
				list = slices.Delete(list, i, i+1)
			}
		}
		return list
	})
}

// mutate applies op to the persisted list and adopts the result. Once a
// persist fails the queue stays in memory for the rest of the session.
func (q *Queue) mutate(ctx context.Context, op func([]offline.Action) []offline.Action) {
	q.mu.Lock()
	if !q.degraded {
		var next []offline.Action
		_, err := q.kv.Update(ctx, q.opts.Key, func(cur []byte, ok bool) ([]byte, error) {
			base := q.items
			if ok {
				list, derr := decode(cur)
				if derr == nil {
					base = list
				} else {
					q.opts.Log.Warn("offline queue corrupt, overwriting", zap.String("key", q.opts.Key), zap.Error(derr))
				}
			}
			next = op(slices.Clone(base))
			if next == nil {
				next = []offline.Action{}
			}
			return json.Marshal(next)
		})
		if err == nil {
			q.items = next
		} else {
			q.degrade(err)
		}
	}
	if q.degraded {
		q.items = op(slices.Clone(q.items))
	}
	n := len(q.items)
	q.mu.Unlock()

	metrics.QueueLength.Set(float64(n))
	e := event.New(event.QueueChanged)
	e.QueueLen = n
	q.opts.Bus.Publish(e)
}

func (q *Queue) degrade(err error) {
	q.degraded = true
	metrics.PersistFail.Inc()
	q.opts.Log.Warn("offline queue persistence failed, continuing in memory",
		zap.String("key", q.opts.Key),
		zap.Error(err))
}

// Degraded reports whether the queue has fallen back to memory only.
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

func (q *Queue) Snapshot() []offline.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]offline.Action, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Subscribe calls fn with the new contents after every mutation.
func (q *Queue) Subscribe(fn func([]offline.Action)) (cancel func()) {
	return q.opts.Bus.Subscribe(func(e event.Event) {
		if e.Kind == event.QueueChanged {
			fn(q.Snapshot())
		}
	})
}

// SyncNow delivers queued actions in order. Only acknowledged actions leave
// the queue; the first failure ends the pass so the rest keep their order.
// The last sync time advances only when the queue drains.
func (q *Queue) SyncNow(ctx context.Context) (SyncResult, error) {
	if !q.opts.Online() {
		return SyncResult{Pending: q.Len()}, offline.ErrOffline
	}
	if !q.syncing.CompareAndSwap(false, true) {
		return SyncResult{Pending: q.Len()}, offline.ErrSyncInProgress
	}
	defer q.syncing.Store(false)

	pending := q.Snapshot()
	if len(pending) == 0 {
		q.markSynced(ctx)
		return SyncResult{}, nil
	}
	if q.opts.Optimistic {
		return q.syncOptimistic(ctx, pending), nil
	}
	if q.opts.Sender == nil {
		return SyncResult{Pending: len(pending)}, offline.ErrNotConfigured
	}

	var res SyncResult
	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			res.Pending = q.Len()
			return res, err
		}
		if err := q.opts.Sender.Send(ctx, a); err != nil {
			metrics.SyncFail.Inc()
			res.Pending = q.Len()
			q.opts.Log.Warn("offline action not delivered",
				zap.String("id", a.ID),
				zap.String("type", a.Type),
				zap.Int("acked", res.Acked),
				zap.Int("pending", res.Pending),
				zap.Error(err))
			return res, fmt.Errorf("sync %s: %w", a.ID, err)
		}
		q.remove(ctx, a)
		metrics.SyncAcked.Inc()
		res.Acked++
	}
	res.Pending = q.Len()
	if res.Pending == 0 {
		q.markSynced(ctx)
	}
	q.opts.Log.Info("offline queue synced", zap.Int("acked", res.Acked), zap.Int("pending", res.Pending))
	return res, nil
}

func (q *Queue) syncOptimistic(ctx context.Context, pending []offline.Action) SyncResult {
	if s := q.opts.Sender; s != nil {
		for _, a := range pending {
			if err := s.Send(ctx, a); err != nil {
				metrics.SyncFail.Inc()
				q.opts.Log.Warn("offline action dropped", zap.String("id", a.ID), zap.Error(err))
			}
		}
	}
	q.remove(ctx, pending...)
	q.markSynced(ctx)
	return SyncResult{Acked: len(pending), Pending: q.Len()}
}

// Flush runs one sync pass and reports how many actions were acknowledged.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	res, err := q.SyncNow(ctx)
	return res.Acked, err
}

func (q *Queue) markSynced(ctx context.Context) {
	if q.opts.Sync != nil {
		q.opts.Sync.MarkSynced(ctx, q.opts.Now())
	}
}

func decode(raw []byte) ([]offline.Action, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []offline.Action
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
