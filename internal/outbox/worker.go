package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/core-offline-go/pkg/offline"
)

// Flusher is the slice of the action queue the worker drives.
type Flusher interface {
	Len() int
	Flush(ctx context.Context) (int, error)
}

// Worker retries queued actions on a ticker while the platform is online,
// backing off exponentially after failed passes.
type Worker struct {
	q      Flusher
	online func() bool
	log    *zap.Logger

	tick    time.Duration
	timeout time.Duration
	stop    chan struct{}

	retry     int
	nextRetry time.Time
	now       func() time.Time
}

type Options struct {
	Tick    time.Duration
	Timeout time.Duration
}

func NewWorker(q Flusher, online func() bool, log *zap.Logger, opt Options) *Worker {
	if opt.Tick <= 0 {
		opt.Tick = 5 * time.Second
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 30 * time.Second
	}
	if online == nil {
		online = func() bool { return true }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		q:       q,
		online:  online,
		log:     log,
		tick:    opt.Tick,
		timeout: opt.Timeout,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

func (w *Worker) Start() {
	go func() {
		t := time.NewTicker(w.tick)
		defer t.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-t.C:
				w.RunOnce()
			}
		}
	}()
}

func (w *Worker) Stop() { close(w.stop) }

// RunOnce performs one flush attempt if one is due. It reports whether a
// flush was attempted.
func (w *Worker) RunOnce() bool {
	if !w.online() || w.q.Len() == 0 {
		return false
	}
	if now := w.now(); now.Before(w.nextRetry) {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	acked, err := w.q.Flush(ctx)
	cancel()
	if err == nil {
		w.retry = 0
		w.nextRetry = time.Time{}
		return true
	}
	if errors.Is(err, offline.ErrSyncInProgress) {
		return true
	}

	w.retry++
	backoff := calcBackoff(w.retry)
	w.nextRetry = w.now().Add(backoff)
	if w.retry == 1 || w.retry%10 == 0 {
		w.log.Warn("offline queue flush retry",
			zap.Int("acked", acked),
			zap.Int("retry", w.retry),
			zap.Duration("backoff", backoff),
			zap.Error(err))
	}
	return true
}

func calcBackoff(retry int) time.Duration {
	// exponential backoff with cap
	if retry <= 0 {
		return 1 * time.Second
	}
	d := time.Duration(1<<min(retry, 8)) * time.Second // 2s..256s
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
