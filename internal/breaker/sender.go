package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/lzyats/core-offline-go/internal/metrics"
	"github.com/lzyats/core-offline-go/pkg/offline"
)

// OpenError is returned without calling the endpoint while its breaker is
// open. It matches offline.ErrOffline so a sync pass stops and keeps the
// queue intact.
type OpenError struct {
	Key     string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker open for %s until %s", e.Key, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return offline.ErrOffline }

// Sender trips separately for each action type sent to Endpoint, so one
// failing route does not block the others.
type Sender struct {
	Next     offline.Sender
	Breaker  *Breaker
	Endpoint string
}

func Wrap(next offline.Sender, b *Breaker, endpoint string) *Sender {
	return &Sender{Next: next, Breaker: b, Endpoint: endpoint}
}

func (s *Sender) Type() string { return s.Next.Type() }

func (s *Sender) Key(a offline.Action) string { return s.Endpoint + " " + a.Type }

func (s *Sender) Send(ctx context.Context, a offline.Action) error {
	key := s.Key(a)
	if !s.Breaker.Allow(key) {
		return &OpenError{Key: key, RetryAt: s.Breaker.RetryAt(key)}
	}
	err := s.Next.Send(ctx, a)
	switch {
	case err == nil:
		s.Breaker.Success(key)
	case ctx.Err() != nil:
		s.Breaker.Release(key)
	default:
		if s.Breaker.Failure(key) {
			metrics.BreakerOpen.Inc()
		}
	}
	return err
}
