package install

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lzyats/core-offline-go/internal/metrics"
	"github.com/lzyats/core-offline-go/pkg/event"
	"github.com/lzyats/core-offline-go/pkg/offline"
)

type Outcome string

const (
	Accepted  Outcome = "accepted"
	Dismissed Outcome = "dismissed"
)

// Offer is a deferred platform install prompt. It may be shown once per
// acceptance; a dismissed offer can be shown again.
type Offer interface {
	Prompt(ctx context.Context) (Outcome, error)
}

type OfferFunc func(ctx context.Context) (Outcome, error)

func (f OfferFunc) Prompt(ctx context.Context) (Outcome, error) { return f(ctx) }

// Default is the process-wide bridge.
var Default = New(nil, nil)

// Bridge holds the single captured install offer and gates the prompt.
type Bridge struct {
	bus *event.Bus
	log *zap.Logger

	mu        sync.Mutex
	offer     Offer
	consumed  bool
	installed bool
	prompting bool
}

func New(bus *event.Bus, log *zap.Logger) *Bridge {
	if bus == nil {
		bus = event.NewBus()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{bus: bus, log: log}
}

// Capture stores offer for a later Install. Offers arriving after the app
// was installed or the prompt was accepted are ignored.
func (b *Bridge) Capture(offer Offer) {
	if offer == nil {
		return
	}
	b.mu.Lock()
	if b.consumed || b.installed {
		b.mu.Unlock()
		return
	}
	had := b.offer != nil
	b.offer = offer
	b.mu.Unlock()

	if !had {
		b.bus.Publish(event.New(event.Installable))
	}
}

func (b *Bridge) Installable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offer != nil && !b.consumed && !b.installed
}

func (b *Bridge) Installed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.installed
}

// Install shows the captured prompt and reports whether the user accepted.
// An accepted offer is spent for good; a dismissed one stays available.
func (b *Bridge) Install(ctx context.Context) (bool, error) {
	b.mu.Lock()
	if b.offer == nil || b.consumed || b.installed {
		b.mu.Unlock()
		return false, offline.ErrNotInstallable
	}
	if b.prompting {
		b.mu.Unlock()
		return false, offline.ErrPromptInFlight
	}
	b.prompting = true
	offer := b.offer
	b.mu.Unlock()

	outcome, err := offer.Prompt(ctx)

	b.mu.Lock()
	b.prompting = false
	if err != nil {
		b.mu.Unlock()
		metrics.InstallPrompts.WithLabelValues("error").Inc()
		b.log.Warn("install prompt failed", zap.Error(err))
		return false, err
	}
	accepted := outcome == Accepted
	if !accepted {
		outcome = Dismissed
	}
	if accepted {
		b.offer = nil
		b.consumed = true
	}
	b.mu.Unlock()

	metrics.InstallPrompts.WithLabelValues(string(outcome)).Inc()
	if accepted {
		b.bus.Publish(event.New(event.InstallAccepted))
	} else {
		b.bus.Publish(event.New(event.InstallDismissed))
	}
	b.log.Info("install prompt answered", zap.String("outcome", string(outcome)))
	return accepted, nil
}

// MarkInstalled records that the platform finished installing the app.
func (b *Bridge) MarkInstalled() {
	b.mu.Lock()
	if b.installed {
		b.mu.Unlock()
		return
	}
	b.installed = true
	b.offer = nil
	b.mu.Unlock()
	b.bus.Publish(event.New(event.AppInstalled))
}

// Consume discards the offer without prompting.
func (b *Bridge) Consume() {
	b.mu.Lock()
	b.offer = nil
	b.consumed = true
	b.mu.Unlock()
}

func (b *Bridge) IsConsumed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumed
}

// Subscribe calls fn whenever installability may have changed.
func (b *Bridge) Subscribe(fn func(installable, installed bool)) (cancel func()) {
	return b.bus.Subscribe(func(e event.Event) {
		switch e.Kind {
		case event.Installable, event.InstallAccepted, event.InstallDismissed, event.AppInstalled:
			fn(b.Installable(), b.Installed())
		}
	})
}
