package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "closed"
}

// Breaker guards delivery per key (endpoint plus action type).
// Threshold failures within Window open the key for OpenFor. After that a
// single trial call is let through: success closes the key, failure opens
// it again.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	openFor   time.Duration
	now       func() time.Time

	keys map[string]*circuit
}

type circuit struct {
	failures  int
	firstFail time.Time
	openUntil time.Time
	trial     bool
}

type Options struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
}

func New(opt Options) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	return &Breaker{
		threshold: opt.Threshold,
		window:    opt.Window,
		openFor:   opt.OpenFor,
		now:       time.Now,
		keys:      make(map[string]*circuit),
	}
}

// Allow reports whether a call for key may go out. Once OpenFor has passed,
// the first caller takes the trial slot and later callers wait on it.
func (b *Breaker) Allow(key string) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.keys[key]
	if !ok || c.openUntil.IsZero() {
		return true
	}
	if now.Before(c.openUntil) || c.trial {
		return false
	}
	c.trial = true
	return true
}

func (b *Breaker) State(key string) State {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.keys[key]
	switch {
	case !ok || c.openUntil.IsZero():
		return Closed
	case now.Before(c.openUntil):
		return Open
	}
	return HalfOpen
}

// RetryAt is when an open key admits its next trial; zero if closed.
func (b *Breaker) RetryAt(key string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.keys[key]; ok {
		return c.openUntil
	}
	return time.Time{}
}

func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
}

// Release hands back a trial slot whose call ended without a verdict.
func (b *Breaker) Release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.keys[key]; ok {
		c.trial = false
	}
}

// Failure records a failed call and reports whether it opened key.
func (b *Breaker) Failure(key string) (opened bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.keys[key]
	if !ok {
		c = &circuit{firstFail: now}
		b.keys[key] = c
	}
	if c.trial {
		c.trial = false
		c.openUntil = now.Add(b.openFor)
		return true
	}
	if now.Sub(c.firstFail) > b.window {
		c.failures = 0
		c.firstFail = now
		c.openUntil = time.Time{}
	}
	c.failures++
	if c.failures >= b.threshold {
		c.openUntil = now.Add(b.openFor)
		return true
	}
	return false
}
