package event

import (
	"sort"
	"sync"
)

type Handler func(Event)

// Bus fans events out to subscribers synchronously, in publish order.
// A nil *Bus is valid and drops everything.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Subscribe registers h and returns a func that removes it.
func (b *Bus) Subscribe(h Handler) (cancel func()) {
	if b == nil || h == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.subs))
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		hs = append(hs, b.subs[id])
	}
	b.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() { _ = recover() }() // swallow panics in subscriber callbacks
			h(e)
		}()
	}
}
