// Package bus implements the event bus described in spec §4.1: publish
// appends an event and fans it out to subscribers matching a filter;
// ack marks durable acknowledgement; unacked recovers pending entries
// after a crash. Two implementations exist behind the Bus interface —
// MemoryBus (grounded on internal/events.Bus's channel fan-out) and
// DurableBus (an append-only JSONL WAL, grounded on the gastown-style
// events.go pattern in the example pack).
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/orgloop/orgloop/internal/envelope"
)

// Filter selects which published events a subscriber's Handler is
// invoked for. An empty field matches any value.
type Filter struct {
	Source string
	Type   envelope.Type
}

func (f Filter) matches(e *envelope.Event) bool {
	if f.Source != "" && f.Source != e.Source {
		return false
	}
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	return true
}

// Handler processes one published event. If it returns an error the
// entry remains unacked — see spec §4.1 failure model.
type Handler func(ctx context.Context, e *envelope.Event) error

// Bus is the contract both implementations satisfy.
type Bus interface {
	// Publish appends the event and invokes every subscriber whose
	// filter matches, in parallel, waiting for all of them before
	// returning. It does not ack — callers ack explicitly once all
	// route processing for the event has completed.
	Publish(ctx context.Context, e *envelope.Event) error

	// Subscribe registers handler for events matching filter. The
	// returned func removes the subscription.
	Subscribe(filter Filter, handler Handler) (unsubscribe func())

	// Ack marks the entry for id as durably acknowledged.
	Ack(id string) error

	// Unacked returns all entries not yet acked, in ingest order, for
	// crash-recovery replay.
	Unacked() ([]*envelope.Event, error)

	// Close releases any held resources (file handles, etc).
	Close() error
}

type subscription struct {
	filter  Filter
	handler Handler
}

// fanout holds the subscriber bookkeeping shared by both
// implementations.
type fanout struct {
	mu   sync.RWMutex
	subs map[int]subscription
	next int
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]subscription)}
}

func (f *fanout) subscribe(filter Filter, handler Handler) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = subscription{filter: filter, handler: handler}
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// dispatch runs every matching handler concurrently and waits for all
// of them, returning the first error encountered (if any). All
// handlers still run to completion even if one errors, matching "an
// event may be delivered more than once" — the bus does not short
// circuit a partially-failed fan-out.
func (f *fanout) dispatch(ctx context.Context, e *envelope.Event) error {
	f.mu.RLock()
	matched := make([]Handler, 0, len(f.subs))
	for _, s := range f.subs {
		if s.filter.matches(e) {
			matched = append(matched, s.handler)
		}
	}
	f.mu.RUnlock()

	if len(matched) == 0 {
		return nil
	}

	errs := make([]error, len(matched))
	var wg sync.WaitGroup
	for i, h := range matched {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			errs[i] = h(ctx, e)
		}(i, h)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// MemoryBus is the non-durable implementation: events live only in
// process memory, fanned out to subscribers with no on-disk record.
// Grounded on internal/events.Bus's RWMutex-protected subscriber map.
type MemoryBus struct {
	fanout *fanout

	mu      sync.RWMutex
	entries map[string]*envelope.Event
	acked   map[string]bool
	order   []string
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		fanout:  newFanout(),
		entries: make(map[string]*envelope.Event),
		acked:   make(map[string]bool),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, e *envelope.Event) error {
	b.mu.Lock()
	b.entries[e.ID] = e
	b.order = append(b.order, e.ID)
	b.mu.Unlock()

	return b.fanout.dispatch(ctx, e)
}

func (b *MemoryBus) Subscribe(filter Filter, handler Handler) func() {
	return b.fanout.subscribe(filter, handler)
}

func (b *MemoryBus) Ack(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[id]; !ok {
		return fmt.Errorf("bus: ack unknown event %s", id)
	}
	b.acked[id] = true
	return nil
}

func (b *MemoryBus) Unacked() ([]*envelope.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*envelope.Event
	for _, id := range b.order {
		if !b.acked[id] {
			out = append(out, b.entries[id])
		}
	}
	return out, nil
}

func (b *MemoryBus) Close() error { return nil }
