package bus

import (
	"sync"
	"sync/atomic"
)

const DefaultBuffer = 1024

// Local is a bounded in-process fan-out. Each subscription owns a buffered
// channel drained by one goroutine, so handlers see events in publish order.
// Publish never blocks: a full subscription buffer drops the event.
type Local struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

func NewLocal(buffer int) *Local {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Local{subs: map[uint64]chan Event{}, buffer: buffer}
}

// Publish delivers evt to every subscription and reports whether all of
// them accepted it.
func (b *Local) Publish(evt Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	delivered := true
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			delivered = false
		}
	}
	return delivered
}

// Subscribe starts a consumer running handler for each event. The returned
// cancel stops the consumer after it drains what is already buffered.
func (b *Local) Subscribe(handler func(Event)) (cancel func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for evt := range ch {
			handler(evt)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Dropped counts events discarded because a subscription was full.
func (b *Local) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits for consumers to drain.
func (b *Local) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
