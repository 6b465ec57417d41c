package scopetrig

import (
	"sync"
)

// CaptureBroker fans each published Waveform out to every subscriber. It never
// blocks the publisher: a subscriber whose queue is full misses that Waveform,
// and the miss is counted against it.
type CaptureBroker struct {
	subscribers map[int]*subscription
	nextID      int
	published   int64
	closed      bool
	sync.RWMutex
}

type subscription struct {
	ch      chan *Waveform
	dropped int64
}

// Subscription is what Subscribe hands back: a receive channel plus the id for Unsubscribe.
type Subscription struct {
	ID int
	C  <-chan *Waveform
}

// NewCaptureBroker creates a broker with no subscribers.
func NewCaptureBroker() *CaptureBroker {
	return &CaptureBroker{subscribers: make(map[int]*subscription)}
}

// Subscribe adds a subscriber with a queue of the given depth.
// The channel is closed on Unsubscribe or Close.
func (b *CaptureBroker) Subscribe(depth int) Subscription {
	b.Lock()
	defer b.Unlock()
	ch := make(chan *Waveform, max(depth, 1))
	id := b.nextID
	b.nextID++
	if b.closed {
		close(ch)
	} else {
		b.subscribers[id] = &subscription{ch: ch}
	}
	return Subscription{ID: id, C: ch}
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are ignored.
func (b *CaptureBroker) Unsubscribe(id int) {
	b.Lock()
	defer b.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Publish offers w to every subscriber without blocking.
func (b *CaptureBroker) Publish(w *Waveform) {
	b.Lock()
	defer b.Unlock()
	if b.closed {
		return
	}
	b.published++
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- w:
		default:
			sub.dropped++
		}
	}
}

// Dropped returns how many Waveforms subscriber id has missed.
func (b *CaptureBroker) Dropped(id int) int64 {
	b.RLock()
	defer b.RUnlock()
	if sub, ok := b.subscribers[id]; ok {
		return sub.dropped
	}
	return 0
}

// Published returns the number of Waveforms offered to subscribers.
func (b *CaptureBroker) Published() int64 {
	b.RLock()
	defer b.RUnlock()
	return b.published
}

// NumSubscribers returns the current number of subscribers.
func (b *CaptureBroker) NumSubscribers() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone. Later Publish calls do nothing.
func (b *CaptureBroker) Close() {
	b.Lock()
	defer b.Unlock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.closed = true
}
