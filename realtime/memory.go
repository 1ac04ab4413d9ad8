package realtime

import (
	"context"
	"errors"
	"sync"
)

var ErrBrokerDown = errors.New("broker unavailable")

// MemoryBroker is an in-process Ephemeral transport. SetDown simulates the
// channel failing: publishes fail and live subscriptions are dropped.
type MemoryBroker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*memorySub
	down   bool
}

type memorySub struct {
	businessId string
	events     chan Event
	lost       chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[int]*memorySub)}
}

func (b *MemoryBroker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
	if down {
		for id, sub := range b.subs {
			close(sub.lost)
			delete(b.subs, id)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (b *MemoryBroker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *MemoryBroker) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrBrokerDown
	}
	for _, sub := range b.subs {
		if sub.businessId != ev.BusinessId {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			// slow subscriber: best-effort channel drops the event
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, businessId string, deliver func(Event)) error {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return ErrBrokerDown
	}
	id := b.nextID
	b.nextID++
	sub := &memorySub{businessId: businessId, events: make(chan Event, 256), lost: make(chan struct{})}
	b.subs[id] = sub
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.lost:
			return ErrBrokerDown
		case ev := <-sub.events:
			deliver(ev)
		}
	}
}
