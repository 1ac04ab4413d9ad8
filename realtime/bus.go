package realtime

import "sync"

type Handler func(Event)

// Bus is an in-process fan-out keyed by entity type.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EntityType]map[int]Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[EntityType]map[int]Handler)}
}

// Subscribe registers h for events of entity. An empty entity receives every event.
func (b *Bus) Subscribe(entity EntityType, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[entity] == nil {
		b.subs[entity] = make(map[int]Handler)
	}
	b.subs[entity][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[entity], id)
			b.mu.Unlock()
		})
	}
}

// Deliver calls every matching handler on the caller's goroutine.
func (b *Bus) Deliver(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Entity])+len(b.subs[""]))
	for _, h := range b.subs[ev.Entity] {
		handlers = append(handlers, h)
	}
	if ev.Entity != "" {
		for _, h := range b.subs[""] {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
