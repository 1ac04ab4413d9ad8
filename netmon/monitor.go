// Package netmon tracks device connectivity and notifies subscribers on transitions.
package netmon

import (
	"sync"
)

type Status int

const (
	Offline Status = iota
	Online
)

func (s Status) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Monitor holds the current connectivity status. Set is edge-triggered:
// subscribers are only called when the status actually changes.
type Monitor struct {
	mu     sync.RWMutex
	status Status
	nextID int
	subs   map[int]func(Status)
}

func New(initial Status) *Monitor {
	return &Monitor{status: initial, subs: make(map[int]func(Status))}
}

func (m *Monitor) CurrentStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Monitor) Online() bool {
	return m.CurrentStatus() == Online
}

// Subscribe registers cb for status transitions and returns its unsubscribe func.
func (m *Monitor) Subscribe(cb func(Status)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = cb
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Set records the platform's connectivity signal. It reports whether a transition happened.
// Callbacks run synchronously on the caller's goroutine, outside the lock.
func (m *Monitor) Set(status Status) bool {
	m.mu.Lock()
	if m.status == status {
		m.mu.Unlock()
		return false
	}
	m.status = status
	callbacks := make([]func(Status), 0, len(m.subs))
	for _, cb := range m.subs {
		callbacks = append(callbacks, cb)
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(status)
	}
	return true
}
