// Package keylock provides mutexes and wait points keyed by string, created on demand and
// released once nobody references them.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map serializes work per key. Distinct keys never block each other.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewMap() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock blocks until the key is held and returns the function which releases it.
func (m *Map) Lock(key string) func() {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// Len is the number of keys currently held or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Wait is a single resolution shared by everybody who joined it.
type Wait struct {
	done chan struct{}
	err  error
}

func (w *Wait) Done() <-chan struct{} {
	return w.done
}

// Err is the value the wait was resolved with. Only meaningful once Done is closed.
func (w *Wait) Err() error {
	return w.err
}

// WaitContext blocks until the wait resolves or ctx ends. Ending ctx only detaches this caller.
func (w *Wait) WaitContext(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitGroups coalesces waiters on the same key into one Wait.
type WaitGroups struct {
	mu    sync.Mutex
	waits map[string]*Wait
}

func NewWaitGroups() *WaitGroups {
	return &WaitGroups{waits: make(map[string]*Wait)}
}

// Join returns the wait for key, creating it when absent. created is true only for the caller
// that created it.
func (g *WaitGroups) Join(key string) (w *Wait, created bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.waits[key]; ok {
		return w, false
	}
	w = &Wait{done: make(chan struct{})}
	g.waits[key] = w
	return w, true
}

// Resolve wakes every waiter on key with err and forgets the key. It reports whether anyone was waiting.
func (g *WaitGroups) Resolve(key string, err error) bool {
	g.mu.Lock()
	w, ok := g.waits[key]
	delete(g.waits, key)
	g.mu.Unlock()
	if !ok {
		return false
	}
	w.err = err
	close(w.done)
	return true
}

func (g *WaitGroups) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waits[key]
	return ok
}
