package store

import (
	"sync"
	"sync/atomic"
)

// Slot guards a single entity. Writers hold the slot lock for the whole
// read-modify-commit cycle; readers load the current snapshot without locking.
type Slot[T any] struct {
	mu  sync.Mutex
	cur atomic.Pointer[T]
}

// Load returns the current immutable snapshot. Callers must not mutate it.
func (s *Slot[T]) Load() *T { return s.cur.Load() }

// Lock acquires the writer lock.
func (s *Slot[T]) Lock() { s.mu.Lock() }

// Unlock releases the writer lock.
func (s *Slot[T]) Unlock() { s.mu.Unlock() }

// TryLock acquires the writer lock if it is free.
func (s *Slot[T]) TryLock() bool { return s.mu.TryLock() }

// Publish replaces the snapshot. The caller must hold the writer lock.
func (s *Slot[T]) Publish(v *T) { s.cur.Store(v) }

// Arena indexes slots by id, each guarded independently so unrelated entities
// never contend on the same lock.
type Arena[T any] struct {
	mu    sync.RWMutex
	slots map[string]*Slot[T]
	order []string
}

// NewArena returns an empty arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{slots: make(map[string]*Slot[T])}
}

// Get returns the slot for id.
func (a *Arena[T]) Get(id string) (*Slot[T], bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.slots[id]
	return s, ok
}

// Insert adds a slot holding v. It reports false when id is already taken.
func (a *Arena[T]) Insert(id string, v *T) (*Slot[T], bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.slots[id]; ok {
		return existing, false
	}
	s := &Slot[T]{}
	s.Publish(v)
	a.slots[id] = s
	a.order = append(a.order, id)
	return s, true
}

// Snapshots returns the current value of every slot in insertion order.
func (a *Arena[T]) Snapshots() []*T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*T, 0, len(a.order))
	for _, id := range a.order {
		if v := a.slots[id].Load(); v != nil {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the number of slots.
func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.order)
}
