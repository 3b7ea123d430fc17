package sender

import (
	"sync"
	"time"
)

const defaultRegistrySize = 1024

// Registry hands out one State per conversation id. A state is only dropped
// while nobody holds it, so two callers holding the same id always share one
// State.
type Registry struct {
	mu      sync.Mutex
	max     int
	entries map[string]*entry
	now     func() time.Time
}

type entry struct {
	state    *State
	refs     int
	released time.Time
}

// NewRegistry tracks at most max conversations. When full, the longest
// unreferenced idle one is dropped first. max <= 0 uses a default of 1024.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = defaultRegistrySize
	}
	return &Registry{max: max, entries: make(map[string]*entry), now: time.Now}
}

// Acquire returns the guard of conversationID and a release func that must be
// called once the caller is done with it. ok is false when the registry is
// full and every tracked conversation is in use.
func (r *Registry) Acquire(conversationID string) (st *State, release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.entries[conversationID]
	if !found {
		if len(r.entries) >= r.max && !r.evictLocked() {
			return nil, nil, false
		}
		e = &entry{state: &State{}}
		r.entries[conversationID] = e
	}
	e.refs++

	var once sync.Once
	return e.state, func() { once.Do(func() { r.release(e) }) }, true
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	e.released = r.now()
}

// Forget drops conversationID if nobody holds it. It reports whether the
// entry is gone.
func (r *Registry) Forget(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[conversationID]
	if !ok {
		return true
	}
	if e.refs > 0 || e.state.Busy() {
		return false
	}
	delete(r.entries, conversationID)
	return true
}

// Len reports how many conversations are tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) evictLocked() bool {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for id, e := range r.entries {
		if e.refs > 0 || e.state.Busy() {
			continue
		}
		if !found || e.released.Before(oldest) {
			victim, oldest, found = id, e.released, true
		}
	}
	if found {
		delete(r.entries, victim)
	}
	return found
}
