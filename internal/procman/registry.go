package procman

import (
	"os"
	"sync"
)

// handle is the in-memory record of one live agent process.
type handle struct {
	pid     int
	process *os.Process
	inputCh chan string
	killCh  chan struct{}
	done    chan struct{} // closed by the completion waiter after Wait
}

// registry holds live process handles for one key space. Task-bound and
// session-bound processes each get their own registry; the at-most-one-
// process-per-key invariant is enforced by tryInsert.
type registry[K comparable] struct {
	mu      sync.RWMutex
	handles map[K]*handle
}

func newRegistry[K comparable]() *registry[K] {
	return &registry[K]{handles: make(map[K]*handle)}
}

// tryInsert reserves a key. Returns false if a handle already exists.
func (r *registry[K]) tryInsert(key K, h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[key]; exists {
		return false
	}
	r.handles[key] = h
	return true
}

func (r *registry[K]) get(key K) (*handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[key]
	return h, ok
}

func (r *registry[K]) remove(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, key)
}

func (r *registry[K]) contains(key K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[key]
	return ok
}

func (r *registry[K]) keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]K, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	return keys
}
