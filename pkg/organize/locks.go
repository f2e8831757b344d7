package organize

import "sync"

// LockRegistry hands out one mutex per nested-repository path plus a single
// shared mutex for the parent repository's index. Owned by the Organizer and
// injected, so every test case gets an independent registry.
type LockRegistry struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	parent sync.Mutex
}

// NewLockRegistry returns an empty registry
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for one nested-repository path, creating it lazily.
// The registry mutex is held only for the map access, never while waiting on
// the path lock. Returns the unlock function.
func (r *LockRegistry) Lock(path string) func() {
	r.mu.Lock()
	l, ok := r.locks[path]
	if !ok {
		l = &sync.Mutex{}
		r.locks[path] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// LockParent acquires the shared parent-repository mutex. The parent index is
// one physical resource no matter how many studies are organized concurrently.
func (r *LockRegistry) LockParent() func() {
	r.parent.Lock()
	return r.parent.Unlock
}
