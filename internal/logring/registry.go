package logring

import "sync"

// Registry hands out one Ring per stream ID, created lazily. Rings outlive
// the sessions writing to them so logs stay readable after a stream stops.
type Registry struct {
	capacity int

	mu    sync.RWMutex
	rings map[string]*Ring
}

func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		rings:    make(map[string]*Ring),
	}
}

// Get returns the ring for id, creating it if missing.
func (g *Registry) Get(id string) *Ring {
	g.mu.RLock()
	r, ok := g.rings[id]
	g.mu.RUnlock()
	if ok {
		return r
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rings[id]; ok {
		return r
	}
	r = New(id, g.capacity)
	g.rings[id] = r
	return r
}

// Lookup returns the ring for id without creating one.
func (g *Registry) Lookup(id string) (*Ring, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rings[id]
	return r, ok
}

// Drop forgets the ring for id.
func (g *Registry) Drop(id string) {
	g.mu.Lock()
	delete(g.rings, id)
	g.mu.Unlock()
}
