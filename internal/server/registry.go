package server

import (
	"sync"

	"github.com/luciancaetano/kephasstream/internal/engine"
)

// Registry holds the live server-role connections. The accept loop inserts
// and each connection's teardown removes, so every access is locked.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*engine.Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*engine.Connection)}
}

func (r *Registry) Add(c *engine.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Remove deletes id and reports how many connections remain and whether id
// was present.
func (r *Registry) Remove(id string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	return len(r.conns), ok
}

func (r *Registry) Get(id string) (*engine.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Snapshot copies the current members. Later changes do not affect it.
func (r *Registry) Snapshot() []*engine.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*engine.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
