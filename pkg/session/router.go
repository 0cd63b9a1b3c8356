package session

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Router is the single entry point for session operations. It remembers which
// registry owns each id it created.
type Router struct {
	registries map[Kind]*Registry

	mu     sync.Mutex
	owners map[string]Kind
}

func NewRouter(registries ...*Registry) *Router {
	r := &Router{registries: make(map[Kind]*Registry), owners: make(map[string]Kind)}
	for _, reg := range registries {
		r.registries[reg.Kind()] = reg
	}
	return r
}

func (r *Router) Registry(kind Kind) (*Registry, bool) {
	reg, ok := r.registries[kind]
	return reg, ok
}

func (r *Router) Create(ctx context.Context, kind Kind, target string, cols, rows int) (*Session, error) {
	reg, ok := r.registries[kind]
	if !ok {
		return nil, fmt.Errorf("no registry for session kind %q", kind)
	}
	s, err := reg.Create(ctx, target, cols, rows)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.owners[s.ID] = kind
	r.mu.Unlock()
	return s, nil
}

// owner returns the registry holding id, dropping tags of sessions that have
// ended on their own.
func (r *Router) owner(id string) (*Registry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind, ok := r.owners[id]
	if !ok {
		return nil, false
	}
	reg := r.registries[kind]
	if _, live := reg.Get(id); !live {
		delete(r.owners, id)
		return nil, false
	}
	return reg, true
}

func (r *Router) Write(id string, data []byte) bool {
	reg, ok := r.owner(id)
	return ok && reg.Write(id, data)
}

func (r *Router) Resize(id string, cols, rows int) bool {
	reg, ok := r.owner(id)
	return ok && reg.Resize(id, cols, rows)
}

func (r *Router) Close(id string) bool {
	reg, ok := r.owner(id)
	if !ok {
		return false
	}
	r.mu.Lock()
	delete(r.owners, id)
	r.mu.Unlock()
	return reg.Close(id)
}

// CloseAll closes every registry concurrently.
func (r *Router) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.owners = make(map[string]Kind)
	r.mu.Unlock()

	var g errgroup.Group
	for _, reg := range r.registries {
		g.Go(func() error { return reg.CloseAll(ctx) })
	}
	return g.Wait()
}

// Count returns the live sessions per kind.
func (r *Router) Count() map[Kind]int {
	counts := make(map[Kind]int, len(r.registries))
	for kind, reg := range r.registries {
		counts[kind] = reg.Count()
	}
	return counts
}
