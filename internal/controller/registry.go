package controller

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Registry holds one controller per user.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]*Controller // userID -> Controller
	lastSeen    map[string]time.Time
	deps        Deps
}

// NewRegistry creates a registry whose controllers share deps.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		controllers: make(map[string]*Controller),
		lastSeen:    make(map[string]time.Time),
		deps:        deps,
	}
}

// GetOrCreate returns the controller for a user, creating a stopped one if needed.
func (r *Registry) GetOrCreate(userID string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.controllers[userID]; ok {
		r.lastSeen[userID] = time.Now()
		return c
	}
	c := New(userID, r.deps)
	r.controllers[userID] = c
	r.lastSeen[userID] = time.Now()
	return c
}

// Get returns the controller for a user, or nil if not found. It only
// refreshes activity for existing controllers and never creates a new one.
func (r *Registry) Get(userID string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.controllers[userID]; ok {
		r.lastSeen[userID] = time.Now()
		return c
	}
	return nil
}

// Remove drops a user's controller. A running session keeps running until
// its context ends.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controllers, userID)
	delete(r.lastSeen, userID)
}

// UserCount returns the number of known controllers.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.controllers)
}

// Running returns the users with a running session.
func (r *Registry) Running() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, c := range r.controllers {
		if c.State() == StateRunning {
			out = append(out, id)
		}
	}
	return out
}

// CleanupIdle removes stopped, drained controllers idle longer than ttl.
func (r *Registry) CleanupIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for userID, t := range r.lastSeen {
		if t.Before(cutoff) && r.controllers[userID].Idle() {
			delete(r.controllers, userID)
			delete(r.lastSeen, userID)
			removed++
		}
	}
	return removed
}

// StopAll stops every running controller in parallel.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	all := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		all = append(all, c)
	}
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range all {
		g.Go(func() error { return c.Stop(ctx) })
	}
	return g.Wait()
}

// WaitAll blocks until every controller has drained its open trades.
func (r *Registry) WaitAll(ctx context.Context) error {
	r.mu.RLock()
	all := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		all = append(all, c)
	}
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range all {
		g.Go(func() error { return c.Wait(ctx) })
	}
	return g.Wait()
}
