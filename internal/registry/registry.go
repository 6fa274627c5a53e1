// Package registry holds the in-memory set of just-submitted spot requests
// that have not yet appeared in a cloud listing (spec §4.8). It is the only
// structure shared between the reconciler and the life-cycle watcher, and is
// guarded by a mutex; holders never perform I/O inside the critical section
// beyond the atomic add/remove of a single entry.
package registry

import (
	"sync"
	"time"

	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

// Registry is a mutex-guarded set of spot requests keyed by id.
type Registry struct {
	mu       sync.Mutex
	requests map[string]spotcloud.SpotRequest
}

func New() *Registry {
	return &Registry{requests: make(map[string]spotcloud.SpotRequest)}
}

// Insert adds req, keyed by its id. Called at submission time, before the
// cloud listing reflects the request.
func (r *Registry) Insert(req spotcloud.SpotRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = req
}

// Remove drops the entry for id, if present. Called on successful setup or
// forced termination.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, id)
}

// All returns a copy of every request currently held.
func (r *Registry) All() []spotcloud.SpotRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]spotcloud.SpotRequest, 0, len(r.requests))
	for _, req := range r.requests {
		out = append(out, req)
	}
	return out
}

// GC drops entries whose create_time is older than maxAge relative to now
// (spec §3 invariant I2, §4.7 step 5). Callers are responsible for only
// invoking GC once the one-shot done signal has fired at least once.
func (r *Registry) GC(now time.Time, maxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, req := range r.requests {
		if now.Sub(req.CreateTime) >= maxAge {
			delete(r.requests, id)
		}
	}
}

// Len reports the number of requests currently held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}
