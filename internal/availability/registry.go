// Package availability tracks which workers may receive new offers. Reserve
// is the platform's race-prevention primitive: when several workers accept
// the same booking, exactly one Reserve succeeds and that worker wins.
package availability

import "sync"

// Registry holds the online and reserved sets. A worker is offerable iff it
// is online and not reserved by an active booking. All methods are
// linearizable under the single mutex.
type Registry struct {
	mu       sync.Mutex
	online   map[string]bool
	reserved map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{online: make(map[string]bool), reserved: make(map[string]bool)}
}

// SetAvailable toggles a worker online or offline and reports whether the
// online state actually changed, so callers tracking counts are immune to
// repeated posts. Going offline does not touch an existing reservation; an
// in-flight trip keeps its worker.
func (r *Registry) SetAvailable(workerID string, available bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.online[workerID]
	if available {
		r.online[workerID] = true
	} else {
		delete(r.online, workerID)
	}
	return was != available
}

// Reserve atomically claims the worker. Returns false if the worker is
// offline or already reserved; two concurrent calls for the same worker
// yield exactly one true.
func (r *Registry) Reserve(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.online[workerID] || r.reserved[workerID] {
		return false
	}
	r.reserved[workerID] = true
	return true
}

// Release drops the reservation. Idempotent: releasing an unreserved worker
// is a no-op.
func (r *Registry) Release(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, workerID)
}

// IsAvailable reports whether the worker may currently receive offers.
func (r *Registry) IsAvailable(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[workerID] && !r.reserved[workerID]
}
