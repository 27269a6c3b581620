// Package service implements the orchestrator use-cases: instance setup and
// teardown, the authoritative registry, port allocation, the
// contract-filtered proxy, and the orphan reaper.
package service

import (
	"sync"

	"github.com/grokomation/ephemerald/internal/domain/instance"
)

// Registry is the process-wide authoritative map from correlation id to
// instance state. All reads return copies so callers can never observe a
// half-updated entry.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]instance.Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]instance.Instance)}
}

// Get returns a copy of the instance for the id.
func (r *Registry) Get(correlationID string) (instance.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[correlationID]
	return inst, ok
}

// Put stores the instance, replacing any previous entry for its id.
func (r *Registry) Put(inst instance.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.CorrelationID] = inst
}

// Delete removes the entry for the id. Removing an absent id is a no-op.
func (r *Registry) Delete(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, correlationID)
}

// SetStatus updates the status of an existing entry and reports whether the
// entry was present.
func (r *Registry) SetStatus(correlationID string, status instance.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[correlationID]
	if !ok {
		return false
	}
	inst.Status = status
	r.instances[correlationID] = inst
	return true
}

// List returns a stable snapshot of all instance descriptors.
func (r *Registry) List() []instance.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]instance.Descriptor, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.Describe())
	}
	return out
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
