package mq

import (
	"fmt"
	"sync"
)

// Registry collects the consumers of a process. It is filled during startup
// and sealed when binding starts; specs are never removed.
type Registry struct {
	mu     sync.Mutex
	specs  []*ConsumerSpec
	sealed bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds consumer specs. It fails once the registry is sealed.
func (r *Registry) Register(specs ...*ConsumerSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrRegistrySealed
	}
	for _, s := range specs {
		if s == nil {
			return fmt.Errorf("%w: nil spec", ErrInvalidConsumer)
		}
	}
	r.specs = append(r.specs, specs...)
	return nil
}

// Seal stops further registration and returns the registered specs
func (r *Registry) Seal() []*ConsumerSpec {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sealed = true
	return append([]*ConsumerSpec(nil), r.specs...)
}

// Sealed reports whether binding has started
func (r *Registry) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// Specs returns the registered specs
func (r *Registry) Specs() []*ConsumerSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ConsumerSpec(nil), r.specs...)
}

// Units expands specs into the subscriptions to bind
func Units(specs []*ConsumerSpec) []Unit {
	var units []Unit
	for _, s := range specs {
		for i := 0; i < s.concurrency; i++ {
			units = append(units, Unit{Spec: s, Index: i})
		}
	}
	return units
}
