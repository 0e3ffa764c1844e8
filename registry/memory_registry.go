package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. It serves tests and setups where
// every peer lives in one process.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[Reference]Instance
	watchers  map[chan struct{}]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[Reference]Instance),
		watchers:  make(map[chan struct{}]struct{}),
	}
}

func (r *MemoryRegistry) Advertise(_ context.Context, instance Instance) error {
	instance = instance.withDefaults()
	if err := instance.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.instances[instance.Reference()] = instance
	r.notifyLocked()
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) StopAdvertising(_ context.Context, instance Instance) error {
	ref := instance.Reference().WithDefaults()
	r.mu.Lock()
	if _, ok := r.instances[ref]; ok {
		delete(r.instances, ref)
		r.notifyLocked()
	}
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, ref Reference) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matchLocked(ref.WithDefaults()), nil
}

func (r *MemoryRegistry) matchLocked(ref Reference) []Instance {
	instances := make([]Instance, 0)
	for _, instance := range r.instances {
		if instance.matches(ref) {
			instances = append(instances, instance)
		}
	}
	// map iteration order is random; keep results stable for balancers
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Name < instances[j].Name
	})
	return instances
}

func (r *MemoryRegistry) Browse(ctx context.Context, serviceType, domain string) <-chan []Instance {
	ref := Reference{Type: serviceType, Domain: domain}.WithDefaults()
	out := make(chan []Instance, 1)
	changed := make(chan struct{}, 1)
	changed <- struct{}{} // emit the initial list

	r.mu.Lock()
	r.watchers[changed] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			r.mu.Lock()
			delete(r.watchers, changed)
			r.mu.Unlock()
		}()
		for {
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
			r.mu.Lock()
			instances := r.matchLocked(ref)
			r.mu.Unlock()
			select {
			case out <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *MemoryRegistry) notifyLocked() {
	for w := range r.watchers {
		select {
		case w <- struct{}{}:
		default: // a change is already pending for this watcher
		}
	}
}
