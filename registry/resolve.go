package registry

import (
	"context"
	"fmt"
	"time"

	"async-network/eventloop"
)

// Picker chooses one instance when a reference matches several.
// loadbalance.Balancer satisfies it.
type Picker interface {
	Pick(instances []Instance) (*Instance, error)
}

// Resolve looks ref up without blocking the caller and reports the chosen
// instance on loop. A timeout of 0 means no timeout; a nil picker takes the
// first instance.
func Resolve(loop *eventloop.Loop, reg Registry, ref Reference, timeout time.Duration, picker Picker, fn func(Instance, error)) {
	go func() {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		instance, err := resolve(ctx, reg, ref, picker)
		loop.Post(func() { fn(instance, err) })
	}()
}

func resolve(ctx context.Context, reg Registry, ref Reference, picker Picker) (Instance, error) {
	instances, err := reg.Discover(ctx, ref)
	if err != nil {
		return Instance{}, fmt.Errorf("registry: resolve %s: %w", ref, err)
	}
	if len(instances) == 0 {
		return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if picker == nil {
		return instances[0], nil
	}
	picked, err := picker.Pick(instances)
	if err != nil {
		return Instance{}, fmt.Errorf("registry: resolve %s: %w", ref, err)
	}
	return *picked, nil
}
