// Package loadbalance picks one instance when a service reference resolves
// to several advertised instances.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers, spread connections evenly
//   - WeightedRandom:  heterogeneous servers (Instance.Weight)
//   - ConsistentHash:  the same client key always lands on the same server
package loadbalance

import (
	"errors"
	"fmt"
	"strings"

	"async-network/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// It satisfies registry.Picker and must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer for a strategy name; key is used by consistent-hash only.
func New(strategy, key string) (Balancer, error) {
	switch strings.ToLower(strategy) {
	case "", "roundrobin", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted", "weightedrandom", "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "hash", "consistenthash", "consistent-hash":
		return NewConsistentHashBalancer(key), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", strategy)
	}
}
