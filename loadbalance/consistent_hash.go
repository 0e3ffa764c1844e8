package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"async-network/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// so a client identified by Key keeps reconnecting to the same server.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring
// to keep the distribution even with few instances.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	Key string // Key used by Pick

	mu       sync.Mutex
	replicas int                           // Virtual nodes per real instance
	ring     []uint32                      // Sorted hash values on the ring
	nodes    map[uint32]*registry.Instance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		Key:      key,
		replicas: 100,
		nodes:    make(map[uint32]*registry.Instance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
func (b *ConsistentHashBalancer) Add(instance *registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
}

func (b *ConsistentHashBalancer) addLocked(instance *registry.Instance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr(), i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	// Keep the ring sorted for binary search in PickKey()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// PickKey finds the instance responsible for key on the current ring.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pickLocked(key)
}

func (b *ConsistentHashBalancer) pickLocked(key string) (*registry.Instance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	// first node with hash >= key's hash, wrapping around to the start
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// Pick rebuilds the ring from instances and picks Key on it.
func (b *ConsistentHashBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.Instance, len(instances)*b.replicas)
	for i := range instances {
		b.addLocked(&instances[i])
	}
	return b.pickLocked(b.Key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
