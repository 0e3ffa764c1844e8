package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	keyPrefix  = "/async-network/"
	DefaultTTL = 10 // seconds
)

// EtcdRegistry implements the Registry interface using etcd v3, used as a
// "distributed phonebook" for services:
//
//	Key:   /async-network/{domain}/{type}/{name}
//	Value: JSON-encoded Instance
//
// Advertising uses TTL-based leases: if the server crashes, the lease expires
// and the entry disappears instead of lingering as a ghost instance.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	ttl    int64
	logger *log.Entry

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease of instances advertised by us
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
// Advertised instances live on leases of ttl seconds, DefaultTTL when ttl <= 0.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, ttl int64) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return NewEtcdRegistryFromClient(c, ttl), nil
}

// NewEtcdRegistryFromClient wraps an existing client. ttl is in seconds.
func NewEtcdRegistryFromClient(c *clientv3.Client, ttl int64) *EtcdRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &EtcdRegistry{
		client: c,
		ttl:    ttl,
		logger: log.WithField("component", "registry/etcd"),
		leases: make(map[string]clientv3.LeaseID),
	}
}

func typePrefix(serviceType, domain string) string {
	return keyPrefix + domain + "/" + serviceType + "/"
}

func instanceKey(i Instance) string {
	return typePrefix(i.Type, i.Domain) + i.Name
}

// Advertise puts the instance under a TTL lease and keeps the lease alive.
//
// The lease ID is tracked per key rather than on the struct, so one
// EtcdRegistry can advertise several instances.
func (r *EtcdRegistry) Advertise(ctx context.Context, instance Instance) error {
	instance = instance.withDefaults()
	if err := instance.validate(); err != nil {
		return err
	}

	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(instance)
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive outlives the caller's ctx; it stops when the lease is revoked
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	r.logger.WithField("key", key).WithField("addr", instance.Addr()).Info("service advertised")
	return nil
}

// StopAdvertising revokes the instance's lease (which deletes the key and
// ends KeepAlive) or deletes the key if it was advertised elsewhere.
func (r *EtcdRegistry) StopAdvertising(ctx context.Context, instance Instance) error {
	instance = instance.withDefaults()
	key := instanceKey(instance)

	r.mu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			return err
		}
	} else if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	r.logger.WithField("key", key).Info("service withdrawn")
	return nil
}

// Discover returns every instance under the reference's type prefix that
// matches its name.
func (r *EtcdRegistry) Discover(ctx context.Context, ref Reference) ([]Instance, error) {
	ref = ref.WithDefaults()

	var (
		resp *clientv3.GetResponse
		err  error
	)
	if ref.Name != "" {
		resp, err = r.client.Get(ctx, typePrefix(ref.Type, ref.Domain)+ref.Name)
	} else {
		resp, err = r.client.Get(ctx, typePrefix(ref.Type, ref.Domain), clientv3.WithPrefix())
	}
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.WithField("key", string(kv.Key)).WithError(err).Warn("skip malformed instance")
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Browse monitors a service type in etcd and emits the updated instance list
// whenever it changes (new instances, withdrawals, lease expirations).
//
// Uses etcd's Watch API (server push) rather than polling.
func (r *EtcdRegistry) Browse(ctx context.Context, serviceType, domain string) <-chan []Instance {
	ref := Reference{Type: serviceType, Domain: domain}.WithDefaults()
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)

		send := func() bool {
			instances, err := r.Discover(ctx, ref)
			if err != nil {
				r.logger.WithError(err).Warn("browse lookup failed")
				return ctx.Err() == nil
			}
			select {
			case ch <- instances:
				return true
			case <-ctx.Done():
				return false
			}
		}

		watchChan := r.client.Watch(ctx, typePrefix(ref.Type, ref.Domain), clientv3.WithPrefix())
		if !send() {
			return
		}
		// On any change, re-fetch the full instance list
		// (simpler than applying individual watch events)
		for range watchChan {
			if !send() {
				return
			}
		}
	}()

	return ch
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
