// Package registry implements the discovery adapter: servers advertise a
// named service on a port, clients resolve a service reference to host:port.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

const (
	DefaultServiceType   = "_asyncnetwork._tcp"
	DefaultServiceDomain = "local."
)

var (
	// ErrNotFound is returned when a reference matches no advertised instance.
	ErrNotFound = errors.New("registry: service not found")
	// ErrInvalidInstance is returned for instances without a name or port.
	ErrInvalidInstance = errors.New("registry: invalid instance")
)

// Reference names a service that still has to be resolved to host:port.
type Reference struct {
	Name   string // Empty matches every instance of Type in Domain
	Type   string
	Domain string
}

// WithDefaults fills an empty type or domain with the package defaults.
func (r Reference) WithDefaults() Reference {
	if r.Type == "" {
		r.Type = DefaultServiceType
	}
	if r.Domain == "" {
		r.Domain = DefaultServiceDomain
	}
	return r
}

func (r Reference) String() string {
	r = r.WithDefaults()
	if r.Name == "" {
		return r.Type + "." + r.Domain
	}
	return r.Name + "." + r.Type + "." + r.Domain
}

// Instance is one advertised service endpoint.
type Instance struct {
	Name   string
	Type   string
	Domain string
	Host   string
	Port   int
	Weight int // Weight for load balancing
}

// Reference returns the reference that resolves to this instance.
func (i Instance) Reference() Reference {
	return Reference{Name: i.Name, Type: i.Type, Domain: i.Domain}
}

// Addr returns host:port.
func (i Instance) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

func (i Instance) withDefaults() Instance {
	ref := i.Reference().WithDefaults()
	i.Type, i.Domain = ref.Type, ref.Domain
	if i.Weight <= 0 {
		i.Weight = 1
	}
	return i
}

func (i Instance) validate() error {
	if i.Name == "" {
		return fmt.Errorf("%w: empty service name", ErrInvalidInstance)
	}
	if i.Port <= 0 || i.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidInstance, i.Port)
	}
	return nil
}

// matches reports whether the instance is selected by ref (defaults applied).
func (i Instance) matches(ref Reference) bool {
	return i.Type == ref.Type && i.Domain == ref.Domain && (ref.Name == "" || i.Name == ref.Name)
}

type Registry interface {
	// Advertise publishes an instance until StopAdvertising is called.
	Advertise(ctx context.Context, instance Instance) error
	// StopAdvertising withdraws a previously advertised instance.
	StopAdvertising(ctx context.Context, instance Instance) error
	// Discover returns every instance matching ref.
	Discover(ctx context.Context, ref Reference) ([]Instance, error)
	// Browse emits the current instance list of a type whenever it changes,
	// until ctx is done.
	Browse(ctx context.Context, serviceType, domain string) <-chan []Instance
}
