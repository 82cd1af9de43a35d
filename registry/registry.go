// Package registry resolves a varlink interface name to the endpoints that
// serve it.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"mini-varlink/config"
)

// ErrNoInstances is returned by Discover when nothing serves an interface.
var ErrNoInstances = errors.New("no instances registered")

// ServiceInstance is one endpoint serving an interface.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // for weighted balancing
	Version string `json:"version,omitempty"`
}

// Registry maps interface names to instances.
type Registry interface {
	Register(iface string, instance ServiceInstance, ttl int64) error
	Deregister(iface string, addr string) error
	Discover(iface string) ([]ServiceInstance, error)
	Watch(iface string) <-chan []ServiceInstance
}

// Static is an in-memory registry, usually filled from the configuration
// file. TTLs are ignored.
type Static struct {
	mu       sync.RWMutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

// NewStatic returns an empty static registry.
func NewStatic() *Static {
	return &Static{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

// FromConfig builds a static registry from the services section.
func FromConfig(services map[string][]config.InstanceConfig) *Static {
	r := NewStatic()
	for iface, instances := range services {
		for _, inst := range instances {
			r.Register(iface, ServiceInstance{Addr: inst.Address, Weight: inst.Weight, Version: inst.Version}, 0)
		}
	}
	return r
}

// Register adds or replaces the instance at instance.Addr.
func (r *Static) Register(iface string, instance ServiceInstance, _ int64) error {
	if instance.Addr == "" {
		return fmt.Errorf("register %s: empty address", iface)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[iface] == nil {
		r.services[iface] = make(map[string]ServiceInstance)
	}
	r.services[iface][instance.Addr] = instance
	r.notify(iface)
	return nil
}

func (r *Static) Deregister(iface string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[iface], addr)
	r.notify(iface)
	return nil
}

// Discover returns the instances sorted by address.
func (r *Static) Discover(iface string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instances := r.list(iface)
	if len(instances) == 0 {
		return nil, fmt.Errorf("%s: %w", iface, ErrNoInstances)
	}
	return instances, nil
}

// Watch emits the instance list after every change. Slow readers only see
// the latest list.
func (r *Static) Watch(iface string) <-chan []ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	r.watchers[iface] = append(r.watchers[iface], ch)
	return ch
}

// Interfaces returns the registered interface names, sorted.
func (r *Static) Interfaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name, instances := range r.services {
		if len(instances) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Static) list(iface string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.services[iface]))
	for _, inst := range r.services[iface] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

// notify is called with r.mu held.
func (r *Static) notify(iface string) {
	if len(r.watchers[iface]) == 0 {
		return
	}
	instances := r.list(iface)
	for _, ch := range r.watchers[iface] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
