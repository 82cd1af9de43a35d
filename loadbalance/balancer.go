// Package loadbalance picks the endpoint a varlink call goes to when an
// interface is served by several instances.
//
//   - RoundRobin:     equal-capacity endpoints
//   - WeightedRandom: endpoints of different capacity
//   - ConsistentHash: an interface sticks to one endpoint while the set is stable
package loadbalance

import (
	"errors"
	"fmt"

	"mini-varlink/registry"
)

// ErrNoInstances is returned by Pick for an empty instance list.
var ErrNoInstances = errors.New("no instances available")

// Balancer selects one instance for a call. key is the interface name.
// Implementations are safe for concurrent use.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// Balancer names as used in configuration.
const (
	NameRoundRobin     = "round-robin"
	NameWeightedRandom = "weighted-random"
	NameConsistentHash = "consistent-hash"
)

// New returns the balancer registered under name; "" means round-robin.
func New(name string) (Balancer, error) {
	switch name {
	case "", NameRoundRobin:
		return &RoundRobin{}, nil
	case NameWeightedRandom:
		return &WeightedRandom{}, nil
	case NameConsistentHash:
		return NewConsistentHash(), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}
