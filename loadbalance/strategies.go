package loadbalance

import (
	"math/rand/v2"
	"sync/atomic"

	"mini-varlink/registry"
)

// RoundRobin cycles through the instances using a lock-free counter.
type RoundRobin struct {
	counter atomic.Uint64
}

func (b *RoundRobin) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobin) Name() string {
	return NameRoundRobin
}

// WeightedRandom picks an instance with probability proportional to its
// weight. A weight below 1 counts as 1.
type WeightedRandom struct{}

func weightOf(inst registry.ServiceInstance) int {
	if inst.Weight < 1 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandom) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	total := 0
	for _, inst := range instances {
		total += weightOf(inst)
	}
	r := rand.IntN(total)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandom) Name() string {
	return NameWeightedRandom
}
