package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"mini-varlink/registry"
)

// ConsistentHash maps a key onto a hash ring of instances. Each instance owns
// many virtual nodes so that a few instances still spread evenly:
//
//	        0
//	      ╱   ╲
//	 B ●         ● A
//	   │  key ◆──►│      clockwise to the nearest node → A
//	 C ●         ● A'    (virtual node of A)
//	      ╲   ╱
//
// The ring is rebuilt whenever Pick sees a different instance set.
type ConsistentHash struct {
	replicas int

	mu    sync.Mutex
	set   string // signature of the instances the ring was built from
	ring  []uint32
	nodes map[uint32]registry.ServiceInstance
}

// NewConsistentHash returns a ring with 100 virtual nodes per instance.
func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{replicas: 100}
}

func (b *ConsistentHash) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sig := signature(instances); sig != b.set {
		b.rebuild(instances)
		b.set = sig
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHash) rebuild(instances []registry.ServiceInstance) {
	b.ring = make([]uint32, 0, len(instances)*b.replicas)
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	slices.Sort(b.ring)
}

func signature(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	return strings.Join(addrs, "\x00")
}

func (b *ConsistentHash) Name() string {
	return NameConsistentHash
}
