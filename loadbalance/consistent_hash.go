package loadbalance

import (
	"context"
	"hash/crc32"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"hub-rpc/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps routing keys to instances using a hash ring.
// The same key maps to the same instance until the instance set changes.
//
// Each instance is placed on the ring as replicas virtual nodes so a handful of
// real instances still spread evenly.
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
	replicas int

	mu        sync.RWMutex
	ring      []uint32
	nodes     map[uint32]registry.HubInstance
	signature string // addresses the ring was built from
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: defaultReplicas,
		nodes:    make(map[uint32]registry.HubInstance),
	}
}

// Add places an instance onto the ring.
func (b *ConsistentHashBalancer) Add(instance registry.HubInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	b.signature = ""
}

func (b *ConsistentHashBalancer) add(instance registry.HubInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(instance.Addr + "#" + strconv.Itoa(i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	slices.Sort(b.ring)
}

// Lookup returns the instance owning key.
func (b *ConsistentHashBalancer) Lookup(key string) (*registry.HubInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lookup(key)
}

func (b *ConsistentHashBalancer) lookup(key string) (*registry.HubInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
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

// Pick rebuilds the ring when instances differ from the last call and routes by
// the key from WithKey. Without a key every call lands on the same instance.
func (b *ConsistentHashBalancer) Pick(ctx context.Context, instances []registry.HubInstance) (*registry.HubInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	key, _ := KeyFromContext(ctx)
	sig := signatureOf(instances)

	b.mu.RLock()
	if sig == b.signature {
		defer b.mu.RUnlock()
		return b.lookup(key)
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if sig != b.signature {
		b.ring = b.ring[:0]
		clear(b.nodes)
		for _, inst := range instances {
			b.add(inst)
		}
		b.signature = sig
	}
	return b.lookup(key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func signatureOf(instances []registry.HubInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	return strings.Join(addrs, ",")
}
