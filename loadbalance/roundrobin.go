package loadbalance

import (
	"context"
	"sync/atomic"

	"hub-rpc/registry"
)

// RoundRobinBalancer cycles through instances in order with a lock-free counter.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(_ context.Context, instances []registry.HubInstance) (*registry.HubInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
