// Package loadbalance picks the hub instance a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  heterogeneous instances, by HubInstance.Weight
//   - ConsistentHash:  affinity, the same routing key lands on the same instance
package loadbalance

import (
	"context"
	"errors"

	"hub-rpc/registry"
)

// ErrNoInstances is returned by every balancer when the instance list is empty.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance from the available list. Implementations must be
// safe for concurrent use.
type Balancer interface {
	Pick(ctx context.Context, instances []registry.HubInstance) (*registry.HubInstance, error)
	Name() string
}

type routingKey struct{}

// WithKey attaches the routing key used by ConsistentHashBalancer.
func WithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routingKey{}, key)
}

// KeyFromContext returns the routing key set by WithKey.
func KeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(routingKey{}).(string)
	return key, ok
}

// New returns the balancer registered under name, defaulting to round robin.
func New(name string) Balancer {
	switch name {
	case "WeightedRandom", "weighted_random":
		return &WeightedRandomBalancer{}
	case "ConsistentHash", "consistent_hash":
		return NewConsistentHashBalancer()
	}
	return &RoundRobinBalancer{}
}
