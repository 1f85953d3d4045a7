package loadbalance

import (
	"context"
	"math/rand/v2"

	"hub-rpc/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to its
// Weight. Instances with a non-positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ context.Context, instances []registry.HubInstance) (*registry.HubInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	total := 0
	for _, v := range instances {
		total += weightOf(v)
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

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weightOf(inst registry.HubInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
