package registry

import (
	"context"
	"slices"
	"sync"
)

// StaticRegistry keeps instances in memory. It serves fixed deployments and
// tests; TTLs are ignored.
type StaticRegistry struct {
	mu       sync.Mutex
	hubs     map[string][]HubInstance
	watchers map[string][]chan []HubInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		hubs:     make(map[string][]HubInstance),
		watchers: make(map[string][]chan []HubInstance),
	}
}

// Register adds instance to hub, replacing any instance with the same address.
func (r *StaticRegistry) Register(_ context.Context, hub string, instance HubInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := slices.DeleteFunc(r.hubs[hub], func(in HubInstance) bool { return in.Addr == instance.Addr })
	r.hubs[hub] = append(list, instance)
	r.notify(hub)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, hub string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hubs[hub] = slices.DeleteFunc(r.hubs[hub], func(in HubInstance) bool { return in.Addr == addr })
	r.notify(hub)
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, hub string) ([]HubInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.hubs[hub]), nil
}

// Watch delivers the instance list of hub after every change until ctx is done.
// A watcher that falls behind only sees the latest list.
func (r *StaticRegistry) Watch(ctx context.Context, hub string) <-chan []HubInstance {
	ch := make(chan []HubInstance, 1)
	r.mu.Lock()
	r.watchers[hub] = append(r.watchers[hub], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.watchers[hub] = slices.DeleteFunc(r.watchers[hub], func(c chan []HubInstance) bool { return c == ch })
		r.mu.Unlock()
		close(ch)
	}()
	return ch
}

// notify must be called with r.mu held.
func (r *StaticRegistry) notify(hub string) {
	for _, ch := range r.watchers[hub] {
		select {
		case <-ch:
		default:
		}
		ch <- slices.Clone(r.hubs[hub])
	}
}
