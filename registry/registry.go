package registry

import "context"

// HubInstance describes one server instance hosting a hub.
type HubInstance struct {
	Addr string `json:"addr"`
	// Transport is "tcp" or "ws"; empty means "tcp".
	Transport string `json:"transport,omitempty"`
	// Path is the WebSocket endpoint path when Transport is "ws".
	Path    string `json:"path,omitempty"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, hub string, instance HubInstance, ttl int64) error
	Deregister(ctx context.Context, hub string, addr string) error
	Discover(ctx context.Context, hub string) ([]HubInstance, error)
	Watch(ctx context.Context, hub string) <-chan []HubInstance
}
