// Package client calls hub methods on servers found through a registry.
//
// Targets are addressed as "Hub.Method": the hub name selects the instances to
// pick from, the method name is the invocation target.
package client

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"hub-rpc/loadbalance"
	"hub-rpc/registry"
	"hub-rpc/transport"
)

const defaultPoolSize = 2

type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	logger   *zap.Logger

	poolSize  int
	reconnect func() backoff.BackOff
	connOpts  []transport.Option

	mu    sync.Mutex
	pools map[string]*transport.Pool // instance address -> connections
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPoolSize sets how many connections are kept per instance.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

// WithReconnectPolicy sets the policy used when dialing an instance fails. Each
// dial attempt gets a fresh policy from newPolicy.
func WithReconnectPolicy(newPolicy func() backoff.BackOff) Option {
	return func(c *Client) { c.reconnect = newPolicy }
}

// WithConnOptions passes options to every HubConn the client opens.
func WithConnOptions(opts ...transport.Option) Option {
	return func(c *Client) { c.connOpts = append(c.connOpts, opts...) }
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	c := &Client{
		registry:  reg,
		balancer:  bal,
		logger:    zap.NewNop(),
		poolSize:  defaultPoolSize,
		reconnect: DefaultReconnectPolicy,
		pools:     make(map[string]*transport.Pool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke calls "Hub.Method" and stores the result in result, a pointer or nil.
func (c *Client) Invoke(ctx context.Context, hubMethod string, result any, args ...any) error {
	conn, method, err := c.connFor(ctx, hubMethod)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, method, result, args...)
}

// Send calls "Hub.Method" without waiting for a completion.
func (c *Client) Send(ctx context.Context, hubMethod string, args ...any) error {
	conn, method, err := c.connFor(ctx, hubMethod)
	if err != nil {
		return err
	}
	return conn.Send(ctx, method, args...)
}

// Stream starts a streaming invocation of "Hub.Method".
func (c *Client) Stream(ctx context.Context, hubMethod string, itemType reflect.Type, args ...any) (*transport.Stream, error) {
	conn, method, err := c.connFor(ctx, hubMethod)
	if err != nil {
		return nil, err
	}
	return conn.Stream(ctx, method, itemType, args...)
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	c.mu.Lock()
	pools := c.pools
	c.pools = make(map[string]*transport.Pool)
	c.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
	return nil
}

func splitHubMethod(hubMethod string) (string, string, error) {
	hub, method, ok := strings.Cut(hubMethod, ".")
	if !ok || hub == "" || method == "" || strings.Contains(method, ".") {
		return "", "", fmt.Errorf("client: invalid hub method %q, want \"Hub.Method\"", hubMethod)
	}
	return hub, method, nil
}

func (c *Client) connFor(ctx context.Context, hubMethod string) (*transport.HubConn, string, error) {
	hub, method, err := splitHubMethod(hubMethod)
	if err != nil {
		return nil, "", err
	}

	instances, err := c.registry.Discover(ctx, hub)
	if err != nil {
		return nil, "", fmt.Errorf("client: discover %s: %w", hub, err)
	}
	instance, err := c.balancer.Pick(ctx, instances)
	if err != nil {
		return nil, "", fmt.Errorf("client: pick instance of %s: %w", hub, err)
	}

	conn, err := c.pool(*instance).Get(ctx)
	if err != nil {
		return nil, "", err
	}
	return conn, method, nil
}

func (c *Client) pool(instance registry.HubInstance) *transport.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[instance.Addr]
	if !ok {
		p = transport.NewPool(instance.Addr, c.poolSize, func(ctx context.Context) (*transport.HubConn, error) {
			return c.dial(ctx, instance)
		})
		c.pools[instance.Addr] = p
	}
	return p
}

// dial opens a connection to instance, retrying per the reconnect policy.
func (c *Client) dial(ctx context.Context, instance registry.HubInstance) (*transport.HubConn, error) {
	opts := append([]transport.Option{transport.WithLogger(c.logger.Named("conn"))}, c.connOpts...)
	attempt := 0
	op := func() (*transport.HubConn, error) {
		attempt++
		if instance.Transport == "ws" {
			u := url.URL{Scheme: "ws", Host: instance.Addr, Path: instance.Path}
			ws, err := transport.DialWebSocket(ctx, u.String(), nil)
			if err != nil {
				return nil, err
			}
			return transport.NewHubConn(ws, opts...), nil
		}
		return transport.Dial(ctx, instance.Addr, opts...)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("dial failed, retrying",
			zap.String("addr", instance.Addr), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotifyWithData(op, backoff.WithContext(c.reconnect(), ctx), notify)
}
