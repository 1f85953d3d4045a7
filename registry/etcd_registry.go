// Package registry provides hub discovery backed by etcd.
//
// etcd is used as a phonebook for hub instances:
//
//	Key:   /hub-rpc/{Hub}/{Addr}
//	Value: JSON-encoded HubInstance
//
// Registration uses TTL leases: when a server dies its lease expires and the
// entry disappears with it.
package registry

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/hub-rpc/"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // hub key -> lease, revoked on Deregister
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]clientv3.LeaseID)}, nil
}

func hubKey(hub, addr string) string {
	return keyPrefix + hub + "/" + addr
}

func hubPrefix(hub string) string {
	return keyPrefix + hub + "/"
}

// Register stores instance under a lease of ttl seconds and keeps the lease alive
// until Deregister or Close.
//
// The lease id lives in a map guarded by mu, not on the struct, so several servers
// can share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, hub string, instance HubInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := hubKey(hub, instance.Addr)
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// The keep-alive outlives the registering request.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", zap.String("key", key))
	}()
	r.logger.Info("hub registered", zap.String("hub", hub), zap.String("addr", instance.Addr), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, hub string, addr string) error {
	key := hubKey(hub, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			r.logger.Warn("lease revoke failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Watch emits the full instance list whenever anything under the hub prefix
// changes. The channel is closed when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, hub string) <-chan []HubInstance {
	ch := make(chan []HubInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, hubPrefix(hub), clientv3.WithPrefix())
		for range watchChan {
			// Re-reading the prefix is simpler than applying individual events.
			instances, err := r.Discover(ctx, hub)
			if err != nil {
				r.logger.Warn("rediscover after watch event failed", zap.String("hub", hub), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns every instance currently registered for hub.
func (r *EtcdRegistry) Discover(ctx context.Context, hub string) ([]HubInstance, error) {
	resp, err := r.client.Get(ctx, hubPrefix(hub), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]HubInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance HubInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close releases the etcd client; leases still held expire on their own.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
