package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := reg.client.Status(ctx, "localhost:2379"); err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	inst1 := HubInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := HubInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0", Transport: "ws", Path: "/hub"}

	require.NoError(t, reg.Register(ctx, "Chat", inst1, 10))
	require.NoError(t, reg.Register(ctx, "Chat", inst2, 10))

	instances, err := reg.Discover(ctx, "Chat")
	require.NoError(t, err)
	require.ElementsMatch(t, []HubInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "Chat", inst1.Addr))

	instances, err = reg.Discover(ctx, "Chat")
	require.NoError(t, err)
	require.Equal(t, []HubInstance{inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "Chat", inst2.Addr))
}

func TestWatch(t *testing.T) {
	reg := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "Watched")
	inst := HubInstance{Addr: "127.0.0.1:8003", Weight: 1}
	// Give the watcher a moment to subscribe.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, reg.Register(context.Background(), "Watched", inst, 10))

	select {
	case got := <-updates:
		require.Contains(t, got, inst)
	case <-time.After(3 * time.Second):
		t.Fatal("no watch update")
	}

	require.NoError(t, reg.Deregister(context.Background(), "Watched", inst.Addr))
	cancel()
	for range updates {
	}
}
