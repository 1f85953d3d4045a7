package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRegistry(t *testing.T) {
	var _ Registry = NewStaticRegistry()
	reg := NewStaticRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "Chat", HubInstance{Addr: "a:1", Weight: 1}, 10))
	require.NoError(t, reg.Register(ctx, "Chat", HubInstance{Addr: "b:1", Weight: 1}, 10))
	require.NoError(t, reg.Register(ctx, "Chat", HubInstance{Addr: "a:1", Weight: 5}, 10))

	list, err := reg.Discover(ctx, "Chat")
	require.NoError(t, err)
	assert.Equal(t, []HubInstance{{Addr: "b:1", Weight: 1}, {Addr: "a:1", Weight: 5}}, list)

	list[0].Addr = "mutated"
	again, _ := reg.Discover(ctx, "Chat")
	assert.Equal(t, "b:1", again[0].Addr)

	require.NoError(t, reg.Deregister(ctx, "Chat", "b:1"))
	list, _ = reg.Discover(ctx, "Chat")
	assert.Equal(t, []HubInstance{{Addr: "a:1", Weight: 5}}, list)

	empty, err := reg.Discover(ctx, "Other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStaticRegistryWatch(t *testing.T) {
	reg := NewStaticRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	ch := reg.Watch(ctx, "Chat")

	require.NoError(t, reg.Register(context.Background(), "Chat", HubInstance{Addr: "a:1"}, 10))
	require.NoError(t, reg.Register(context.Background(), "Chat", HubInstance{Addr: "b:1"}, 10))

	select {
	case list := <-ch:
		assert.Len(t, list, 2, "only the latest list is kept")
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
