package transport_test

import (
	"context"
	"net"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hub-rpc/server"
	"hub-rpc/transport"
)

type Args struct {
	A, B int
}

type Arith struct{}

func (a *Arith) Add(x, y int) int { return x + y }

func (a *Arith) Sum(args Args) int { return args.A + args.B }

func (a *Arith) Range(ctx context.Context, n int) <-chan int {
	ch := make(chan int)
	go func() {
		defer close(ch)
		for i := 0; i < n; i++ {
			select {
			case ch <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (a *Arith) Ticks(ctx context.Context) <-chan time.Time {
	ch := make(chan time.Time)
	go func() {
		defer close(ch)
		t := time.NewTicker(5 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case now := <-t.C:
				select {
				case ch <- now:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	svr := server.NewServer(server.WithKeepAliveInterval(0))
	require.NoError(t, svr.Register(&Arith{}))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, l.Addr().String()
}

func dial(t *testing.T, addr string) *transport.HubConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hc, err := transport.Dial(ctx, addr, transport.WithKeepAliveInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { hc.Close() })
	return hc
}

func TestHubConnSerial(t *testing.T) {
	_, addr := startServer(t)
	hc := dial(t, addr)

	cases := []struct {
		a, b, expect int
	}{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	}
	for _, tc := range cases {
		var sum int
		require.NoError(t, hc.Invoke(context.Background(), "Add", &sum, tc.a, tc.b))
		assert.Equal(t, tc.expect, sum)
	}

	var sum int
	require.NoError(t, hc.Invoke(context.Background(), "Sum", &sum, Args{A: 4, B: 5}))
	assert.Equal(t, 9, sum)
}

// Many goroutines share one connection.
func TestHubConnConcurrent(t *testing.T) {
	_, addr := startServer(t)
	hc := dial(t, addr)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var sum int
			if err := hc.Invoke(context.Background(), "Add", &sum, n, n); err != nil {
				t.Errorf("invoke failed: %v", err)
				return
			}
			if sum != n*2 {
				t.Errorf("expect %d, got %d", n*2, sum)
			}
		}(i)
	}
	wg.Wait()
}

func TestHubConnArgumentMismatch(t *testing.T) {
	_, addr := startServer(t)
	hc := dial(t, addr)

	var se *transport.ServerError
	err := hc.Invoke(context.Background(), "Add", nil, 1)
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "failed to invoke 'Add'")
}

func TestHubConnStream(t *testing.T) {
	_, addr := startServer(t)
	hc := dial(t, addr)

	s, err := hc.Stream(context.Background(), "Range", reflect.TypeOf(0), 5)
	require.NoError(t, err)
	items, err := transport.Collect[int](s)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, items)
}

func TestHubConnStreamCancel(t *testing.T) {
	_, addr := startServer(t)
	hc := dial(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := hc.Stream(ctx, "Ticks", reflect.TypeOf(time.Time{}))
	require.NoError(t, err)

	first := <-s.Items()
	assert.IsType(t, time.Time{}, first)
	cancel()
	for range s.Items() {
	}
	assert.ErrorIs(t, s.Err(), context.Canceled)

	// The connection is still usable after the cancellation round trip.
	var sum int
	require.NoError(t, hc.Invoke(context.Background(), "Add", &sum, 2, 3))
	assert.Equal(t, 5, sum)
}

func TestHubConnReceivesBroadcast(t *testing.T) {
	svr, addr := startServer(t)
	hc := dial(t, addr)

	got := make(chan string, 1)
	require.NoError(t, hc.On("Notice", func(text string) { got <- text }))
	require.Eventually(t, func() bool { return len(svr.ConnectionIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svr.Broadcast("Notice", "maintenance at noon"))
	select {
	case text := <-got:
		assert.Equal(t, "maintenance at noon", text)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not received")
	}
}

func TestHubConnServerShutdown(t *testing.T) {
	svr, addr := startServer(t)
	hc := dial(t, addr)
	require.Eventually(t, func() bool { return len(svr.ConnectionIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svr.Shutdown(time.Second))
	select {
	case <-hc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
	assert.ErrorIs(t, hc.Err(), transport.ErrConnectionClosed)
}

func TestHubConnWebSocket(t *testing.T) {
	svr := server.NewServer(server.WithKeepAliveInterval(0))
	require.NoError(t, svr.Register(&Arith{}))
	hs := httptest.NewServer(svr.WebSocketHandler())
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, err := transport.DialWebSocket(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	require.NoError(t, err)
	hc := transport.NewHubConn(ws, transport.WithKeepAliveInterval(0))
	defer hc.Close()

	var sum int
	require.NoError(t, hc.Invoke(ctx, "Add", &sum, 20, 22))
	assert.Equal(t, 42, sum)

	s, err := hc.Stream(ctx, "Range", reflect.TypeOf(0), 3)
	require.NoError(t, err)
	items, err := transport.Collect[int](s)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, items)
}

func TestPool(t *testing.T) {
	_, addr := startServer(t)

	dials := 0
	pool := transport.NewPool(addr, 2, func(ctx context.Context) (*transport.HubConn, error) {
		dials++
		return transport.Dial(ctx, addr, transport.WithKeepAliveInterval(0))
	})
	defer pool.Close()
	assert.Equal(t, addr, pool.Addr())

	ctx := context.Background()
	c1, err := pool.Get(ctx)
	require.NoError(t, err)
	c2, err := pool.Get(ctx)
	require.NoError(t, err)
	c3, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Contains(t, []*transport.HubConn{c1, c2}, c3)
	assert.Equal(t, 2, dials)

	// A closed connection is replaced on the next Get.
	c1.Close()
	<-c1.Done()
	c4, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c1, c4)
	assert.Equal(t, 2, pool.Len())

	var sum int
	require.NoError(t, c4.Invoke(ctx, "Add", &sum, 1, 1))
	assert.Equal(t, 2, sum)

	require.NoError(t, pool.Close())
	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, transport.ErrPoolClosed)
}
