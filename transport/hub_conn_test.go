package transport

import (
	"context"
	"errors"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hub-rpc/codec"
	"hub-rpc/protocol"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// fakeServer is the far end of a pipe, scripted record by record.
type fakeServer struct {
	conn net.Conn
	r    *protocol.Reader
}

func newPair(t *testing.T, opts ...Option) (*HubConn, *fakeServer) {
	t.Helper()
	a, b := net.Pipe()
	hc := NewHubConn(a, append([]Option{WithKeepAliveInterval(0), WithServerTimeout(0)}, opts...)...)
	t.Cleanup(func() { hc.Close() })
	t.Cleanup(func() { b.Close() })
	return hc, &fakeServer{conn: b, r: protocol.NewReader(b, 0)}
}

func (f *fakeServer) expect(t *testing.T) string {
	t.Helper()
	require.NoError(t, f.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	rec, err := f.r.Next()
	require.NoError(t, err)
	return string(rec)
}

func (f *fakeServer) send(t *testing.T, rec string) {
	t.Helper()
	require.NoError(t, f.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, protocol.WriteRecord(f.conn, []byte(rec)))
}

func invokeAsync(hc *HubConn, ctx context.Context, target string, result any, args ...any) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- hc.Invoke(ctx, target, result, args...) }()
	return errc
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return")
		return nil
	}
}

func TestInvokeBindsResult(t *testing.T) {
	hc, srv := newPair(t)

	var p point
	errc := invokeAsync(hc, context.Background(), "Move", &p, 1, "a")
	assert.Equal(t, `{"type":1,"invocationId":"1","target":"Move","arguments":[1,"a"]}`, srv.expect(t))
	srv.send(t, `{"type":3,"invocationId":"1","result":{"x":1,"y":2}}`)

	require.NoError(t, wait(t, errc))
	assert.Equal(t, point{X: 1, Y: 2}, p)
}

func TestInvokeNullResult(t *testing.T) {
	hc, srv := newPair(t)

	n := 7
	errc := invokeAsync(hc, context.Background(), "Maybe", &n)
	srv.expect(t)
	srv.send(t, `{"type":3,"invocationId":"1","result":null}`)

	require.NoError(t, wait(t, errc))
	assert.Equal(t, 7, n, "a null result leaves the destination untouched")
}

func TestInvokeEmptyErrorIsSuccess(t *testing.T) {
	hc, srv := newPair(t)

	errc := invokeAsync(hc, context.Background(), "Ok", nil)
	srv.expect(t)
	srv.send(t, `{"type":3,"invocationId":"1","error":""}`)
	assert.NoError(t, wait(t, errc))
}

func TestInvokeConcurrentOutOfOrder(t *testing.T) {
	hc, srv := newPair(t)

	var a, b int
	errA := invokeAsync(hc, context.Background(), "A", &a)
	first := srv.expect(t)
	errB := invokeAsync(hc, context.Background(), "B", &b)
	second := srv.expect(t)
	require.Contains(t, first, `"target":"A"`)
	require.Contains(t, second, `"target":"B"`)

	srv.send(t, `{"type":3,"invocationId":"2","result":20}`)
	srv.send(t, `{"type":3,"invocationId":"1","result":10}`)
	require.NoError(t, wait(t, errA))
	require.NoError(t, wait(t, errB))
	assert.Equal(t, 10, a)
	assert.Equal(t, 20, b)
}

func TestInvokeServerError(t *testing.T) {
	hc, srv := newPair(t)

	errc := invokeAsync(hc, context.Background(), "Div", nil, 1, 0)
	srv.expect(t)
	srv.send(t, `{"type":3,"invocationId":"1","error":"division by zero"}`)

	var se *ServerError
	require.ErrorAs(t, wait(t, errc), &se)
	assert.Equal(t, "Div", se.Target)
	assert.Equal(t, "division by zero", se.Message)
}

func TestInvokeResultBindingFailure(t *testing.T) {
	hc, srv := newPair(t)

	var n int
	errc := invokeAsync(hc, context.Background(), "Count", &n)
	srv.expect(t)
	srv.send(t, `{"type":3,"invocationId":"1","result":"many"}`)

	var be *codec.BindingError
	require.ErrorAs(t, wait(t, errc), &be)
	assert.Equal(t, "1", be.InvocationID)
	assert.Nil(t, hc.Err(), "a result binding failure only fails its own call")
}

func TestInvokeContextCancel(t *testing.T) {
	hc, srv := newPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := invokeAsync(hc, ctx, "Slow", nil)
	srv.expect(t)
	cancel()
	assert.ErrorIs(t, wait(t, errc), context.Canceled)

	// The late completion is dropped and the connection keeps working.
	srv.send(t, `{"type":3,"invocationId":"1","result":1}`)
	var n int
	errc = invokeAsync(hc, context.Background(), "Fast", &n)
	srv.expect(t)
	srv.send(t, `{"type":3,"invocationId":"2","result":5}`)
	require.NoError(t, wait(t, errc))
	assert.Equal(t, 5, n)
}

func TestServerCloseFailsPending(t *testing.T) {
	hc, srv := newPair(t)

	errc := invokeAsync(hc, context.Background(), "Slow", nil)
	srv.expect(t)
	srv.send(t, `{"type":7,"error":"server shutting down"}`)

	err := wait(t, errc)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Contains(t, err.Error(), "server shutting down")

	<-hc.Done()
	assert.ErrorIs(t, hc.Err(), ErrConnectionClosed)
	assert.ErrorIs(t, hc.Invoke(context.Background(), "After", nil), ErrConnectionClosed)
}

func TestConnectionDropFailsPending(t *testing.T) {
	hc, srv := newPair(t)

	errc := invokeAsync(hc, context.Background(), "Slow", nil)
	srv.expect(t)
	srv.conn.Close()
	assert.ErrorIs(t, wait(t, errc), ErrConnectionClosed)
}

func TestMalformedRecordFromServer(t *testing.T) {
	hc, srv := newPair(t)

	errc := invokeAsync(hc, context.Background(), "Slow", nil)
	srv.expect(t)
	srv.send(t, `{"type":"three"}`)

	assert.Equal(t, `{"type":7,"error":"Connection closed with an error."}`, srv.expect(t))
	assert.ErrorIs(t, wait(t, errc), ErrConnectionClosed)
}

func TestOnHandler(t *testing.T) {
	hc, srv := newPair(t)

	got := make(chan string, 1)
	require.NoError(t, hc.On("Notice", func(text string, n int) {
		got <- strings.Repeat(text, n)
	}))
	require.NoError(t, hc.On("Double", func(n int) (int, error) {
		if n < 0 {
			return 0, errors.New("negative")
		}
		return n * 2, nil
	}))
	assert.Error(t, hc.On("Bad", 42))

	srv.send(t, `{"type":1,"target":"Notice","arguments":["ab",2]}`)
	select {
	case s := <-got:
		assert.Equal(t, "abab", s)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	srv.send(t, `{"type":1,"invocationId":"s1","target":"Double","arguments":[21]}`)
	assert.Equal(t, `{"type":3,"invocationId":"s1","result":42}`, srv.expect(t))

	srv.send(t, `{"type":1,"invocationId":"s2","target":"Double","arguments":[-1]}`)
	assert.Equal(t, `{"type":3,"invocationId":"s2","error":"negative"}`, srv.expect(t))

	srv.send(t, `{"type":1,"invocationId":"s3","target":"Double","arguments":["x"]}`)
	assert.Contains(t, srv.expect(t), `"invocationId":"s3","error":`)

	// Unknown client methods are ignored.
	srv.send(t, `{"type":1,"target":"Missing","arguments":[]}`)
	srv.send(t, `{"type":1,"invocationId":"s4","target":"Double","arguments":[1]}`)
	assert.Equal(t, `{"type":3,"invocationId":"s4","result":2}`, srv.expect(t))
}

func TestStreamItems(t *testing.T) {
	hc, srv := newPair(t)

	type opened struct {
		s   *Stream
		err error
	}
	oc := make(chan opened, 1)
	go func() {
		s, err := hc.Stream(context.Background(), "Count", reflect.TypeOf(0), 3)
		oc <- opened{s, err}
	}()
	assert.Equal(t, `{"type":4,"invocationId":"1","target":"Count","arguments":[3]}`, srv.expect(t))
	o := <-oc
	require.NoError(t, o.err)
	assert.Equal(t, "1", o.s.ID())

	srv.send(t, `{"type":2,"invocationId":"1","item":0}`)
	srv.send(t, `{"type":2,"invocationId":"1","item":1}`)
	srv.send(t, `{"type":2,"invocationId":"1","item":2}`)
	srv.send(t, `{"type":2,"invocationId":"1","item":null}`)
	srv.send(t, `{"type":3,"invocationId":"1"}`)

	items, err := Collect[int](o.s)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 0}, items)
}

func TestStreamCancelSendsCancelInvocation(t *testing.T) {
	hc, srv := newPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	sc := make(chan *Stream, 1)
	go func() {
		s, err := hc.Stream(ctx, "Forever", nil)
		if err == nil {
			sc <- s
		}
	}()
	srv.expect(t)
	s := <-sc

	cancel()
	assert.Equal(t, `{"type":5,"invocationId":"1"}`, srv.expect(t))
	srv.send(t, `{"type":3,"invocationId":"1","error":"stream canceled by client"}`)

	for range s.Items() {
	}
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestStreamItemBindingFailure(t *testing.T) {
	hc, srv := newPair(t)

	sc := make(chan *Stream, 1)
	go func() {
		s, err := hc.Stream(context.Background(), "Count", reflect.TypeOf(0))
		if err == nil {
			sc <- s
		}
	}()
	srv.expect(t)
	s := <-sc

	srv.send(t, `{"type":2,"invocationId":"1","item":"x"}`)
	assert.Equal(t, `{"type":5,"invocationId":"1"}`, srv.expect(t))

	_, err := Collect[int](s)
	var be *codec.BindingError
	assert.ErrorAs(t, err, &be)
}

func TestStreamServerError(t *testing.T) {
	hc, srv := newPair(t)

	sc := make(chan *Stream, 1)
	go func() {
		s, err := hc.Stream(context.Background(), "Count", reflect.TypeOf(0))
		if err == nil {
			sc <- s
		}
	}()
	srv.expect(t)
	s := <-sc

	srv.send(t, `{"type":2,"invocationId":"1","item":7}`)
	srv.send(t, `{"type":3,"invocationId":"1","error":"producer failed"}`)
	items, err := Collect[int](s)
	assert.Equal(t, []int{7}, items)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "producer failed", se.Message)
}

func TestSend(t *testing.T) {
	hc, srv := newPair(t)

	errc := make(chan error, 1)
	go func() { errc <- hc.Send(context.Background(), "Notify", "hi") }()
	assert.Equal(t, `{"type":1,"target":"Notify","arguments":["hi"]}`, srv.expect(t))
	require.NoError(t, wait(t, errc))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, hc.Send(ctx, "Notify"), context.Canceled)
}

func TestKeepAlivePing(t *testing.T) {
	_, srv := newPair(t, WithKeepAliveInterval(10*time.Millisecond))
	assert.Equal(t, `{"type":6}`, srv.expect(t))
}

func TestClose(t *testing.T) {
	hc, srv := newPair(t)

	done := make(chan struct{})
	go func() {
		hc.Close()
		close(done)
	}()
	assert.Equal(t, `{"type":7}`, srv.expect(t))
	<-done
	assert.ErrorIs(t, hc.Err(), ErrConnectionClosed)
}
