// Package transport implements the client side of a hub connection: many
// concurrent invocations multiplexed over one stream of JSON hub records.
//
// Each invocation gets a unique invocation id. A single goroutine (recvLoop) reads
// records and routes completions and stream items to the caller waiting on that id.
//
//	goroutine-1 ──Invoke(id=1)──┐
//	goroutine-2 ──Invoke(id=2)──┼──→ single conn ──→ Server
//	goroutine-3 ──Stream(id=3)──┘
//
//	recvLoop:  ←── Completion(id=2) → pending["2"] → goroutine-2 wakes up
//
// The pending table doubles as the codec's binder: a completion's result binds to
// the type its caller asked for, and a server-to-client invocation binds to the
// parameters of the handler registered with On.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hub-rpc/codec"
	"hub-rpc/message"
	"hub-rpc/protocol"
)

const (
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultServerTimeout     = 30 * time.Second
	streamBuffer             = 16
)

type pendingCall struct {
	target     string
	returnType reflect.Type
	done       chan callResult // invocations only, buffered

	stream *Stream // stream invocations only
}

type callResult struct {
	completion *message.Completion
	err        error
}

type handler struct {
	fn     reflect.Value
	params []reflect.Type
}

// HubConn is a multiplexed hub connection. It is safe for concurrent use.
type HubConn struct {
	rwc      io.ReadWriteCloser
	protocol *codec.JSONHubProtocol
	logger   *zap.Logger

	keepAlive     time.Duration
	serverTimeout time.Duration
	maxRecordSize int

	seq     atomic.Uint64
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]*pendingCall
	handlers map[string]*handler

	closed    chan struct{}
	closeErr  error
	closeOnce sync.Once
}

type Option func(*HubConn)

func WithLogger(l *zap.Logger) Option {
	return func(c *HubConn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithKeepAliveInterval sets how often a Ping is sent. Zero disables pings.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *HubConn) { c.keepAlive = d }
}

// WithServerTimeout sets how long the server may stay silent before the
// connection is considered dead. Zero disables the check.
func WithServerTimeout(d time.Duration) Option {
	return func(c *HubConn) { c.serverTimeout = d }
}

func WithMaxRecordSize(n int) Option {
	return func(c *HubConn) { c.maxRecordSize = n }
}

// Dial connects to a hub served over TCP.
func Dial(ctx context.Context, addr string, opts ...Option) (*HubConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewHubConn(conn, opts...), nil
}

// NewHubConn takes ownership of rwc and starts the receive and keep-alive loops.
func NewHubConn(rwc io.ReadWriteCloser, opts ...Option) *HubConn {
	c := &HubConn{
		rwc:           rwc,
		logger:        zap.NewNop(),
		keepAlive:     DefaultKeepAliveInterval,
		serverTimeout: DefaultServerTimeout,
		pending:       make(map[string]*pendingCall),
		handlers:      make(map[string]*handler),
		closed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.protocol = codec.NewJSONHubProtocol(codec.WithLogger(c.logger.Named("codec")))
	go c.recvLoop()
	go c.heartbeatLoop()
	return c
}

// On registers fn as the handler for server-to-client invocations of target.
// fn's parameters are the invocation's arguments; it may return nothing, a value,
// an error or (value, error). Handlers run on the receive goroutine in arrival
// order, so they must not block on calls over the same connection.
func (c *HubConn) On(target string, fn any) error {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return fmt.Errorf("transport: handler for %s must be a func, got %T", target, fn)
	}
	t := v.Type()
	params := make([]reflect.Type, t.NumIn())
	for i := range params {
		params[i] = t.In(i)
	}
	c.mu.Lock()
	c.handlers[target] = &handler{fn: v, params: params}
	c.mu.Unlock()
	return nil
}

// Invoke calls target and waits for its completion. When result is a non-nil
// pointer the completion's result is bound to its element type and stored there.
func (c *HubConn) Invoke(ctx context.Context, target string, result any, args ...any) error {
	var rt reflect.Type
	var rv reflect.Value
	if result != nil {
		rv = reflect.ValueOf(result)
		if rv.Kind() != reflect.Ptr || rv.IsNil() {
			return fmt.Errorf("transport: result must be a non-nil pointer, got %T", result)
		}
		rt = rv.Type().Elem()
	}

	id := c.nextID()
	call := &pendingCall{target: target, returnType: rt, done: make(chan callResult, 1)}
	if err := c.addPending(id, call); err != nil {
		return err
	}
	if err := c.write(&message.Invocation{InvocationID: id, Target: target, Arguments: argsOrEmpty(args)}); err != nil {
		c.removePending(id)
		return err
	}

	select {
	case res := <-call.done:
		if res.err != nil {
			return res.err
		}
		completion := res.completion
		if completion.Error != "" {
			return &ServerError{Target: target, Message: completion.Error}
		}
		if rt != nil && completion.HasResult && completion.Result != nil {
			rv.Elem().Set(reflect.ValueOf(completion.Result))
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	}
}

// Send invokes target without waiting for, or receiving, a completion.
func (c *HubConn) Send(ctx context.Context, target string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(&message.Invocation{Target: target, Arguments: argsOrEmpty(args)})
}

// Stream starts a streaming invocation whose items bind to itemType (nil for the
// generic JSON shape). Cancelling ctx sends a CancelInvocation to the server.
func (c *HubConn) Stream(ctx context.Context, target string, itemType reflect.Type, args ...any) (*Stream, error) {
	id := c.nextID()
	s := newStream(ctx, id, itemType)
	if err := c.addPending(id, &pendingCall{target: target, stream: s}); err != nil {
		return nil, err
	}
	if err := c.write(&message.StreamInvocation{InvocationID: id, Target: target, Arguments: argsOrEmpty(args)}); err != nil {
		c.removePending(id)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			if c.isPending(id) {
				_ = c.write(&message.CancelInvocation{InvocationID: id})
			}
		case <-s.done:
		case <-c.closed:
		}
	}()
	return s, nil
}

// Done is closed once the connection is closed.
func (c *HubConn) Done() <-chan struct{} {
	return c.closed
}

// Err reports why the connection closed, or nil while it is open.
func (c *HubConn) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Close sends a Close message and shuts the connection down. Pending calls fail
// with ErrConnectionClosed.
func (c *HubConn) Close() error {
	_ = c.write(message.EmptyClose)
	c.shutdown(ErrConnectionClosed)
	return nil
}

func (c *HubConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		c.rwc.Close()
	})
}

func (c *HubConn) nextID() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}

func (c *HubConn) addPending(id string, call *pendingCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return c.closedErr()
	default:
	}
	c.pending[id] = call
	return nil
}

func (c *HubConn) removePending(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

func (c *HubConn) isPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

func (c *HubConn) lookupPending(id string) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	return call, ok
}

func (c *HubConn) closedErr() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrConnectionClosed
}

func (c *HubConn) write(m message.HubMessage) error {
	b, err := c.protocol.GetMessageBytes(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return c.closedErr()
	default:
	}
	if _, err := c.rwc.Write(b); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// recvLoop owns every stream's item channel: only this goroutine sends on or
// closes them.
func (c *HubConn) recvLoop() {
	reader := protocol.NewReader(c.rwc, c.maxRecordSize)
	var err error
	for {
		if c.serverTimeout > 0 {
			if d, ok := c.rwc.(interface{ SetReadDeadline(time.Time) error }); ok {
				_ = d.SetReadDeadline(time.Now().Add(c.serverTimeout))
			}
		}
		var record []byte
		record, err = reader.Next()
		if err != nil {
			break
		}
		var msg message.HubMessage
		msg, err = c.protocol.ParseMessage(record, binder{c})
		if err != nil {
			var be *codec.BindingError
			if errors.As(err, &be) {
				c.failInvocation(be.InvocationID, be)
				err = nil
				continue
			}
			c.logger.Warn("malformed record from server", zap.Error(err))
			_ = c.write(message.NewCloseError("Connection closed with an error."))
			break
		}
		if closeMsg, ok := msg.(*message.Close); ok {
			err = ErrConnectionClosed
			if closeMsg.HasError {
				err = fmt.Errorf("%w: server closed the connection: %s", ErrConnectionClosed, closeMsg.Error)
			}
			break
		}
		c.dispatch(msg)
	}

	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = ErrConnectionClosed
	} else if !errors.Is(err, ErrConnectionClosed) {
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	c.shutdown(err)
	c.failAll()
}

func (c *HubConn) dispatch(msg message.HubMessage) {
	switch m := msg.(type) {
	case *message.Completion:
		call := c.removePending(m.InvocationID)
		if call == nil {
			return
		}
		if call.stream != nil {
			if m.Error != "" {
				call.stream.finish(&ServerError{Target: call.target, Message: m.Error})
			} else {
				call.stream.finish(nil)
			}
			return
		}
		call.done <- callResult{completion: m}
	case *message.StreamItem:
		call, ok := c.lookupPending(m.InvocationID)
		if ok && call.stream != nil {
			call.stream.deliver(m.Item)
		}
	case *message.StreamBindingFailure:
		c.logger.Warn("stream item did not bind", zap.String("invocationId", m.InvocationID), zap.Error(m.Err))
		if call := c.removePending(m.InvocationID); call != nil && call.stream != nil {
			call.stream.finish(m.Err)
			_ = c.write(&message.CancelInvocation{InvocationID: m.InvocationID})
		}
	case *message.Invocation:
		c.handleInvocation(m)
	case *message.InvocationBindingFailure:
		c.logger.Warn("server invocation did not bind", zap.String("target", m.Target), zap.Error(m.Err))
		if m.InvocationID != "" {
			_ = c.write(message.NewCompletionError(m.InvocationID, m.Err.Error()))
		}
	case *message.Ping:
	default:
		c.logger.Debug("ignoring message", zap.Stringer("type", msg.MessageType()))
	}
}

// failInvocation fails one pending call whose completion could not be bound.
func (c *HubConn) failInvocation(id string, err error) {
	call := c.removePending(id)
	if call == nil {
		c.logger.Debug("dropping completion for unknown invocation", zap.String("invocationId", id))
		return
	}
	if call.stream != nil {
		call.stream.finish(err)
		return
	}
	call.done <- callResult{err: err}
}

func (c *HubConn) failAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		if call.stream != nil {
			call.stream.finish(c.closeErr)
			continue
		}
		call.done <- callResult{err: c.closeErr}
	}
}

func (c *HubConn) handleInvocation(inv *message.Invocation) {
	c.mu.Lock()
	h, ok := c.handlers[inv.Target]
	c.mu.Unlock()
	if !ok {
		return
	}

	in := make([]reflect.Value, len(inv.Arguments))
	for i, arg := range inv.Arguments {
		if arg == nil {
			in[i] = reflect.Zero(h.params[i])
		} else {
			in[i] = reflect.ValueOf(arg)
		}
	}
	out, err := callHandler(h.fn, in)
	if inv.InvocationID == "" {
		if err != nil {
			c.logger.Warn("handler failed", zap.String("target", inv.Target), zap.Error(err))
		}
		return
	}
	if err != nil {
		_ = c.write(message.NewCompletionError(inv.InvocationID, err.Error()))
		return
	}
	_ = c.write(message.NewCompletionResult(inv.InvocationID, out))
}

func callHandler(fn reflect.Value, in []reflect.Value) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	out := fn.Call(in)
	if n := len(out); n > 0 && out[n-1].Type() == reflect.TypeOf((*error)(nil)).Elem() {
		if !out[n-1].IsNil() {
			return nil, out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	if len(out) > 0 {
		return out[0].Interface(), nil
	}
	return nil, nil
}

func (c *HubConn) heartbeatLoop() {
	if c.keepAlive <= 0 {
		return
	}
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.write(message.PingMessage); err != nil {
				return
			}
		}
	}
}

func argsOrEmpty(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

// binder resolves payload types from the pending table and the handler set.
type binder struct {
	c *HubConn
}

func (b binder) ParameterTypes(target string) ([]reflect.Type, error) {
	c := b.c
	c.mu.Lock()
	h, ok := c.handlers[target]
	c.mu.Unlock()
	if !ok {
		return nil, &codec.BindingError{Target: target, Msg: fmt.Sprintf("no client method '%s'", target)}
	}
	return h.params, nil
}

func (b binder) ReturnType(invocationID string) (reflect.Type, error) {
	call, ok := b.c.lookupPending(invocationID)
	if !ok || call.stream != nil {
		// A stream's Completion carries no result.
		if ok {
			return nil, nil
		}
		return nil, &codec.BindingError{InvocationID: invocationID, Msg: "no pending invocation"}
	}
	return call.returnType, nil
}

func (b binder) StreamItemType(streamID string) (reflect.Type, error) {
	call, ok := b.c.lookupPending(streamID)
	if !ok || call.stream == nil {
		return nil, &codec.BindingError{InvocationID: streamID, Msg: "no pending stream"}
	}
	return call.stream.itemType, nil
}
