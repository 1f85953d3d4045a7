// Package server hosts hubs over the JSON hub protocol.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads records)
//	  → codec.ParseMessage (the server binds arguments to hub method parameters)
//	    → Invocation:       go invoke → Middleware Chain → businessHandler (reflect.Call) → Completion
//	    → StreamInvocation: go stream → StreamItem... → Completion
//	    → CancelInvocation: cancels the matching stream
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hub-rpc/codec"
	"hub-rpc/message"
	"hub-rpc/middleware"
	"hub-rpc/registry"
	"hub-rpc/transport"
)

const (
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultClientTimeout     = 30 * time.Second
	registrationTTL          = 10
)

// Server hosts registered hubs and serves their methods to connected peers.
type Server struct {
	hubs    []*hub
	targets map[string]*methodType // method name -> method, across all hubs

	protocol *codec.JSONHubProtocol
	logger   *zap.Logger
	metrics  *Metrics

	keepAlive     time.Duration
	clientTimeout time.Duration
	maxRecordSize int
	upgrader      websocket.Upgrader

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[string]*connection

	wg       sync.WaitGroup // in-flight invocations and streams
	shutdown atomic.Bool

	registry  registry.Registry
	advertise registry.HubInstance
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithKeepAliveInterval sets how often the server pings idle peers.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(s *Server) { s.keepAlive = d }
}

// WithClientTimeout sets how long a peer may stay silent before it is dropped.
// Zero disables the check.
func WithClientTimeout(d time.Duration) Option {
	return func(s *Server) { s.clientTimeout = d }
}

func WithMaxRecordSize(n int) Option {
	return func(s *Server) { s.maxRecordSize = n }
}

// WithMiddleware installs middlewares around non-streaming invocations.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

// WithCheckOrigin overrides the WebSocket origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		targets:       make(map[string]*methodType),
		conns:         make(map[string]*connection),
		logger:        zap.NewNop(),
		keepAlive:     DefaultKeepAliveInterval,
		clientTimeout: DefaultClientTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.protocol = codec.NewJSONHubProtocol(codec.WithLogger(s.logger.Named("codec")))
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
	return s
}

// Register adds a hub receiver such as &Chat{}. Its exported methods become
// invocation targets addressed by method name.
func (svr *Server) Register(rcvr any) error {
	h, err := newHub(rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	for name := range h.method {
		if other, dup := svr.targets[name]; dup {
			return fmt.Errorf("server: target %s of hub %s already registered by hub %s", name, h.name, other.hub.name)
		}
	}
	for name, mt := range h.method {
		svr.targets[name] = mt
	}
	svr.hubs = append(svr.hubs, h)
	svr.logger.Info("hub registered", zap.String("hub", h.name), zap.Int("targets", len(h.method)))
	return nil
}

// Use registers a middleware. Middlewares run in the order they are added and
// must be added before serving starts.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
}

// Serve listens on address and serves until Shutdown. When reg is not nil every
// hub is registered under advertiseAddr, the routable address peers dial.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	if reg != nil {
		if err := svr.RegisterWith(context.Background(), reg, registry.HubInstance{Addr: advertiseAddr, Weight: 1}); err != nil {
			listener.Close()
			return err
		}
	}
	return svr.ServeListener(listener)
}

// RegisterWith announces every hub in reg as served at instance. Shutdown
// deregisters them.
func (svr *Server) RegisterWith(ctx context.Context, reg registry.Registry, instance registry.HubInstance) error {
	svr.mu.Lock()
	hubs := append([]*hub(nil), svr.hubs...)
	svr.registry, svr.advertise = reg, instance
	svr.mu.Unlock()

	for _, h := range hubs {
		if err := reg.Register(ctx, h.name, instance, registrationTTL); err != nil {
			return fmt.Errorf("server: register hub %s: %w", h.name, err)
		}
	}
	return nil
}

// ServeListener accepts connections from l until Shutdown.
func (svr *Server) ServeListener(l net.Listener) error {
	svr.mu.Lock()
	svr.listeners = append(svr.listeners, l)
	svr.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener, which surfaces here.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn, conn.RemoteAddr().String())
	}
}

// WebSocketHandler serves hub connections over WebSocket.
func (svr *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if svr.shutdown.Load() {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		ws, err := svr.upgrader.Upgrade(w, r, nil)
		if err != nil {
			svr.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		svr.handleConn(transport.NewWSConn(ws), r.RemoteAddr)
	})
}

// Broadcast invokes target on every connected peer without expecting a result.
func (svr *Server) Broadcast(target string, args ...any) error {
	b, err := svr.invocationBytes(target, args)
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range svr.connections() {
		if err := c.writeBytes(b, message.InvocationType); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", c.id, err))
		}
	}
	return errors.Join(errs...)
}

// Send invokes target on a single peer without expecting a result.
func (svr *Server) Send(connectionID, target string, args ...any) error {
	svr.mu.Lock()
	c, ok := svr.conns[connectionID]
	svr.mu.Unlock()
	if !ok {
		return fmt.Errorf("server: no connection %s", connectionID)
	}
	b, err := svr.invocationBytes(target, args)
	if err != nil {
		return err
	}
	return c.writeBytes(b, message.InvocationType)
}

func (svr *Server) invocationBytes(target string, args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return svr.protocol.GetMessageBytes(&message.Invocation{Target: target, Arguments: args})
}

// ConnectionIDs lists the ids of open connections.
func (svr *Server) ConnectionIDs() []string {
	conns := svr.connections()
	ids := make([]string, len(conns))
	for i, c := range conns {
		ids[i] = c.id
	}
	return ids
}

func (svr *Server) connections() []*connection {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	out := make([]*connection, 0, len(svr.conns))
	for _, c := range svr.conns {
		out = append(out, c)
	}
	return out
}

// Shutdown performs graceful shutdown:
//  1. Deregister hubs so clients stop routing here
//  2. Close listeners
//  3. Wait for in-flight invocations, up to timeout
//  4. Send Close to every peer and drop the connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	reg, addr, hubs := svr.registry, svr.advertise.Addr, svr.hubs
	listeners := svr.listeners
	svr.listeners = nil
	// Set under mu so no invocation is counted after the wait below starts, and
	// before closing listeners so Accept errors read as intentional.
	svr.shutdown.Store(true)
	svr.mu.Unlock()

	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, h := range hubs {
			if err := reg.Deregister(ctx, h.name, addr); err != nil {
				svr.logger.Warn("deregister failed", zap.String("hub", h.name), zap.Error(err))
			}
		}
		cancel()
	}

	for _, l := range listeners {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("server: timeout waiting for ongoing invocations to finish")
	}

	for _, c := range svr.connections() {
		c.close(message.EmptyClose)
	}
	return err
}

// businessHandler dispatches a non-streaming invocation to its hub method. It is
// wrapped by the middleware chain.
func (svr *Server) businessHandler(ctx context.Context, inv *message.Invocation) *message.Completion {
	mt, ok := svr.lookup(inv.Target)
	if !ok {
		return message.NewCompletionError(inv.InvocationID, fmt.Sprintf("unknown hub method '%s'", inv.Target))
	}
	if mt.kind == resultStream {
		return message.NewCompletionError(inv.InvocationID,
			fmt.Sprintf("the client attempted to invoke the streaming '%s' method with a non-streaming invocation", inv.Target))
	}

	result, err := mt.call(ctx, inv.Arguments)
	if err != nil {
		return message.NewCompletionError(inv.InvocationID, err.Error())
	}
	if mt.kind == resultVoid {
		return &message.Completion{InvocationID: inv.InvocationID}
	}
	return message.NewCompletionResult(inv.InvocationID, result.Interface())
}

func (svr *Server) lookup(target string) (*methodType, bool) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	mt, ok := svr.targets[target]
	return mt, ok
}

// beginInvocation counts one in-flight invocation or stream, unless Shutdown has
// started. Callers that get true must call svr.wg.Done when finished.
func (svr *Server) beginInvocation() bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) handleConn(rwc io.ReadWriteCloser, remote string) {
	c := newConnection(svr, rwc, remote)

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		rwc.Close()
		return
	}
	svr.conns[c.id] = c
	svr.mu.Unlock()
	svr.metrics.connOpened()

	defer func() {
		svr.mu.Lock()
		delete(svr.conns, c.id)
		svr.mu.Unlock()
		svr.metrics.connClosed()
	}()

	c.serve()
}

// binder resolves parameter types for records arriving at the server. The server
// never has pending invocations of its own, so results and stream items from
// peers always fail to bind.
type binder struct {
	svr *Server
}

func (b binder) ParameterTypes(target string) ([]reflect.Type, error) {
	mt, ok := b.svr.lookup(target)
	if !ok {
		return nil, &codec.BindingError{Target: target, Msg: fmt.Sprintf("unknown hub method '%s'", target)}
	}
	return mt.paramTypes, nil
}

func (b binder) ReturnType(invocationID string) (reflect.Type, error) {
	return nil, &codec.BindingError{InvocationID: invocationID, Msg: "server has no pending invocation"}
}

func (b binder) StreamItemType(streamID string) (reflect.Type, error) {
	return nil, &codec.BindingError{InvocationID: streamID, Msg: "client to server streaming is not supported"}
}
