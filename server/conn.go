package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hub-rpc/codec"
	"hub-rpc/message"
	"hub-rpc/protocol"
)

const errClosedWithError = "Connection closed with an error."

type connIDKey struct{}

// ConnectionID returns the id of the connection an invocation arrived on.
func ConnectionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connIDKey{}).(string)
	return id, ok
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// connection is one peer. A single goroutine reads records; invocations run on
// their own goroutines and share writeMu so records never interleave.
type connection struct {
	id     string
	svr    *Server
	rwc    io.ReadWriteCloser
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	streamsMu sync.Mutex
	streams   map[string]context.CancelFunc

	closeOnce sync.Once
}

func newConnection(svr *Server, rwc io.ReadWriteCloser, remote string) *connection {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), connIDKey{}, id))
	return &connection{
		id:      id,
		svr:     svr,
		rwc:     rwc,
		logger:  svr.logger.With(zap.String("connectionId", id), zap.String("remote", remote)),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]context.CancelFunc),
	}
}

func (c *connection) serve() {
	c.logger.Debug("connection opened")
	defer c.cancel()
	go c.keepAliveLoop()

	reader := protocol.NewReader(c.rwc, c.svr.maxRecordSize)
	bind := binder{svr: c.svr}
	for {
		c.extendDeadline()
		record, err := reader.Next()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrRecordTooLarge):
				c.logger.Warn("record exceeds maximum size", zap.Error(err))
				c.close(message.NewCloseError(errClosedWithError))
			case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
				c.close(nil)
			default:
				c.logger.Debug("read failed", zap.Error(err))
				c.close(nil)
			}
			return
		}

		msg, err := c.svr.protocol.ParseMessage(record, bind)
		if err != nil {
			var be *codec.BindingError
			if errors.As(err, &be) {
				c.svr.metrics.decodeError("binding")
				c.logger.Debug("dropping completion for unknown invocation", zap.String("invocationId", be.InvocationID))
				continue
			}
			c.svr.metrics.decodeError("structural")
			c.logger.Warn("malformed record, closing connection", zap.Error(err))
			c.close(message.NewCloseError(errClosedWithError))
			return
		}
		if msg == nil {
			continue
		}
		c.svr.metrics.received(msg.MessageType())
		if done := c.dispatch(msg); done {
			c.close(nil)
			return
		}
	}
}

const errShuttingDown = "server is shutting down"

// dispatch routes one message and reports whether the peer asked to close.
func (c *connection) dispatch(msg message.HubMessage) bool {
	switch m := msg.(type) {
	case *message.Invocation:
		if !c.svr.beginInvocation() {
			if m.InvocationID != "" {
				c.write(message.NewCompletionError(m.InvocationID, errShuttingDown))
			}
			return false
		}
		go c.invoke(m)
	case *message.StreamInvocation:
		c.startStream(m)
	case *message.CancelInvocation:
		c.cancelStream(m.InvocationID)
	case *message.InvocationBindingFailure:
		c.svr.metrics.decodeError("binding")
		c.logger.Debug("invocation arguments did not bind",
			zap.String("target", m.Target), zap.String("invocationId", m.InvocationID), zap.Error(m.Err))
		if m.InvocationID != "" {
			c.write(message.NewCompletionError(m.InvocationID,
				fmt.Sprintf("failed to invoke '%s' due to an error on the server: %v", m.Target, m.Err)))
		}
	case *message.StreamBindingFailure:
		c.svr.metrics.decodeError("binding")
		c.logger.Debug("stream item did not bind", zap.String("invocationId", m.InvocationID), zap.Error(m.Err))
	case *message.Ping:
	case *message.Close:
		if m.HasError {
			c.logger.Info("peer closed with error", zap.String("error", m.Error))
		}
		return true
	default:
		c.logger.Debug("ignoring message", zap.Stringer("type", msg.MessageType()))
	}
	return false
}

func (c *connection) invoke(inv *message.Invocation) {
	defer c.svr.wg.Done()

	start := time.Now()
	completion := c.svr.handler(c.ctx, inv)
	c.svr.metrics.invocation(inv.Target, completion, time.Since(start))

	// Fire-and-forget invocations get no reply.
	if inv.InvocationID == "" || completion == nil {
		return
	}
	completion.InvocationID = inv.InvocationID
	c.write(completion)
}

func (c *connection) startStream(inv *message.StreamInvocation) {
	mt, ok := c.svr.lookup(inv.Target)
	if !ok {
		c.write(message.NewCompletionError(inv.InvocationID, fmt.Sprintf("unknown hub method '%s'", inv.Target)))
		return
	}
	if mt.kind != resultStream {
		c.write(message.NewCompletionError(inv.InvocationID,
			fmt.Sprintf("the client attempted to invoke the non-streaming '%s' method with a streaming invocation", inv.Target)))
		return
	}

	if !c.svr.beginInvocation() {
		c.write(message.NewCompletionError(inv.InvocationID, errShuttingDown))
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.streamsMu.Lock()
	if _, dup := c.streams[inv.InvocationID]; dup {
		c.streamsMu.Unlock()
		cancel()
		c.svr.wg.Done()
		c.write(message.NewCompletionError(inv.InvocationID, "invocation id is already in use"))
		return
	}
	c.streams[inv.InvocationID] = cancel
	c.streamsMu.Unlock()

	c.logger.Debug("stream started", zap.String("target", inv.Target),
		zap.String("invocationId", inv.InvocationID), zap.Stringer("item", mt.itemType))
	go c.stream(ctx, cancel, mt, inv)
}

// stream forwards items from a streaming method until its channel closes or the
// peer cancels.
func (c *connection) stream(ctx context.Context, cancel context.CancelFunc, mt *methodType, inv *message.StreamInvocation) {
	defer c.svr.wg.Done()
	defer func() {
		cancel()
		c.streamsMu.Lock()
		delete(c.streams, inv.InvocationID)
		c.streamsMu.Unlock()
	}()

	start := time.Now()
	completion := c.pump(ctx, mt, inv)
	c.svr.metrics.invocation(inv.Target, completion, time.Since(start))
	c.write(completion)
}

func (c *connection) pump(ctx context.Context, mt *methodType, inv *message.StreamInvocation) *message.Completion {
	ch, err := mt.call(ctx, inv.Arguments)
	if err != nil {
		return message.NewCompletionError(inv.InvocationID, err.Error())
	}
	if ch.IsNil() {
		return &message.Completion{InvocationID: inv.InvocationID}
	}

	cases := []reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		{Dir: reflect.SelectRecv, Chan: ch},
	}
	for {
		chosen, item, ok := reflect.Select(cases)
		if chosen == 0 {
			return message.NewCompletionError(inv.InvocationID, "stream canceled by client")
		}
		if !ok {
			if ctx.Err() != nil {
				return message.NewCompletionError(inv.InvocationID, "stream canceled by client")
			}
			return &message.Completion{InvocationID: inv.InvocationID}
		}
		if err := c.write(&message.StreamItem{InvocationID: inv.InvocationID, Item: item.Interface()}); err != nil {
			return message.NewCompletionError(inv.InvocationID, err.Error())
		}
	}
}

func (c *connection) cancelStream(id string) {
	c.streamsMu.Lock()
	cancel, ok := c.streams[id]
	c.streamsMu.Unlock()
	if ok {
		c.logger.Debug("stream canceled", zap.String("invocationId", id))
		cancel()
	}
}

func (c *connection) keepAliveLoop() {
	if c.svr.keepAlive <= 0 {
		return
	}
	ping, err := c.svr.protocol.GetMessageBytes(message.PingMessage)
	if err != nil {
		return
	}
	ticker := time.NewTicker(c.svr.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeBytes(ping, message.PingType); err != nil {
				return
			}
		}
	}
}

func (c *connection) extendDeadline() {
	if c.svr.clientTimeout <= 0 {
		return
	}
	if d, ok := c.rwc.(readDeadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(c.svr.clientTimeout))
	}
}

func (c *connection) write(m message.HubMessage) error {
	b, err := c.svr.protocol.GetMessageBytes(m)
	if err != nil {
		c.logger.Error("failed to encode message", zap.Stringer("type", m.MessageType()), zap.Error(err))
		return err
	}
	return c.writeBytes(b, m.MessageType())
}

func (c *connection) writeBytes(b []byte, t message.Type) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rwc.Write(b); err != nil {
		return err
	}
	c.svr.metrics.sent(t)
	return nil
}

// close sends m, when not nil, and tears the connection down. Only the first call
// has any effect.
func (c *connection) close(m *message.Close) {
	c.closeOnce.Do(func() {
		if m != nil {
			_ = c.write(m)
		}
		c.cancel()
		c.rwc.Close()
		c.logger.Debug("connection closed")
	})
}
