package transport

import (
	"context"
	"reflect"
)

// Stream is the client side of a streaming invocation.
type Stream struct {
	id       string
	ctx      context.Context
	itemType reflect.Type
	items    chan any

	done chan struct{}
	err  error
}

// ID is the invocation id of the stream.
func (s *Stream) ID() string { return s.id }

// Items yields stream items in order and is closed when the stream completes.
func (s *Stream) Items() <-chan any { return s.items }

// Err reports why the stream ended. It is valid once Items is closed: nil for a
// normal completion, the context error when the caller cancelled, otherwise the
// server's or the connection's error.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

func newStream(ctx context.Context, id string, itemType reflect.Type) *Stream {
	return &Stream{
		id:       id,
		ctx:      ctx,
		itemType: itemType,
		items:    make(chan any, streamBuffer),
		done:     make(chan struct{}),
	}
}

// deliver hands an item to the consumer, dropping it once the consumer has
// cancelled.
func (s *Stream) deliver(item any) {
	select {
	case s.items <- item:
	case <-s.ctx.Done():
	}
}

// finish is called exactly once, by whoever removed the stream from the pending table.
func (s *Stream) finish(err error) {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	s.err = err
	close(s.items)
	close(s.done)
}

// Collect drains a stream into a slice of T. A null item becomes T's zero value.
func Collect[T any](s *Stream) ([]T, error) {
	var out []T
	for item := range s.Items() {
		v, _ := item.(T)
		out = append(out, v)
	}
	return out, s.Err()
}
