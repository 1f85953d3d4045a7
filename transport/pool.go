package transport

import (
	"context"
	"errors"
	"sync"
)

var ErrPoolClosed = errors.New("transport: pool closed")

// DialFunc opens a new HubConn to the pool's address.
type DialFunc func(ctx context.Context) (*HubConn, error)

// Pool keeps up to size HubConns to one address. Connections are multiplexed, so
// Get shares them round robin instead of lending them out exclusively.
//
// Connections are created lazily: the pool starts empty and grows on demand.
// Closed connections are dropped and replaced on the next Get.
type Pool struct {
	mu     sync.Mutex
	addr   string
	size   int
	conns  []*HubConn
	next   int
	dial   DialFunc
	closed bool
}

func NewPool(addr string, size int, dial DialFunc) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{addr: addr, size: size, dial: dial}
}

func (p *Pool) Addr() string { return p.addr }

// Get returns an open connection, dialing one while the pool is below size.
// Dialing happens under the pool lock so concurrent callers never exceed size.
func (p *Pool) Get(ctx context.Context) (*HubConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	live := p.conns[:0]
	for _, c := range p.conns {
		if c.Err() == nil {
			live = append(live, c)
		}
	}
	clear(p.conns[len(live):])
	p.conns = live

	if len(p.conns) < p.size {
		c, err := p.dial(ctx)
		if err != nil {
			if len(p.conns) == 0 {
				return nil, err
			}
		} else {
			p.conns = append(p.conns, c)
			return c, nil
		}
	}

	p.next = (p.next + 1) % len(p.conns)
	return p.conns[p.next], nil
}

// Len reports how many connections the pool currently holds.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every connection; further Gets fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns, p.closed = nil, true
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}
