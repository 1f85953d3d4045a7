package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

var defaultRetryDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second}

// DelayPolicy is a backoff.BackOff that waits each of Delays in turn and then
// stops.
type DelayPolicy struct {
	Delays []time.Duration
	n      int
}

// DefaultReconnectPolicy retries immediately, then after 2s, then after 10s, then
// gives up.
func DefaultReconnectPolicy() backoff.BackOff {
	return &DelayPolicy{Delays: defaultRetryDelays}
}

func (p *DelayPolicy) NextBackOff() time.Duration {
	if p.n >= len(p.Delays) {
		return backoff.Stop
	}
	d := p.Delays[p.n]
	p.n++
	return d
}

func (p *DelayPolicy) Reset() { p.n = 0 }
