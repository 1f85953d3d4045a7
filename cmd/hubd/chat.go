package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"hub-rpc/server"
)

// Chat is the demo hub served by hubd.
type Chat struct {
	svr *server.Server
}

func (c *Chat) Echo(text string) string { return text }

// Send broadcasts text to every connected client as ReceiveMessage(user, text).
func (c *Chat) Send(user, text string) error {
	if strings.TrimSpace(user) == "" {
		return errors.New("user is required")
	}
	return c.svr.Broadcast("ReceiveMessage", user, text)
}

// Whoami returns the caller's connection id.
func (c *Chat) Whoami(ctx context.Context) string {
	id, _ := server.ConnectionID(ctx)
	return id
}

func (c *Chat) Now() time.Time { return time.Now().UTC() }

// Count streams 0..n-1, one item per interval.
func (c *Chat) Count(ctx context.Context, n int, intervalMS int) (<-chan int, error) {
	if n < 0 {
		return nil, errors.New("count must not be negative")
	}
	ch := make(chan int)
	go func() {
		defer close(ch)
		tick := time.NewTicker(time.Duration(max(intervalMS, 1)) * time.Millisecond)
		defer tick.Stop()
		for i := 0; i < n; i++ {
			select {
			case ch <- i:
			case <-ctx.Done():
				return
			}
			select {
			case <-tick.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
